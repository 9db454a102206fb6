package sgd

import (
	"fmt"
	"strconv"

	"labelhub/internal/model"
)

// Control commands differ by language mode: ZPL devices take tilde commands,
// line_print devices take the SGD do/setvar frames. Callers must pass the
// device's current mode, not the job's target format.

func Unpause(f model.Format) []byte {
	if f == model.FormatZPL {
		return []byte("~PS")
	}
	return Do("device.unpause", "")
}

// ClearBuffer cancels every format queued in the receive buffer.
func ClearBuffer(f model.Format) []byte {
	if f == model.FormatZPL {
		return []byte("~JA")
	}
	return Do("formats.cancel_all", "")
}

// FlushBuffer discards only the partially received format, leaving complete
// queued formats alone. The line-mode variant first terminates any partial
// line before cancelling.
func FlushBuffer(f model.Format) []byte {
	if f == model.FormatZPL {
		return []byte("~JX")
	}
	return append([]byte("\r\n"), Do("formats.cancel_all", "")...)
}

// ClearErrors recovers from soft host errors by cancelling stuck formats.
// Hardware conditions (head open, media out) do not clear this way.
func ClearErrors(f model.Format) []byte {
	if f == model.FormatZPL {
		return []byte("~JA")
	}
	return Do("formats.cancel_all", "")
}

func Calibrate(f model.Format) []byte {
	if f == model.FormatZPL {
		return []byte("~JC")
	}
	return Do("ezpl.manual_calibration", "")
}

func SwitchLanguage(target model.Format) []byte {
	return Setvar(VarLanguages, LanguageValue(target))
}

// LanguageValue maps a job format to the device.languages value that serves it.
func LanguageValue(f model.Format) string {
	if f == model.FormatCPCL {
		return LanguageCPCL
	}
	return LanguageZPL
}

// LanguageMatches reports whether a device language mode can accept the given
// format without switching. Hybrid firmware accepts ZPL.
func LanguageMatches(current string, f model.Format) bool {
	switch f {
	case model.FormatZPL:
		return current == LanguageZPL || current == LanguageHybrid
	case model.FormatCPCL:
		return current == LanguageCPCL
	case model.FormatRaw:
		return true
	}
	return false
}

// MediaSettings builds the settings blob the device expects when changing
// media handling: SGD setvars plus a trailing calibrate for label stock.
func MediaSettings(mediaType, senseMode string) []byte {
	switch mediaType {
	case "journal":
		return append(Setvar(VarDarkness, "0"), Setvar(VarMediaType, "journal")...)
	default:
		b := Setvar(VarMediaType, "label")
		if senseMode == "bar" {
			b = append(b, Setvar(VarSenseMode, "bar")...)
		} else {
			b = append(b, Setvar(VarSenseMode, "gap")...)
		}
		return append(b, []byte("~jc^xa^jus^xz")...)
	}
}

func DarknessSetting(level int) ([]byte, error) {
	if level < -99 || level > 200 {
		return nil, fmt.Errorf("sgd: darkness %d out of range", level)
	}
	return Setvar(VarDarkness, strconv.Itoa(level)), nil
}
