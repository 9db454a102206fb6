package sgd

import (
	"errors"
	"fmt"
	"strings"
)

// SGD variable names understood by ZPL and CPCL firmware alike. The get/set/do
// framing works in every language mode, which is what makes it usable for
// probing a device whose mode is not yet known.
const (
	VarLanguages    = "device.languages"
	VarHostStatus   = "device.host_status"
	VarPause        = "device.pause"
	VarMediaStatus  = "media.status"
	VarHeadLatch    = "head.latch"
	VarMediaType    = "media.type"
	VarSenseMode    = "media.sense_mode"
	VarDarkness     = "print.tone"
	VarFriendlyName = "device.friendly_name"
	VarFirmware     = "appl.name"
)

const (
	LanguageZPL    = "zpl"
	LanguageCPCL   = "line_print"
	LanguageHybrid = "hybrid_xml_zpl"
)

var ErrUnknownVariable = errors.New("sgd: unknown variable")

func Getvar(name string) []byte {
	return []byte(fmt.Sprintf("! U1 getvar %q\r\n", name))
}

func Setvar(name, value string) []byte {
	return []byte(fmt.Sprintf("! U1 setvar %q %q\r\n", name, value))
}

func Do(name, value string) []byte {
	return []byte(fmt.Sprintf("! U1 do %q %q\r\n", name, value))
}

// ParseResponse normalizes a raw getvar reply: strips framing whitespace and
// the surrounding quotes. A bare "?" means the firmware does not know the
// variable.
func ParseResponse(raw []byte) (string, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, "\x00")
	s = strings.TrimSpace(s)
	if s == "?" || s == `"?"` {
		return "", ErrUnknownVariable
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s), nil
}
