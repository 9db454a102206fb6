package sgd

import (
	"bytes"

	"labelhub/internal/model"
)

// DetectFormat sniffs a payload's protocol dialect from its leading bytes.
// ZPL jobs open with ^XA or a tilde control; CPCL jobs open with "! " and a
// numeric offset or a utility directive. Anything else is unknown.
func DetectFormat(data []byte) model.Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n\x00")
	if len(trimmed) == 0 {
		return model.FormatUnknown
	}
	if bytes.HasPrefix(trimmed, []byte("^XA")) || bytes.HasPrefix(trimmed, []byte("^xa")) {
		return model.FormatZPL
	}
	if trimmed[0] == '~' && len(trimmed) >= 3 && isZPLControl(trimmed[1], trimmed[2]) {
		return model.FormatZPL
	}
	if trimmed[0] == '!' {
		rest := bytes.TrimLeft(trimmed[1:], " ")
		if len(rest) > 0 && (rest[0] >= '0' && rest[0] <= '9' || rest[0] == 'U') {
			return model.FormatCPCL
		}
	}
	// A format wrapped in leading downloads (~DG etc.) still carries ^XA.
	if i := bytes.Index(trimmed, []byte("^XA")); i >= 0 && i < 512 {
		return model.FormatZPL
	}
	return model.FormatUnknown
}

func isZPLControl(a, b byte) bool {
	upper := func(c byte) byte {
		if c >= 'a' && c <= 'z' {
			return c - 'a' + 'A'
		}
		return c
	}
	a, b = upper(a), upper(b)
	return a >= 'A' && a <= 'Z' && (b >= 'A' && b <= 'Z' || b >= '0' && b <= '9')
}
