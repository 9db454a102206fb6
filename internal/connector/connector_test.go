package connector

import (
	"context"
	"testing"
)

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare host", in: "192.168.1.50", want: "socket://192.168.1.50:9100"},
		{name: "host with port", in: "192.168.1.50:6101", want: "socket://192.168.1.50:6101"},
		{name: "hostname", in: "printer.local", want: "socket://printer.local:9100"},
		{name: "socket uri no port", in: "socket://10.0.0.9", want: "socket://10.0.0.9:9100"},
		{name: "tcp alias", in: "tcp://10.0.0.9:6101", want: "socket://10.0.0.9:6101"},
		{name: "ipp uri", in: "ipp://10.0.0.9/ipp/print", want: "ipp://10.0.0.9:631/ipp/print"},
		{name: "device node", in: "/dev/rfcomm0", want: "serial:///dev/rfcomm0"},
		{name: "com port", in: "COM3", want: "serial://COM3"},
		{name: "already serial", in: "serial:///dev/ttyUSB0?baud=9600", want: "serial:///dev/ttyUSB0?baud=9600"},
		{name: "empty", in: "  ", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeURI(tc.in); got != tc.want {
				t.Fatalf("NormalizeURI(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestForURISchemes(t *testing.T) {
	tests := []struct {
		uri  string
		want bool
	}{
		{"socket://10.0.0.9:9100", true},
		{"tcp://10.0.0.9:9100", true},
		{"serial:///dev/ttyUSB0", true},
		{"ipp://10.0.0.9:631/ipp/print", true},
		{"ipps://10.0.0.9:631/ipp/print", true},
		{"file:///tmp/out.prn", true},
		{"gopher://example", false},
		{"not a uri", false},
	}
	for _, tc := range tests {
		if got := ForURI(tc.uri) != nil; got != tc.want {
			t.Fatalf("ForURI(%q) registered = %v, want %v", tc.uri, got, tc.want)
		}
	}
}

func TestDialUnknownScheme(t *testing.T) {
	_, err := Dial(context.Background(), "gopher://device")
	if !IsUnsupported(err) {
		t.Fatalf("Dial unknown scheme err = %v, want unsupported", err)
	}
}
