package client

import (
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type clientSettings struct {
	host               string
	port               int
	useTLS             bool
	token              string
	insecureSkipVerify bool
}

// loadClientSettings resolves where the control API lives: client.conf
// (system then user copy) with LABELHUB_* environment keys layered on top.
func loadClientSettings() clientSettings {
	vals := confValues()

	host, port, useTLS := parseServer(vals["servername"])
	switch strings.ToLower(vals["encryption"]) {
	case "never":
		useTLS = false
	case "required", "always":
		useTLS = true
	}
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = defaultControlPort()
	}

	insecure := false
	if v, ok := parseBool(vals["validatecerts"]); ok {
		insecure = !v
	}
	if v, ok := parseBoolEnv("LABELHUB_INSECURE"); ok {
		insecure = v
	}

	return clientSettings{
		host:               host,
		port:               port,
		useTLS:             useTLS,
		token:              vals["token"],
		insecureSkipVerify: insecure,
	}
}

// confValues collects the recognized client.conf directives into a map of
// lowercased keys. Later sources win.
func confValues() map[string]string {
	vals := map[string]string{}
	if override := strings.TrimSpace(os.Getenv("LABELHUB_CLIENT_CONF")); override != "" {
		mergeConfFile(vals, override)
	} else {
		system := filepath.Join(systemConfDir(), "client.conf")
		mergeConfFile(vals, system)
		if dir := userConfDir(); dir != "" {
			if user := filepath.Join(dir, "client.conf"); user != system {
				mergeConfFile(vals, user)
			}
		}
	}
	for key, env := range map[string]string{
		"servername":    "LABELHUB_SERVER",
		"encryption":    "LABELHUB_ENCRYPTION",
		"token":         "LABELHUB_TOKEN",
		"validatecerts": "LABELHUB_VALIDATECERTS",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			vals[key] = v
		}
	}
	return vals
}

func mergeConfFile(vals map[string]string, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(cutComment(raw))
		if line == "" {
			continue
		}
		key, rest, ok := strings.Cut(line, " ")
		if !ok {
			key, rest, ok = strings.Cut(line, "\t")
		}
		if !ok {
			continue
		}
		value := strings.Trim(strings.TrimSpace(rest), `"'`)
		if value == "" {
			continue
		}
		switch key = strings.ToLower(key); key {
		case "servername", "encryption", "token", "validatecerts":
			vals[key] = value
		}
	}
}

// cutComment drops an unquoted # and everything after it.
func cutComment(line string) string {
	quote := byte(0)
	for i := 0; i < len(line); i++ {
		switch ch := line[i]; {
		case quote == 0 && (ch == '"' || ch == '\''):
			quote = ch
		case quote == ch:
			quote = 0
		case quote == 0 && ch == '#':
			return line[:i]
		}
	}
	return line
}

// parseServer accepts host, host:port, or a URL. An https or wss scheme
// turns TLS on.
func parseServer(value string) (string, int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", 0, false
	}
	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil || u.Hostname() == "" {
			return value, 0, false
		}
		port, _ := strconv.Atoi(u.Port())
		scheme := strings.ToLower(u.Scheme)
		return u.Hostname(), port, scheme == "https" || scheme == "wss"
	}
	if host, portStr, err := net.SplitHostPort(value); err == nil {
		if port, err := strconv.Atoi(portStr); err == nil {
			return host, port, false
		}
	}
	return value, 0, false
}

func defaultControlPort() int {
	if n, err := strconv.Atoi(os.Getenv("LABELHUB_PORT")); err == nil && n > 0 {
		return n
	}
	return 8631
}

func systemConfDir() string {
	for _, key := range []string{"LABELHUB_CLIENT_CONF_DIR", "LABELHUB_CONF_DIR"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if v := os.Getenv("LABELHUB_DATA_DIR"); v != "" {
		return filepath.Join(v, "conf")
	}
	return filepath.Join("data", "conf")
}

func userConfDir() string {
	if v := os.Getenv("LABELHUB_USER_CONF_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".labelhub")
}

func parseBoolEnv(name string) (bool, bool) {
	return parseBool(os.Getenv(name))
}

func parseBool(value string) (bool, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return false, false
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b, true
	}
	switch value {
	case "yes", "on":
		return true, true
	case "no", "off":
		return false, true
	}
	return false, false
}
