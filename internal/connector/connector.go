package connector

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Default raw-socket ports: 9100 for generic print servers, 6101 for Zebra
// network cards.
const (
	DefaultPortRaw   = "9100"
	DefaultPortZebra = "6101"
	DefaultPortIPP   = "631"
)

// Handle is one live device connection. Implementations own the underlying
// transport; the pool owns the Handle.
type Handle interface {
	URI() string
	Write(ctx context.Context, p []byte) error
	ReadProperty(ctx context.Context, name string) (string, error)
	SendCommand(ctx context.Context, cmd []byte) error
	Alive() bool
	Close() error
}

type Connector interface {
	Schemes() []string
	Connect(ctx context.Context, uri string) (Handle, error)
}

var registry struct {
	sync.RWMutex
	connectors []Connector
}

func Register(c Connector) {
	if c == nil {
		return
	}
	registry.Lock()
	registry.connectors = append(registry.connectors, c)
	registry.Unlock()
}

// Schemes lists every scheme a registered connector serves, sorted.
func Schemes() []string {
	registry.RLock()
	defer registry.RUnlock()
	var out []string
	for _, c := range registry.connectors {
		out = append(out, c.Schemes()...)
	}
	sort.Strings(out)
	return out
}

func ForURI(uri string) Connector {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil
	}
	registry.RLock()
	defer registry.RUnlock()
	for _, c := range registry.connectors {
		for _, s := range c.Schemes() {
			if strings.EqualFold(s, scheme) {
				return c
			}
		}
	}
	return nil
}

// Dial resolves the connector for uri and opens a handle, classifying a
// missing scheme as unsupported.
func Dial(ctx context.Context, uri string) (Handle, error) {
	c := ForURI(uri)
	if c == nil {
		return nil, WrapUnsupported("dial", uri, nil)
	}
	return c.Connect(ctx, uri)
}

// NormalizeURI turns a user-supplied address into a scheme-qualified URI.
// Bare hosts become socket:// targets on the generic raw port; device nodes
// become serial:// targets; anything already carrying a scheme passes
// through with its port defaulted.
func NormalizeURI(address string) string {
	a := strings.TrimSpace(address)
	if a == "" {
		return ""
	}
	if strings.Contains(a, "://") {
		u, err := url.Parse(a)
		if err != nil {
			return a
		}
		switch strings.ToLower(u.Scheme) {
		case "socket", "tcp":
			u.Scheme = "socket"
			u.Host = ensureHostPort(u.Host, DefaultPortRaw)
		case "ipp", "ipps":
			u.Host = ensureHostPort(u.Host, DefaultPortIPP)
		}
		return u.String()
	}
	if strings.HasPrefix(a, "/") || strings.HasPrefix(strings.ToUpper(a), "COM") {
		return "serial://" + a
	}
	return "socket://" + ensureHostPort(a, DefaultPortRaw)
}

func ensureHostPort(host, defaultPort string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return host
	}
	if strings.HasPrefix(host, "[") {
		if _, _, err := net.SplitHostPort(host); err == nil {
			return host
		}
		if strings.HasSuffix(host, "]") {
			return host + ":" + defaultPort
		}
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if strings.Count(host, ":") > 1 {
		return net.JoinHostPort(host, defaultPort)
	}
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, defaultPort)
}
