package control

import (
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// authorize accepts loopback peers when the config trusts them, otherwise
// requires a bearer token matching the configured bcrypt hash. With no hash
// set the API is loopback-only.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AllowLoopback && isLoopbackRemoteAddr(r.RemoteAddr) {
		return true
	}
	hash := strings.TrimSpace(s.cfg.ControlTokenHash)
	if hash == "" {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// bearerToken pulls the token from the Authorization header, falling back to
// a query parameter. Browser WebSocket clients cannot set request headers.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func isLoopbackRemoteAddr(remoteAddr string) bool {
	host := strings.TrimSpace(remoteAddr)
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
