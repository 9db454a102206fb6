package connector

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"labelhub/internal/sgd"
)

const (
	dialTimeout      = 5 * time.Second
	writeTimeout     = 30 * time.Second
	commandTimeout   = 5 * time.Second
	replyTimeout     = 2 * time.Second
	replyIdleGap     = 150 * time.Millisecond
	maxReplySize = 8 * 1024
)

type socketConnector struct{}

func init() {
	Register(socketConnector{})
}

func (socketConnector) Schemes() []string {
	return []string{"socket", "tcp"}
}

func (socketConnector) Connect(ctx context.Context, uri string) (Handle, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, WrapPermanent("connect", uri, err)
	}
	host := ensureHostPort(u.Host, DefaultPortRaw)
	if host == "" {
		return nil, WrapPermanent("connect", uri, fmt.Errorf("invalid socket uri"))
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, Classify("connect", uri, err)
	}
	return &tcpHandle{uri: uri, conn: conn}, nil
}

type tcpHandle struct {
	uri  string
	mu   sync.Mutex
	conn net.Conn
}

func (h *tcpHandle) URI() string { return h.uri }

func (h *tcpHandle) Write(ctx context.Context, p []byte) error {
	return h.write(ctx, p, writeTimeout)
}

func (h *tcpHandle) SendCommand(ctx context.Context, cmd []byte) error {
	return h.write(ctx, cmd, commandTimeout)
}

func (h *tcpHandle) write(ctx context.Context, p []byte, limit time.Duration) error {
	if err := ctx.Err(); err != nil {
		return Classify("write", h.uri, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline := time.Now().Add(limit)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.SetWriteDeadline(deadline)
	for len(p) > 0 {
		n, err := h.conn.Write(p)
		if err != nil {
			return Classify("write", h.uri, err)
		}
		p = p[n:]
	}
	return nil
}

// ReadProperty runs one getvar round-trip. Stale bytes left over from an
// earlier command are drained first so the reply lines up with the request.
func (h *tcpHandle) ReadProperty(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify("readprop", h.uri, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drain()
	deadline := time.Now().Add(replyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.SetWriteDeadline(deadline)
	if _, err := h.conn.Write(sgd.Getvar(name)); err != nil {
		return "", Classify("readprop", h.uri, err)
	}
	raw, err := h.readReply(deadline)
	if err != nil {
		return "", Classify("readprop", h.uri, err)
	}
	return sgd.ParseResponse(raw)
}

func (h *tcpHandle) drain() {
	tmp := make([]byte, 512)
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, err := h.conn.Read(tmp)
		if n == 0 || err != nil {
			return
		}
	}
}

func (h *tcpHandle) readReply(deadline time.Time) ([]byte, error) {
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	for {
		if len(buf) > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(replyIdleGap))
		} else {
			_ = h.conn.SetReadDeadline(deadline)
		}
		n, err := h.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if len(buf) >= maxReplySize {
				return buf, nil
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if len(buf) > 0 {
					return buf, nil
				}
				return nil, err
			}
			return nil, err
		}
		if time.Now().After(deadline) {
			return buf, nil
		}
	}
}

// Alive peeks the socket with a tiny deadline: a timeout means the peer is
// still there, EOF or a reset means it is gone.
func (h *tcpHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	one := make([]byte, 1)
	_, err := h.conn.Read(one)
	if err == nil {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

func (h *tcpHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.Close()
}
