package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"

	"labelhub/internal/sgd"
)

// serialConnector covers RFCOMM Bluetooth nodes and USB-serial adapters,
// anything that shows up as a tty. URIs look like serial:///dev/rfcomm0 or
// serial://COM3, with an optional ?baud= override.
type serialConnector struct{}

func init() {
	Register(serialConnector{})
}

func (serialConnector) Schemes() []string {
	return []string{"serial"}
}

func (serialConnector) Connect(ctx context.Context, uri string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify("connect", uri, err)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, WrapPermanent("connect", uri, err)
	}
	device := u.Host + u.Path
	if device == "" {
		return nil, WrapPermanent("connect", uri, fmt.Errorf("invalid serial uri"))
	}
	baud := 115200
	if v := u.Query().Get("baud"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			baud = n
		}
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, classifyPortErr("connect", uri, err)
	}
	return &serialHandle{uri: uri, port: port}, nil
}

func classifyPortErr(op, uri string, err error) error {
	if err == nil {
		return nil
	}
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PermissionDenied:
			return WrapPermission(op, uri, err)
		case serial.PortNotFound, serial.InvalidSerialPort:
			return WrapNotFound(op, uri, err)
		case serial.PortBusy:
			return WrapTemporary(op, uri, err)
		case serial.PortClosed:
			return WrapPermanent(op, uri, err)
		}
	}
	return Classify(op, uri, err)
}

type serialHandle struct {
	uri    string
	mu     sync.Mutex
	port   serial.Port
	closed bool
}

func (h *serialHandle) URI() string { return h.uri }

func (h *serialHandle) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return classifyPortErr("write", h.uri, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return WrapPermanent("write", h.uri, fmt.Errorf("port closed"))
	}
	for len(p) > 0 {
		n, err := h.port.Write(p)
		if err != nil {
			return classifyPortErr("write", h.uri, err)
		}
		p = p[n:]
	}
	_ = h.port.Drain()
	return nil
}

func (h *serialHandle) SendCommand(ctx context.Context, cmd []byte) error {
	return h.Write(ctx, cmd)
}

func (h *serialHandle) ReadProperty(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classifyPortErr("readprop", h.uri, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", WrapPermanent("readprop", h.uri, fmt.Errorf("port closed"))
	}
	_ = h.port.ResetInputBuffer()
	if _, err := h.port.Write(sgd.Getvar(name)); err != nil {
		return "", classifyPortErr("readprop", h.uri, err)
	}
	_ = h.port.Drain()

	deadline := time.Now().Add(replyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// On timeout the port returns a zero-byte read with no error.
	_ = h.port.SetReadTimeout(replyIdleGap)
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	for {
		n, err := h.port.Read(tmp)
		if err != nil {
			return "", classifyPortErr("readprop", h.uri, err)
		}
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if len(buf) >= maxReplySize {
				break
			}
			continue
		}
		if len(buf) > 0 || time.Now().After(deadline) {
			break
		}
	}
	if len(buf) == 0 {
		return "", WrapTimeout("readprop", h.uri, fmt.Errorf("no reply to %s", name))
	}
	return sgd.ParseResponse(buf)
}

func (h *serialHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	// A vanished RFCOMM or USB node fails modem-status reads; ports that do
	// not implement them stay presumed alive until a write fails.
	if _, err := h.port.GetModemStatusBits(); err != nil {
		var pe *serial.PortError
		if errors.As(err, &pe) {
			switch pe.Code() {
			case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort:
				return false
			}
		}
	}
	return true
}

func (h *serialHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.port.Close()
}
