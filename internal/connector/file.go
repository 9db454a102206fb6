package connector

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"labelhub/internal/sgd"
)

// fileConnector writes jobs to a local file and answers probes with healthy
// canned values. It exists for bring-up and for exercising the full pipeline
// without hardware.
type fileConnector struct{}

func init() {
	Register(fileConnector{})
}

func (fileConnector) Schemes() []string {
	return []string{"file"}
}

func (fileConnector) Connect(ctx context.Context, uri string) (Handle, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, WrapPermanent("connect", uri, err)
	}
	target := u.Path
	if runtime.GOOS == "windows" && strings.HasPrefix(target, "/") && len(target) > 2 && target[2] == ':' {
		target = target[1:]
	}
	if target == "" {
		return nil, WrapPermanent("connect", uri, fmt.Errorf("invalid file uri"))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, Classify("connect", uri, err)
	}
	return &fileHandle{uri: uri, path: target}, nil
}

type fileHandle struct {
	uri    string
	path   string
	mu     sync.Mutex
	closed bool
}

func (h *fileHandle) URI() string { return h.uri }

func (h *fileHandle) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return Classify("write", h.uri, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return WrapPermanent("write", h.uri, fmt.Errorf("handle closed"))
	}
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Classify("write", h.uri, err)
	}
	defer f.Close()
	if _, err := f.Write(p); err != nil {
		return Classify("write", h.uri, err)
	}
	return f.Sync()
}

func (h *fileHandle) SendCommand(ctx context.Context, cmd []byte) error {
	return h.Write(ctx, cmd)
}

func (h *fileHandle) ReadProperty(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify("readprop", h.uri, err)
	}
	switch name {
	case sgd.VarMediaStatus:
		return "ready", nil
	case sgd.VarHeadLatch:
		return "ok", nil
	case sgd.VarPause:
		return "no", nil
	case sgd.VarLanguages:
		return sgd.LanguageHybrid, nil
	case sgd.VarHostStatus:
		return "030,0,0,1245,000,0,0,0,000,0,0,0\r\n000,0,0,0,1,2,6,0,00000000,1,000\r\n1234,0", nil
	case sgd.VarFriendlyName:
		return "file target", nil
	}
	return "", nil
}

func (h *fileHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *fileHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
