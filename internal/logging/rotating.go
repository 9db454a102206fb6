package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RotatingFile appends UTF-8 log lines to a file it keeps open, rotating a
// bounded set of numbered backups ("<path>.1" newest) once MaxSize would be
// exceeded. Special paths redirect: "stderr" or "-", "stdout", and "", "none",
// "off" or "syslog" discard.
type RotatingFile struct {
	path    string
	maxSize int64
	backups int

	mu   sync.Mutex
	mode targetMode
	f    *os.File
	size int64
}

type targetMode int

const (
	targetFile targetMode = iota
	targetStderr
	targetStdout
	targetDiscard
)

const defaultBackups = 1

func NewRotatingFile(path string, maxSize int64) *RotatingFile {
	r := &RotatingFile{path: strings.TrimSpace(path), maxSize: maxSize, backups: defaultBackups}
	switch strings.ToLower(r.path) {
	case "", "none", "off", "syslog":
		r.mode = targetDiscard
	case "stderr", "-":
		r.mode = targetStderr
	case "stdout":
		r.mode = targetStdout
	default:
		r.mode = targetFile
	}
	return r
}

func (r *RotatingFile) Enabled() bool {
	return r != nil && r.mode != targetDiscard
}

func (r *RotatingFile) WriteLine(line string) error {
	if r == nil {
		return nil
	}
	_, err := r.Write([]byte(line + "\n"))
	return err
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	if r == nil {
		return len(p), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.mode {
	case targetDiscard:
		return len(p), nil
	case targetStderr:
		return os.Stderr.Write(p)
	case targetStdout:
		return os.Stdout.Write(p)
	}

	if err := r.open(); err != nil {
		return 0, err
	}
	if r.maxSize > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// Close releases the current file. Later writes reopen it.
func (r *RotatingFile) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	r.size = 0
	return err
}

func (r *RotatingFile) open() error {
	if r.f != nil {
		return nil
	}
	if dir := filepath.Dir(r.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.f = f
	r.size = info.Size()
	return nil
}

// rotate shifts path.N-1 onto path.N, moves the live file to path.1 and
// reopens a fresh one. The oldest backup falls off.
func (r *RotatingFile) rotate() error {
	r.f.Close()
	r.f = nil
	r.size = 0

	n := r.backups
	if n < 1 {
		n = 1
	}
	_ = os.Remove(r.backupPath(n))
	for i := n - 1; i >= 1; i-- {
		if err := os.Rename(r.backupPath(i), r.backupPath(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(r.path, r.backupPath(1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return r.open()
}

func (r *RotatingFile) backupPath(i int) string {
	return fmt.Sprintf("%s.%d", r.path, i)
}

var _ io.Writer = (*RotatingFile)(nil)
