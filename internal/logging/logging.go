package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func ParseLevel(s string) Level {
	switch s {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug", "debug2":
		return LevelDebug
	default:
		return LevelInfo
	}
}

type manager struct {
	errorLog  *RotatingFile
	accessLog *RotatingFile
	jobLog    *RotatingFile
	level     Level
}

var (
	globalMu sync.RWMutex
	global   = manager{level: LevelInfo}
)

func Configure(errorPath, accessPath, jobPath string, maxSize int64, level Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global.errorLog = NewRotatingFile(errorPath, maxSize)
	global.accessLog = NewRotatingFile(accessPath, maxSize)
	global.jobLog = NewRotatingFile(jobPath, maxSize)
	global.level = level
}

func ErrorWriter() io.Writer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global.errorLog != nil && global.errorLog.Enabled() {
		return global.errorLog
	}
	return os.Stderr
}

// logf writes one error_log line in the classic "L [date] message" form.
func logf(level Level, letter string, format string, args ...any) {
	globalMu.RLock()
	max := global.level
	logger := global.errorLog
	globalMu.RUnlock()
	if level > max {
		return
	}
	line := fmt.Sprintf("%s [%s] %s", letter, time.Now().Format("02/Jan/2006:15:04:05 -0700"), fmt.Sprintf(format, args...))
	if logger != nil && logger.Enabled() {
		_ = logger.WriteLine(line)
		return
	}
	fmt.Fprintln(os.Stderr, line)
}

func Errorf(format string, args ...any) { logf(LevelError, "E", format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, "W", format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, "I", format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, "D", format, args...) }

func Access(line string) {
	globalMu.RLock()
	logger := global.accessLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}

// Job records one finished print operation in the job log.
func Job(line string) {
	globalMu.RLock()
	logger := global.jobLog
	globalMu.RUnlock()
	if logger != nil {
		_ = logger.WriteLine(line)
	}
}
