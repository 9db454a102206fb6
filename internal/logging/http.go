package logging

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// responseRecorder counts what went out. Hijack passes through so the event
// socket upgrade still reaches the underlying connection.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	size     int
	hijacked bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.size += n
	return n, err
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.hijacked = true
		if r.status == 0 {
			r.status = http.StatusSwitchingProtocols
		}
	}
	return conn, rw, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// HTTPAccessMiddleware writes one access_log line per request once the
// handler returns: remote host, timestamp, request line, status, bytes out,
// elapsed. A hijacked event socket logs when its session ends.
func HTTPAccessMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		remote := strings.TrimSpace(r.RemoteAddr)
		if host, _, err := net.SplitHostPort(remote); err == nil {
			remote = host
		}
		Access(fmt.Sprintf("%s - [%s] \"%s %s %s\" %d %d %s",
			remote,
			start.Format("02/Jan/2006:15:04:05 -0700"),
			r.Method,
			r.URL.RequestURI(),
			r.Proto,
			status,
			rec.size,
			time.Since(start).Round(time.Millisecond),
		))
	})
}

// JobLogLine formats one job_log record: device, operation id, submit time,
// format, payload size, elapsed, result.
func JobLogLine(device, opID string, format string, sizeBytes int64, elapsed time.Duration, result string) string {
	if strings.TrimSpace(device) == "" {
		device = "-"
	}
	if strings.TrimSpace(opID) == "" {
		opID = "-"
	}
	if strings.TrimSpace(format) == "" {
		format = "raw"
	}
	if strings.TrimSpace(result) == "" {
		result = "ok"
	}
	return strings.Join([]string{
		device,
		opID,
		time.Now().Format(time.RFC3339),
		format,
		strconv.FormatInt(sizeBytes, 10),
		elapsed.Truncate(time.Millisecond).String(),
		result,
	}, " ")
}
