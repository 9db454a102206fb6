// Package control serves the hub over HTTP and WebSocket. The surface is a
// small JSON API plus one socket endpoint that submits a print job and
// streams its event log until the operation settles.
package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"labelhub/internal/config"
	"labelhub/internal/connector"
	"labelhub/internal/hub"
	"labelhub/internal/logging"
	"labelhub/internal/tlsutil"
	"labelhub/internal/workflow"
)

// Server is the daemon's HTTP front end over a Hub.
type Server struct {
	cfg config.Config
	hub *hub.Hub

	httpServer *http.Server
	listener   net.Listener
	announcer  *Announcer
}

func New(cfg config.Config, h *hub.Hub) *Server {
	return &Server{cfg: cfg, hub: h}
}

// Handler routes the API. Every /api and /ws path requires authorization;
// /healthz stays open for probes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxPayloadSize > 0 {
			// Base64 and multipart framing inflate the payload on the wire.
			r.Body = http.MaxBytesReader(w, r.Body, 2*s.cfg.MaxPayloadSize+4096)
		}
		if r.URL.Path == "/healthz" {
			s.handleHealth(w, r)
			return
		}
		if !s.authorize(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="labelhub"`)
			s.writeError(w, http.StatusUnauthorized, "auth/required",
				"missing or invalid control token",
				"send Authorization: Bearer <token>")
			return
		}
		switch r.URL.Path {
		case "/api/status":
			s.handleStatus(w, r)
		case "/api/devices":
			s.handleDevices(w, r)
		case "/api/connect":
			s.handleConnect(w, r)
		case "/api/disconnect":
			s.handleDisconnect(w, r)
		case "/api/print":
			s.handlePrint(w, r)
		case "/api/cancel":
			s.handleCancel(w, r)
		case "/api/operation":
			s.handleOperation(w, r)
		case "/ws/print":
			s.handlePrintSocket(w, r)
		case "/api/printer":
			s.handlePrinter(w, r)
		case "/api/printer/diagnostics":
			s.handleDiagnostics(w, r)
		case "/api/printer/prepare":
			s.handlePrepare(w, r)
		case "/api/printer/darkness":
			s.handleDarkness(w, r)
		case "/api/printer/media":
			s.handleMedia(w, r)
		case "/api/printer/calibrate":
			s.handleCalibrate(w, r)
		case "/api/printer/language":
			s.handleLanguage(w, r)
		case "/api/cache":
			s.handleCache(w, r)
		default:
			s.writeError(w, http.StatusNotFound, "request/unknown-path", "no such endpoint", "")
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{"ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.hub.Status())
}

// Start listens on cfg.ListenAddr and serves in the background. With TLS
// enabled a missing certificate is generated on first start when
// TLSAutoGenerate allows it.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      logging.HTTPAccessMiddleware(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	scheme := "http"
	if s.cfg.TLSEnabled {
		hostname, _ := os.Hostname()
		cert, err := tlsutil.EnsureCertificate(s.cfg.TLSCertPath, s.cfg.TLSKeyPath,
			certHosts("localhost", s.cfg.ServerName, hostname), s.cfg.TLSAutoGenerate)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		scheme = "https"
	}
	s.listener = ln

	go func() {
		logging.Infof("control: listening on %s://%s", scheme, s.cfg.ListenAddr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("control: serve: %v", err)
		}
	}()

	if s.cfg.Announce {
		announcer, err := StartAnnouncer(s.cfg)
		if err != nil {
			logging.Warnf("control: mdns announce: %v", err)
		} else {
			s.announcer = announcer
		}
	}
	return nil
}

// Shutdown drains in-flight requests. A running print operation is not
// interrupted; the hub owns its lifetime.
func (s *Server) Shutdown(ctx context.Context) error {
	s.announcer.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func certHosts(hosts ...string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// apiError is the wire form of a failure. Class values come from the
// workflow taxonomy so HTTP and event stream consumers share one vocabulary.
type apiError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugf("control: write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, class, message, hint string) {
	s.writeJSON(w, code, errorResponse{Error: apiError{Class: class, Message: message, Hint: hint}})
}

// writeDeviceError maps a classified connector error onto an HTTP status.
// Unclassified errors are local validation failures, not device trouble.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch connector.KindOf(err) {
	case connector.ErrorNotFound:
		s.writeError(w, http.StatusNotFound, workflow.ClassConnNotFound, msg,
			"check the printer address and that the device is powered on")
	case connector.ErrorPermission:
		s.writeError(w, http.StatusForbidden, workflow.ClassConnPermission, msg, "")
	case connector.ErrorDisabled:
		s.writeError(w, http.StatusServiceUnavailable, workflow.ClassConnDisabled, msg,
			"turn the transport (bluetooth or network interface) on")
	case connector.ErrorTimeout:
		s.writeError(w, http.StatusGatewayTimeout, workflow.ClassConnTimeout, msg, "")
	case connector.ErrorHardware:
		s.writeError(w, http.StatusBadGateway, workflow.ClassPrintHardware, msg,
			"check the printer for an open head, jam or fault light")
	case "":
		s.writeError(w, http.StatusBadRequest, "request/invalid", msg, "")
	default:
		s.writeError(w, http.StatusBadGateway, workflow.ClassConnGeneric, msg, "")
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.writeError(w, http.StatusMethodNotAllowed, "request/method-not-allowed",
			method+" required", "")
		return false
	}
	return true
}

// decodeJSON reads the body into v. A body over the wire limit reports as
// oversized, not malformed.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, workflow.ClassDataOversized,
				err.Error(), "")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "request/malformed",
			"decode request: "+err.Error(), "")
		return false
	}
	return true
}
