package control

import (
	"net/http"
	"strings"
	"time"

	"labelhub/internal/discovery"
	"labelhub/internal/model"
	"labelhub/internal/readiness"
)

// handleDevices scans for printers. Query: transport (network, bluetooth,
// usb), subnet (comma separated CIDRs), timeout (Go duration).
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	opts := discovery.Options{Transport: model.Transport(q.Get("transport"))}
	for _, sub := range strings.Split(q.Get("subnet"), ",") {
		if sub = strings.TrimSpace(sub); sub != "" {
			opts.Subnets = append(opts.Subnets, sub)
		}
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "request/invalid",
				"bad timeout: "+err.Error(), "")
			return
		}
		opts.Timeout = d
	}
	devices, err := s.hub.Discover(r.Context(), opts)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	if devices == nil {
		devices = []model.DeviceDescriptor{}
	}
	s.writeJSON(w, http.StatusOK, struct {
		Devices []model.DeviceDescriptor `json:"devices"`
	}{devices})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var in struct {
		Address string `json:"address"`
	}
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if err := s.hub.Connect(r.Context(), in.Address); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Connected bool   `json:"connected"`
		Address   string `json:"address"`
	}{true, s.hub.Current()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.hub.Disconnect(); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Disconnected bool `json:"disconnected"`
	}{true})
}

// handlePrinter reads the live condition of ?device= or the selected one.
func (s *Server) handlePrinter(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	ds, err := s.hub.DetailedStatus(r.Context(), r.URL.Query().Get("device"))
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	diag, err := s.hub.Diagnostics(r.Context(), r.URL.Query().Get("device"))
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}

// handlePrepare runs the readiness engine with fixes enabled and returns the
// verdict. A not-ready printer is a 200 with ready=false; only reaching the
// device can fail the call.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var in struct {
		Device string      `json:"device,omitempty"`
		Format string      `json:"format,omitempty"`
		Fixes  *fixOptions `json:"fixes,omitempty"`
	}
	if !s.decodeJSON(w, r, &in) {
		return
	}
	opts := readiness.FixAll(model.Format(in.Format))
	if in.Fixes != nil {
		opts = in.Fixes.options()
		opts.Format = model.Format(in.Format)
	}
	verdict, err := s.hub.Prepare(r.Context(), in.Device, opts)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleDarkness(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var in struct {
		Device string `json:"device,omitempty"`
		Level  int    `json:"level"`
	}
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if err := s.hub.SetDarkness(r.Context(), in.Device, in.Level); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeApplied(w)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var in struct {
		Device    string `json:"device,omitempty"`
		MediaType string `json:"mediaType,omitempty"`
		SenseMode string `json:"senseMode,omitempty"`
	}
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if err := s.hub.SetMedia(r.Context(), in.Device, in.MediaType, in.SenseMode); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeApplied(w)
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var in struct {
		Device string `json:"device,omitempty"`
	}
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if err := s.hub.Calibrate(r.Context(), in.Device); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeApplied(w)
}

func (s *Server) handleLanguage(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	var in struct {
		Device   string `json:"device,omitempty"`
		Language string `json:"language"`
	}
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if err := s.hub.SetLanguage(r.Context(), in.Device, model.Format(in.Language)); err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeApplied(w)
}

func (s *Server) writeApplied(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, struct {
		Applied bool `json:"applied"`
	}{true})
}

// handleCache serves stats on GET and clears on DELETE, optionally scoped to
// ?category=.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.hub.CacheStats())
	case http.MethodDelete:
		category := strings.TrimSpace(r.URL.Query().Get("category"))
		s.hub.ClearCache(category)
		if category == "" {
			category = "all"
		}
		s.writeJSON(w, http.StatusOK, struct {
			Cleared string `json:"cleared"`
		}{category})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "request/method-not-allowed",
			"GET or DELETE required", "")
	}
}
