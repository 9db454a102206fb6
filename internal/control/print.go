package control

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"labelhub/internal/logging"
	"labelhub/internal/model"
	"labelhub/internal/readiness"
	"labelhub/internal/workflow"
)

// printRequest is the JSON intake for /api/print and /ws/print. Data rides
// base64-encoded, encoding/json's standard form for []byte.
type printRequest struct {
	Device string      `json:"device,omitempty"`
	Data   []byte      `json:"data"`
	Format string      `json:"format,omitempty"`
	Fixes  *fixOptions `json:"fixes,omitempty"`
}

// fixOptions selects which readiness fixes a job may apply.
type fixOptions struct {
	Media       bool `json:"media"`
	Pause       bool `json:"pause"`
	Errors      bool `json:"errors"`
	Language    bool `json:"language"`
	ClearBuffer bool `json:"clearBuffer"`
	FlushBuffer bool `json:"flushBuffer"`
}

func (f *fixOptions) options() readiness.Options {
	return readiness.Options{
		FixMedia:    f.Media,
		FixPause:    f.Pause,
		FixErrors:   f.Errors,
		FixLanguage: f.Language,
		ClearBuffer: f.ClearBuffer,
		FlushBuffer: f.FlushBuffer,
	}
}

func (p printRequest) workflowRequest() workflow.Request {
	req := workflow.Request{
		Device: p.Device,
		Data:   p.Data,
		Format: model.Format(p.Format),
	}
	if p.Fixes != nil {
		opts := p.Fixes.options()
		req.Fixes = &opts
	}
	return req
}

type printAccepted struct {
	OperationID string                 `json:"operationId"`
	State       workflow.StateSnapshot `json:"state"`
}

// handlePrint accepts a job as JSON, multipart (file field "data") or a raw
// body with device/format taken from query parameters. The operation runs
// detached from the request; progress is served by /api/operation and
// /ws/print.
func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	req, ok := s.decodePrintRequest(w, r)
	if !ok {
		return
	}
	op, err := s.hub.Print(context.Background(), req)
	if err != nil {
		s.writePrintError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, printAccepted{OperationID: op.ID(), State: op.State()})
}

func (s *Server) decodePrintRequest(w http.ResponseWriter, r *http.Request) (workflow.Request, bool) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case ct == "application/json":
		var in printRequest
		if !s.decodeJSON(w, r, &in) {
			return workflow.Request{}, false
		}
		return in.workflowRequest(), true
	case strings.HasPrefix(ct, "multipart/"):
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			s.writeBodyError(w, err)
			return workflow.Request{}, false
		}
		file, _, err := r.FormFile("data")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "request/malformed",
				`multipart form needs a "data" file field`, "")
			return workflow.Request{}, false
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			s.writeBodyError(w, err)
			return workflow.Request{}, false
		}
		return workflow.Request{
			Device: r.FormValue("device"),
			Data:   data,
			Format: model.Format(r.FormValue("format")),
		}, true
	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeBodyError(w, err)
			return workflow.Request{}, false
		}
		q := r.URL.Query()
		return workflow.Request{
			Device: q.Get("device"),
			Data:   data,
			Format: model.Format(q.Get("format")),
		}, true
	}
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, workflow.ClassDataOversized,
			err.Error(), "")
		return
	}
	s.writeError(w, http.StatusBadRequest, "request/malformed",
		"read request body: "+err.Error(), "")
}

func (s *Server) writePrintError(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrBusy) {
		s.writeError(w, http.StatusConflict, workflow.ClassOpInProgress, err.Error(),
			"wait for the running operation or cancel it first")
		return
	}
	s.writeError(w, http.StatusInternalServerError, workflow.ClassOpGeneric, err.Error(), "")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Cancelled bool `json:"cancelled"`
	}{s.hub.CancelPrint()})
}

type operationView struct {
	OperationID string                 `json:"operationId"`
	Device      string                 `json:"device,omitempty"`
	State       workflow.StateSnapshot `json:"state"`
	Verdict     *readiness.Verdict     `json:"verdict,omitempty"`
	Events      []workflow.Event       `json:"events,omitempty"`
}

// handleOperation reports the last print operation. ?events=1 appends the
// full event log.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	op := s.hub.LastOperation()
	if op == nil {
		s.writeError(w, http.StatusNotFound, "operation/none", "no print operation has run", "")
		return
	}
	view := operationView{
		OperationID: op.ID(),
		Device:      op.Device(),
		State:       op.State(),
		Verdict:     op.Verdict(),
	}
	if r.URL.Query().Get("events") == "1" {
		view.Events = op.Events()
	}
	s.writeJSON(w, http.StatusOK, view)
}

// submitReadTimeout bounds how long /ws/print waits for the job frame.
const submitReadTimeout = 30 * time.Second

// handlePrintSocket takes one printRequest frame, runs the job and streams
// every event back until the operation settles. A rejection arrives as a
// single error frame before the close.
func (s *Server) handlePrintSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logging.Debugf("control: ws accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "handler exited")

	if s.cfg.MaxPayloadSize > 0 {
		// The library default frame limit is 32 KiB, below a big label batch.
		conn.SetReadLimit(2*s.cfg.MaxPayloadSize + 4096)
	}

	ctx := r.Context()
	var in printRequest
	readCtx, cancel := context.WithTimeout(ctx, submitReadTimeout)
	err = wsjson.Read(readCtx, conn, &in)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected a print request frame")
		return
	}

	op, err := s.hub.Print(context.Background(), in.workflowRequest())
	if err != nil {
		class := workflow.ClassOpGeneric
		if errors.Is(err, workflow.ErrBusy) {
			class = workflow.ClassOpInProgress
		}
		_ = wsjson.Write(ctx, conn, errorResponse{Error: apiError{Class: class, Message: err.Error()}})
		conn.Close(websocket.StatusNormalClosure, "rejected")
		return
	}

	// The write loop owns the connection from here; reading only surfaces
	// the peer going away, which cancels ctx.
	ctx = conn.CloseRead(ctx)
	for ev := range op.Subscribe() {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			logging.Debugf("control: ws send: %v", err)
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "operation finished")
}
