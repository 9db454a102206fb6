package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/crypto/bcrypt"

	"labelhub/internal/config"
	"labelhub/internal/connector"
	"labelhub/internal/hub"
	"labelhub/internal/model"
	"labelhub/internal/readiness"
	"labelhub/internal/sgd"
	"labelhub/internal/workflow"
)

const statusIdle = "030,0,0,0832,000,0,0,0,000,0,0,0\r\n000,0,0,0,0,2,4,0,00000000,1,000\r\n1234,0"
const statusPaused = "030,0,1,0832,000,0,0,0,000,0,0,0\r\n000,0,0,0,0,2,4,0,00000000,1,000\r\n1234,0"

type fakeDevice struct {
	uri string

	mu        sync.Mutex
	props     map[string]string
	sent      []string
	onCommand func(d *fakeDevice, cmd string)
}

func (d *fakeDevice) read(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.props[name]
	if !ok {
		return "", sgd.ErrUnknownVariable
	}
	return v, nil
}

func (d *fakeDevice) record(cmd []byte) error {
	d.mu.Lock()
	d.sent = append(d.sent, string(cmd))
	hook := d.onCommand
	d.mu.Unlock()
	if hook != nil {
		hook(d, string(cmd))
	}
	return nil
}

func (d *fakeDevice) set(name, value string) {
	d.mu.Lock()
	d.props[name] = value
	d.mu.Unlock()
}

func (d *fakeDevice) sentCommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type fakeHandle struct{ dev *fakeDevice }

func (h *fakeHandle) URI() string { return h.dev.uri }
func (h *fakeHandle) Alive() bool { return true }
func (h *fakeHandle) Write(ctx context.Context, p []byte) error {
	return h.dev.record(p)
}
func (h *fakeHandle) ReadProperty(ctx context.Context, name string) (string, error) {
	return h.dev.read(name)
}
func (h *fakeHandle) SendCommand(ctx context.Context, cmd []byte) error {
	return h.dev.record(cmd)
}
func (h *fakeHandle) Close() error { return nil }

type fakeNet struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
	dials   int
	refuse  error
	delay   time.Duration
}

var wire = &fakeNet{devices: map[string]*fakeDevice{}}

func init() { connector.Register(wire) }

func (f *fakeNet) Schemes() []string { return []string{"test"} }

func (f *fakeNet) Connect(ctx context.Context, uri string) (connector.Handle, error) {
	f.mu.Lock()
	f.dials++
	refuse := f.refuse
	delay := f.delay
	dev := f.devices[uri]
	if dev == nil && refuse == nil {
		dev = &fakeDevice{uri: uri, props: map[string]string{}}
		f.devices[uri] = dev
	}
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if refuse != nil {
		return nil, refuse
	}
	return &fakeHandle{dev: dev}, nil
}

func (f *fakeNet) reset() {
	f.mu.Lock()
	f.devices = map[string]*fakeDevice{}
	f.dials = 0
	f.refuse = nil
	f.delay = 0
	f.mu.Unlock()
}

func (f *fakeNet) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeNet) setRefuse(err error) {
	f.mu.Lock()
	f.refuse = err
	f.mu.Unlock()
}

func (f *fakeNet) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeNet) device(uri string) *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[uri]
}

func (f *fakeNet) ready(uri string) *fakeDevice {
	d := &fakeDevice{uri: uri, props: map[string]string{
		sgd.VarMediaStatus: "ready",
		sgd.VarHeadLatch:   "ok",
		sgd.VarPause:       "off",
		sgd.VarLanguages:   sgd.LanguageZPL,
		sgd.VarHostStatus:  statusIdle,
	}}
	f.mu.Lock()
	f.devices[uri] = d
	f.mu.Unlock()
	return d
}

func testConfig() config.Config {
	return config.Config{
		ServerName:         "labelhub-test",
		AllowLoopback:      true,
		MaxPayloadSize:     1 << 20,
		MaxRetries:         2,
		RetryBaseDelay:     time.Millisecond,
		RetryCapDelay:      5 * time.Millisecond,
		StatusPollInterval: 2 * time.Millisecond,
		CompletionTimeout:  250 * time.Millisecond,
		OperationTimeout:   5 * time.Second,
		SettleDelay:        time.Millisecond,
		CacheTTL:           time.Minute,
		CacheSweep:         time.Hour,
		HealthInterval:     time.Hour,
		StaleAfter:         10 * time.Minute,
		FailureThreshold:   3,
		ReconnectPasses:    1,
		SNMPCommunity:      "public",
	}
}

type testServer struct {
	ts  *httptest.Server
	hub *hub.Hub
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	wire.reset()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := hub.New(cfg)
	h.Start(context.Background())
	t.Cleanup(h.Close)
	srv := New(cfg, h)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, hub: h}
}

func (s *testServer) url(path string) string { return s.ts.URL + path }

func (s *testServer) waitDone(t *testing.T) {
	t.Helper()
	op := s.hub.LastOperation()
	if op == nil {
		t.Fatalf("no operation recorded")
	}
	select {
	case <-op.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("operation did not finish in time")
	}
}

func doRequest(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, raw
}

func doJSON(t *testing.T, method, url string, payload any) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return doRequest(t, req)
}

func unmarshal(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func errClass(t *testing.T, raw []byte) string {
	t.Helper()
	var er errorResponse
	unmarshal(t, raw, &er)
	return er.Error.Class
}

func TestHealthzOpenWithoutAuth(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowLoopback = false
	})

	status, raw := doJSON(t, http.MethodGet, s.url("/healthz"), nil)
	if status != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want %d", status, http.StatusOK)
	}
	var health struct {
		Status string `json:"status"`
	}
	unmarshal(t, raw, &health)
	if health.Status != "ok" {
		t.Fatalf("health status = %q, want %q", health.Status, "ok")
	}

	status, _ = doJSON(t, http.MethodGet, s.url("/api/status"), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("GET /api/status without auth = %d, want %d", status, http.StatusUnauthorized)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowLoopback = false
		cfg.ControlTokenHash = string(hash)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"malformed scheme", "Basic letmein", http.StatusUnauthorized},
		{"valid", "Bearer letmein", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, s.url("/api/status"), nil)
			if err != nil {
				t.Fatalf("build request: %v", err)
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Fatalf("401 response missing WWW-Authenticate challenge")
			}
		})
	}
}

func TestTokenViaQueryParameter(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("socket-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowLoopback = false
		cfg.ControlTokenHash = string(hash)
	})

	status, _ := doJSON(t, http.MethodGet, s.url("/api/status?token=socket-secret"), nil)
	if status != http.StatusOK {
		t.Fatalf("GET with token query param = %d, want %d", status, http.StatusOK)
	}
}

func TestLoopbackBypassesToken(t *testing.T) {
	s := newTestServer(t, nil)

	status, raw := doJSON(t, http.MethodGet, s.url("/api/status"), nil)
	if status != http.StatusOK {
		t.Fatalf("GET /api/status from loopback = %d, want %d", status, http.StatusOK)
	}
	var st struct {
		Server     string   `json:"server"`
		Transports []string `json:"transports"`
	}
	unmarshal(t, raw, &st)
	if st.Server != "labelhub-test" {
		t.Fatalf("server = %q, want %q", st.Server, "labelhub-test")
	}
	found := false
	for _, tr := range st.Transports {
		if tr == "test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("transports %v missing registered scheme %q", st.Transports, "test")
	}
}

func TestPrintRawBody(t *testing.T) {
	s := newTestServer(t, nil)
	wire.ready("test://box1")

	body := strings.NewReader("^XA^FDhello^XZ")
	req, err := http.NewRequest(http.MethodPost, s.url("/api/print?device=test://box1"), body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	status, raw := doRequest(t, req)
	if status != http.StatusAccepted {
		t.Fatalf("POST /api/print = %d, want %d: %s", status, http.StatusAccepted, raw)
	}
	var accepted printAccepted
	unmarshal(t, raw, &accepted)
	if accepted.OperationID == "" {
		t.Fatalf("accepted response has no operation id")
	}

	s.waitDone(t)

	status, raw = doJSON(t, http.MethodGet, s.url("/api/operation?events=1"), nil)
	if status != http.StatusOK {
		t.Fatalf("GET /api/operation = %d, want %d", status, http.StatusOK)
	}
	var view operationView
	unmarshal(t, raw, &view)
	if view.OperationID != accepted.OperationID {
		t.Fatalf("operation id = %q, want %q", view.OperationID, accepted.OperationID)
	}
	if !view.State.Completed {
		t.Fatalf("operation not completed: step %s, lastError %q", view.State.Step, view.State.LastError)
	}
	if len(view.Events) == 0 {
		t.Fatalf("?events=1 returned no events")
	}
	last := view.Events[len(view.Events)-1]
	if last.Type != workflow.EventCompleted {
		t.Fatalf("last event type = %s, want %s", last.Type, workflow.EventCompleted)
	}

	dev := wire.device("test://box1")
	payloads := 0
	for _, cmd := range dev.sentCommands() {
		if cmd == "^XA^FDhello^XZ" {
			payloads++
		}
	}
	if payloads != 1 {
		t.Fatalf("payload delivered %d times, want once", payloads)
	}
}

func TestPrintJSONBody(t *testing.T) {
	s := newTestServer(t, nil)
	wire.ready("test://box2")

	payload := []byte{0x1b, 0x00, 0x7f, 0x42}
	status, raw := doJSON(t, http.MethodPost, s.url("/api/print"), printRequest{
		Device: "test://box2",
		Data:   payload,
		Format: "raw",
	})
	if status != http.StatusAccepted {
		t.Fatalf("POST /api/print = %d, want %d: %s", status, http.StatusAccepted, raw)
	}
	s.waitDone(t)

	dev := wire.device("test://box2")
	for _, cmd := range dev.sentCommands() {
		if cmd == string(payload) {
			return
		}
	}
	t.Fatalf("opaque payload never reached the device: %q", dev.sentCommands())
}

func TestPrintMultipartForm(t *testing.T) {
	s := newTestServer(t, nil)
	wire.ready("test://box3")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("data", "label.zpl")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("^XA^FDform^XZ")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.WriteField("device", "test://box3"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.WriteField("format", "zpl"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.url("/api/print"), &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	status, raw := doRequest(t, req)
	if status != http.StatusAccepted {
		t.Fatalf("POST multipart = %d, want %d: %s", status, http.StatusAccepted, raw)
	}
	s.waitDone(t)

	op := s.hub.LastOperation()
	if !op.State().Completed {
		t.Fatalf("multipart print did not complete: %+v", op.State())
	}
}

func TestPrintBusyConflict(t *testing.T) {
	s := newTestServer(t, nil)
	wire.setDelay(100 * time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, s.url("/api/print?device=test://slow"),
		strings.NewReader("^XA^XZ"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	status, _ := doRequest(t, req)
	if status != http.StatusAccepted {
		t.Fatalf("first POST /api/print = %d, want %d", status, http.StatusAccepted)
	}

	req2, err := http.NewRequest(http.MethodPost, s.url("/api/print?device=test://slow"),
		strings.NewReader("^XA^XZ"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	status, raw := doRequest(t, req2)
	if status != http.StatusConflict {
		t.Fatalf("second POST /api/print = %d, want %d", status, http.StatusConflict)
	}
	if class := errClass(t, raw); class != workflow.ClassOpInProgress {
		t.Fatalf("conflict class = %q, want %q", class, workflow.ClassOpInProgress)
	}

	status, raw = doJSON(t, http.MethodPost, s.url("/api/cancel"), nil)
	if status != http.StatusOK {
		t.Fatalf("POST /api/cancel = %d, want %d", status, http.StatusOK)
	}
	var cancel struct {
		Cancelled bool `json:"cancelled"`
	}
	unmarshal(t, raw, &cancel)
	if !cancel.Cancelled {
		t.Fatalf("cancel reported false with an operation in flight")
	}
	s.waitDone(t)
}

func TestPrintSocketStreamsEvents(t *testing.T) {
	s := newTestServer(t, nil)
	wire.ready("test://box4")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/print"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	err = wsjson.Write(ctx, conn, printRequest{Device: "test://box4", Data: []byte("^XA^FDws^XZ")})
	if err != nil {
		t.Fatalf("ws submit: %v", err)
	}

	var events []workflow.Event
	for {
		var ev workflow.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("ws read after %d events: %v", len(events), err)
		}
		events = append(events, ev)
		if ev.State.Step.Terminal() {
			break
		}
	}

	if events[0].Type != workflow.EventStepChanged || events[0].State.Step != workflow.StepInitializing {
		t.Fatalf("first event = %s/%s, want %s/%s",
			events[0].Type, events[0].State.Step, workflow.EventStepChanged, workflow.StepInitializing)
	}
	last := events[len(events)-1]
	if last.Type != workflow.EventCompleted || !last.State.Completed {
		t.Fatalf("terminal event = %s (completed=%t), want %s",
			last.Type, last.State.Completed, workflow.EventCompleted)
	}

	var extra workflow.Event
	err = wsjson.Read(ctx, conn, &extra)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (err %v), want %v",
			websocket.CloseStatus(err), err, websocket.StatusNormalClosure)
	}
}

func TestPrintSocketRejectsWhileBusy(t *testing.T) {
	s := newTestServer(t, nil)
	wire.setDelay(100 * time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, s.url("/api/print?device=test://slow2"),
		strings.NewReader("^XA^XZ"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if status, _ := doRequest(t, req); status != http.StatusAccepted {
		t.Fatalf("seed print not accepted: %d", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/print"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, printRequest{Device: "test://slow2", Data: []byte("x")}); err != nil {
		t.Fatalf("ws submit: %v", err)
	}
	var rejected errorResponse
	if err := wsjson.Read(ctx, conn, &rejected); err != nil {
		t.Fatalf("ws read rejection: %v", err)
	}
	if rejected.Error.Class != workflow.ClassOpInProgress {
		t.Fatalf("rejection class = %q, want %q", rejected.Error.Class, workflow.ClassOpInProgress)
	}

	if status, _ := doJSON(t, http.MethodPost, s.url("/api/cancel"), nil); status != http.StatusOK {
		t.Fatalf("cancel = %d, want %d", status, http.StatusOK)
	}
	s.waitDone(t)
}

func TestConnectAndDisconnect(t *testing.T) {
	s := newTestServer(t, nil)
	wire.ready("test://box9")

	status, raw := doJSON(t, http.MethodPost, s.url("/api/connect"), map[string]string{
		"address": "test://box9",
	})
	if status != http.StatusOK {
		t.Fatalf("POST /api/connect = %d, want %d: %s", status, http.StatusOK, raw)
	}
	var conn struct {
		Connected bool   `json:"connected"`
		Address   string `json:"address"`
	}
	unmarshal(t, raw, &conn)
	if !conn.Connected || conn.Address != "test://box9" {
		t.Fatalf("connect response = %+v, want connected to test://box9", conn)
	}

	status, raw = doJSON(t, http.MethodGet, s.url("/api/status"), nil)
	if status != http.StatusOK {
		t.Fatalf("GET /api/status = %d, want %d", status, http.StatusOK)
	}
	var st struct {
		Pool struct {
			Connected int    `json:"connected"`
			Current   string `json:"current"`
		} `json:"pool"`
	}
	unmarshal(t, raw, &st)
	if st.Pool.Connected != 1 || st.Pool.Current != "test://box9" {
		t.Fatalf("pool status = %+v, want one connection to test://box9", st.Pool)
	}

	status, _ = doJSON(t, http.MethodPost, s.url("/api/disconnect"), nil)
	if status != http.StatusOK {
		t.Fatalf("POST /api/disconnect = %d, want %d", status, http.StatusOK)
	}
	if s.hub.Current() != "" {
		t.Fatalf("still connected to %q after disconnect", s.hub.Current())
	}
}

func TestConnectFailureMapsToStatus(t *testing.T) {
	s := newTestServer(t, nil)
	wire.setRefuse(connector.WrapNotFound("dial", "test://gone", errors.New("host is down")))

	status, raw := doJSON(t, http.MethodPost, s.url("/api/connect"), map[string]string{
		"address": "test://gone",
	})
	if status != http.StatusNotFound {
		t.Fatalf("POST /api/connect = %d, want %d: %s", status, http.StatusNotFound, raw)
	}
	if class := errClass(t, raw); class != workflow.ClassConnNotFound {
		t.Fatalf("error class = %q, want %q", class, workflow.ClassConnNotFound)
	}
}

func TestDarknessEndpointValidatesLevel(t *testing.T) {
	s := newTestServer(t, nil)
	wire.ready("test://box5")

	status, raw := doJSON(t, http.MethodPost, s.url("/api/printer/darkness"), map[string]any{
		"device": "test://box5",
		"level":  999,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("darkness 999 = %d, want %d: %s", status, http.StatusBadRequest, raw)
	}
	if class := errClass(t, raw); class != "request/invalid" {
		t.Fatalf("error class = %q, want %q", class, "request/invalid")
	}
	if wire.dialCount() != 0 {
		t.Fatalf("invalid darkness dialed %d times, want 0", wire.dialCount())
	}

	status, _ = doJSON(t, http.MethodPost, s.url("/api/printer/darkness"), map[string]any{
		"device": "test://box5",
		"level":  10,
	})
	if status != http.StatusOK {
		t.Fatalf("darkness 10 = %d, want %d", status, http.StatusOK)
	}
	dev := wire.device("test://box5")
	found := false
	for _, cmd := range dev.sentCommands() {
		if strings.Contains(cmd, "print.tone") && strings.Contains(cmd, "10") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no darkness command sent: %q", dev.sentCommands())
	}
}

func TestLanguageEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	wire.ready("test://box6")

	status, raw := doJSON(t, http.MethodPost, s.url("/api/printer/language"), map[string]string{
		"device":   "test://box6",
		"language": "dotmatrix",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("bogus language = %d, want %d: %s", status, http.StatusBadRequest, raw)
	}

	status, _ = doJSON(t, http.MethodPost, s.url("/api/printer/language"), map[string]string{
		"device":   "test://box6",
		"language": "zpl",
	})
	if status != http.StatusOK {
		t.Fatalf("language zpl = %d, want %d", status, http.StatusOK)
	}
	dev := wire.device("test://box6")
	found := false
	for _, cmd := range dev.sentCommands() {
		if strings.Contains(cmd, "device.languages") && strings.Contains(cmd, sgd.LanguageZPL) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no language switch sent: %q", dev.sentCommands())
	}
}

func TestPrepareEndpointAppliesFixes(t *testing.T) {
	s := newTestServer(t, nil)
	dev := wire.ready("test://box7")
	dev.set(sgd.VarPause, "on")
	dev.set(sgd.VarHostStatus, statusPaused)
	dev.onCommand = func(d *fakeDevice, cmd string) {
		if strings.Contains(cmd, "~PS") || strings.Contains(cmd, "device.pause") {
			d.set(sgd.VarPause, "off")
			d.set(sgd.VarHostStatus, statusIdle)
		}
	}

	status, raw := doJSON(t, http.MethodPost, s.url("/api/printer/prepare"), map[string]string{
		"device": "test://box7",
		"format": "zpl",
	})
	if status != http.StatusOK {
		t.Fatalf("POST /api/printer/prepare = %d, want %d: %s", status, http.StatusOK, raw)
	}
	var verdict readiness.Verdict
	unmarshal(t, raw, &verdict)
	if !verdict.Ready {
		t.Fatalf("verdict not ready: %+v", verdict)
	}
	found := false
	for _, fix := range verdict.AppliedFixes {
		if fix == "unpause" {
			found = true
		}
	}
	if !found {
		t.Fatalf("applied fixes %v missing unpause", verdict.AppliedFixes)
	}
}

func TestDevicesEndpointScans(t *testing.T) {
	t.Setenv("LABELHUB_BT_DEVICES", "bt://AA:BB:CC:DD:EE:FF|Belt Printer|ZQ320")
	s := newTestServer(t, nil)

	status, raw := doJSON(t, http.MethodGet,
		s.url("/api/devices?transport=bluetooth&timeout=300ms"), nil)
	if status != http.StatusOK {
		t.Fatalf("GET /api/devices = %d, want %d: %s", status, http.StatusOK, raw)
	}
	var listing struct {
		Devices []model.DeviceDescriptor `json:"devices"`
	}
	unmarshal(t, raw, &listing)
	for _, d := range listing.Devices {
		if d.Address == "bt://AA:BB:CC:DD:EE:FF" {
			if d.Name != "Belt Printer" || d.Transport != model.TransportBluetooth {
				t.Fatalf("descriptor = %+v, want name and bluetooth transport", d)
			}
			return
		}
	}
	t.Fatalf("configured device missing from scan: %+v", listing.Devices)
}

func TestCacheEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	status, raw := doJSON(t, http.MethodGet, s.url("/api/cache"), nil)
	if status != http.StatusOK {
		t.Fatalf("GET /api/cache = %d, want %d", status, http.StatusOK)
	}
	var stats struct {
		HitRate float64 `json:"hitRate"`
	}
	unmarshal(t, raw, &stats)

	status, raw = doJSON(t, http.MethodDelete, s.url("/api/cache?category=connection"), nil)
	if status != http.StatusOK {
		t.Fatalf("DELETE /api/cache = %d, want %d", status, http.StatusOK)
	}
	var cleared struct {
		Cleared string `json:"cleared"`
	}
	unmarshal(t, raw, &cleared)
	if cleared.Cleared != "connection" {
		t.Fatalf("cleared = %q, want %q", cleared.Cleared, "connection")
	}

	status, raw = doJSON(t, http.MethodDelete, s.url("/api/cache"), nil)
	if status != http.StatusOK {
		t.Fatalf("DELETE /api/cache = %d, want %d", status, http.StatusOK)
	}
	unmarshal(t, raw, &cleared)
	if cleared.Cleared != "all" {
		t.Fatalf("cleared = %q, want %q", cleared.Cleared, "all")
	}
}

func TestUnknownEndpointAndMethod(t *testing.T) {
	s := newTestServer(t, nil)

	status, raw := doJSON(t, http.MethodGet, s.url("/api/nope"), nil)
	if status != http.StatusNotFound {
		t.Fatalf("GET /api/nope = %d, want %d", status, http.StatusNotFound)
	}
	if class := errClass(t, raw); class != "request/unknown-path" {
		t.Fatalf("error class = %q, want %q", class, "request/unknown-path")
	}

	status, raw = doJSON(t, http.MethodGet, s.url("/api/print"), nil)
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/print = %d, want %d", status, http.StatusMethodNotAllowed)
	}
	if class := errClass(t, raw); class != "request/method-not-allowed" {
		t.Fatalf("error class = %q, want %q", class, "request/method-not-allowed")
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxPayloadSize = 64
	})

	big := bytes.Repeat([]byte("x"), 8192)
	req, err := http.NewRequest(http.MethodPost, s.url("/api/print?device=test://box8"),
		bytes.NewReader(big))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	status, raw := doRequest(t, req)
	if status != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized POST = %d, want %d: %s", status, http.StatusRequestEntityTooLarge, raw)
	}
	if class := errClass(t, raw); class != workflow.ClassDataOversized {
		t.Fatalf("error class = %q, want %q", class, workflow.ClassDataOversized)
	}
	if wire.dialCount() != 0 {
		t.Fatalf("oversized upload dialed %d times, want 0", wire.dialCount())
	}
}
