// Package client speaks the labelhubd control API. The command line tools
// build on it.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"labelhub/internal/cache"
	"labelhub/internal/hub"
	"labelhub/internal/model"
	"labelhub/internal/readiness"
	"labelhub/internal/workflow"
)

type Client struct {
	Host               string
	Port               int
	UseTLS             bool
	Token              string
	InsecureSkipVerify bool
}

type ClientOption func(*Client)

func WithServer(server string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(server) == "" {
			return
		}
		host, port, useTLS := parseServer(server)
		if host != "" {
			c.Host = host
		}
		if port > 0 {
			c.Port = port
		}
		if useTLS {
			c.UseTLS = true
		}
	}
}

func WithTLS(enable bool) ClientOption {
	return func(c *Client) {
		if enable {
			c.UseTLS = true
		}
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.Token = token
		}
	}
}

func WithInsecure(enable bool) ClientOption {
	return func(c *Client) {
		if enable {
			c.InsecureSkipVerify = true
		}
	}
}

// NewFromConfig builds a client from client.conf and the environment, then
// applies the given options on top.
func NewFromConfig(opts ...ClientOption) *Client {
	settings := loadClientSettings()
	client := &Client{
		Host:               settings.host,
		Port:               settings.port,
		UseTLS:             settings.useTLS,
		Token:              settings.token,
		InsecureSkipVerify: settings.insecureSkipVerify,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.Host == "" {
		client.Host = "localhost"
	}
	if client.Port == 0 {
		client.Port = defaultControlPort()
	}
	return client
}

// APIError is a control API error envelope plus the HTTP status it rode in
// on. StatusCode is zero for errors delivered over the event socket.
type APIError struct {
	StatusCode int
	Class      string
	Message    string
	Hint       string
}

func (e *APIError) Error() string {
	switch {
	case e.Class != "" && e.Message != "":
		return e.Class + ": " + e.Message
	case e.Message != "":
		return e.Message
	case e.Class != "":
		return e.Class
	default:
		return "request failed with status " + strconv.Itoa(e.StatusCode)
	}
}

// PrintRequest is a job submission. Data is the raw label payload and rides
// base64-encoded on the wire.
type PrintRequest struct {
	Device string   `json:"device,omitempty"`
	Data   []byte   `json:"data"`
	Format string   `json:"format,omitempty"`
	Fixes  *FixSpec `json:"fixes,omitempty"`
}

// FixSpec selects which readiness fixes the job may apply.
type FixSpec struct {
	Media       bool `json:"media"`
	Pause       bool `json:"pause"`
	Errors      bool `json:"errors"`
	Language    bool `json:"language"`
	ClearBuffer bool `json:"clearBuffer"`
	FlushBuffer bool `json:"flushBuffer"`
}

type PrintAccepted struct {
	OperationID string                 `json:"operationId"`
	State       workflow.StateSnapshot `json:"state"`
}

type OperationView struct {
	OperationID string                 `json:"operationId"`
	Device      string                 `json:"device,omitempty"`
	State       workflow.StateSnapshot `json:"state"`
	Verdict     *readiness.Verdict     `json:"verdict,omitempty"`
	Events      []workflow.Event       `json:"events,omitempty"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) Status(ctx context.Context) (hub.Status, error) {
	var st hub.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &st)
	return st, err
}

// Devices runs a discovery scan on the daemon. Zero values scan every
// transport with the daemon's default timeout.
func (c *Client) Devices(ctx context.Context, transport string, subnets []string, timeout time.Duration) ([]model.DeviceDescriptor, error) {
	query := url.Values{}
	if strings.TrimSpace(transport) != "" {
		query.Set("transport", transport)
	}
	if len(subnets) > 0 {
		query.Set("subnet", strings.Join(subnets, ","))
	}
	if timeout > 0 {
		query.Set("timeout", timeout.String())
	}
	var out struct {
		Devices []model.DeviceDescriptor `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/devices", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) Connect(ctx context.Context, address string) (string, error) {
	in := struct {
		Address string `json:"address"`
	}{Address: address}
	var out struct {
		Address string `json:"address"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/connect", nil, in, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/disconnect", nil, nil, nil)
}

// Print submits a job and returns once the daemon accepts it. The operation
// keeps running on the daemon; Operation reports its progress.
func (c *Client) Print(ctx context.Context, req PrintRequest) (PrintAccepted, error) {
	var out PrintAccepted
	err := c.do(ctx, http.MethodPost, "/api/print", nil, req, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/api/cancel", nil, nil, &out)
	return out.Cancelled, err
}

func (c *Client) Operation(ctx context.Context, withEvents bool) (OperationView, error) {
	query := url.Values{}
	if withEvents {
		query.Set("events", "1")
	}
	var out OperationView
	err := c.do(ctx, http.MethodGet, "/api/operation", query, nil, &out)
	return out, err
}

func (c *Client) Printer(ctx context.Context, device string) (readiness.DetailedStatus, error) {
	var out readiness.DetailedStatus
	err := c.do(ctx, http.MethodGet, "/api/printer", deviceQuery(device), nil, &out)
	return out, err
}

func (c *Client) Diagnostics(ctx context.Context, device string) (readiness.Diagnostics, error) {
	var out readiness.Diagnostics
	err := c.do(ctx, http.MethodGet, "/api/printer/diagnostics", deviceQuery(device), nil, &out)
	return out, err
}

func (c *Client) Prepare(ctx context.Context, device, format string, fixes *FixSpec) (readiness.Verdict, error) {
	in := struct {
		Device string   `json:"device,omitempty"`
		Format string   `json:"format,omitempty"`
		Fixes  *FixSpec `json:"fixes,omitempty"`
	}{Device: device, Format: format, Fixes: fixes}
	var out readiness.Verdict
	err := c.do(ctx, http.MethodPost, "/api/printer/prepare", nil, in, &out)
	return out, err
}

func (c *Client) SetDarkness(ctx context.Context, device string, level int) error {
	in := struct {
		Device string `json:"device,omitempty"`
		Level  int    `json:"level"`
	}{Device: device, Level: level}
	return c.do(ctx, http.MethodPost, "/api/printer/darkness", nil, in, nil)
}

func (c *Client) SetMedia(ctx context.Context, device, mediaType, senseMode string) error {
	in := struct {
		Device    string `json:"device,omitempty"`
		MediaType string `json:"mediaType,omitempty"`
		SenseMode string `json:"senseMode,omitempty"`
	}{Device: device, MediaType: mediaType, SenseMode: senseMode}
	return c.do(ctx, http.MethodPost, "/api/printer/media", nil, in, nil)
}

func (c *Client) Calibrate(ctx context.Context, device string) error {
	in := struct {
		Device string `json:"device,omitempty"`
	}{Device: device}
	return c.do(ctx, http.MethodPost, "/api/printer/calibrate", nil, in, nil)
}

func (c *Client) SetLanguage(ctx context.Context, device, language string) error {
	in := struct {
		Device   string `json:"device,omitempty"`
		Language string `json:"language"`
	}{Device: device, Language: language}
	return c.do(ctx, http.MethodPost, "/api/printer/language", nil, in, nil)
}

func (c *Client) CacheStats(ctx context.Context) (cache.Stats, error) {
	var out cache.Stats
	err := c.do(ctx, http.MethodGet, "/api/cache", nil, nil, &out)
	return out, err
}

// ClearCache drops cached readings, all of them when category is empty.
func (c *Client) ClearCache(ctx context.Context, category string) error {
	query := url.Values{}
	if strings.TrimSpace(category) != "" {
		query.Set("category", category)
	}
	return c.do(ctx, http.MethodDelete, "/api/cache", query, nil, nil)
}

// PrintStream submits a job over the event socket and calls fn for every
// event until the operation reaches a terminal step. It returns the final
// state snapshot.
func (c *Client) PrintStream(ctx context.Context, req PrintRequest, fn func(workflow.Event)) (workflow.StateSnapshot, error) {
	var last workflow.StateSnapshot

	// The websocket dial rejects an http.Client that carries a Timeout, so
	// the stream uses its own client and relies on ctx.
	conn, _, err := websocket.Dial(ctx, c.socketURL("/ws/print"), &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: &http.Transport{TLSClientConfig: c.tlsConfig()}},
		HTTPHeader: c.authHeader(),
	})
	if err != nil {
		return last, err
	}
	defer conn.Close(websocket.StatusInternalError, "client exited")

	if err := wsjson.Write(ctx, conn, req); err != nil {
		return last, err
	}
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return last, err
		}
		ev, apiErr, err := decodeEventFrame(frame)
		if err != nil {
			return last, err
		}
		if apiErr != nil {
			return last, apiErr
		}
		last = ev.State
		if fn != nil {
			fn(ev)
		}
		if ev.State.Step.Terminal() {
			conn.Close(websocket.StatusNormalClosure, "done")
			return last, nil
		}
	}
}

// decodeEventFrame splits event frames from the error envelope the daemon
// sends when it rejects a submission. Events always carry a type; the
// envelope never does.
func decodeEventFrame(frame []byte) (workflow.Event, *APIError, error) {
	var probe struct {
		Type  string `json:"type"`
		Error *struct {
			Class   string `json:"class"`
			Message string `json:"message"`
			Hint    string `json:"hint"`
		} `json:"error"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return workflow.Event{}, nil, err
	}
	if probe.Type == "" && probe.Error != nil {
		return workflow.Event{}, &APIError{
			Class:   probe.Error.Class,
			Message: probe.Error.Message,
			Hint:    probe.Error.Hint,
		}, nil
	}
	var ev workflow.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return workflow.Event{}, nil, err
	}
	return ev, nil, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	target := c.baseURL() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var envelope struct {
		Error struct {
			Class   string `json:"class"`
			Message string `json:"message"`
			Hint    string `json:"hint"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil &&
		(envelope.Error.Class != "" || envelope.Error.Message != "") {
		return &APIError{
			StatusCode: resp.StatusCode,
			Class:      envelope.Error.Class,
			Message:    envelope.Error.Message,
			Hint:       envelope.Error.Hint,
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(resp.Status)}
}

func (c *Client) baseURL() string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Client) socketURL(path string) string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + path
}

func (c *Client) authHeader() http.Header {
	if c.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.Token)
	return h
}

func (c *Client) httpClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: c.tlsConfig(),
		},
	}
}

func (c *Client) tlsConfig() *tls.Config {
	skipVerify := c.InsecureSkipVerify
	if insecure, ok := parseBoolEnv("LABELHUB_INSECURE"); ok {
		skipVerify = insecure
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipVerify}
}

func deviceQuery(device string) url.Values {
	if strings.TrimSpace(device) == "" {
		return nil
	}
	query := url.Values{}
	query.Set("device", device)
	return query
}
