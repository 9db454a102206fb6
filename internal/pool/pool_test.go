package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"labelhub/internal/cache"
	"labelhub/internal/config"
	"labelhub/internal/connector"
	"labelhub/internal/discovery"
	"labelhub/internal/model"
	"labelhub/internal/sgd"
)

type fakeHandle struct {
	uri string

	mu       sync.Mutex
	alive    bool
	closed   bool
	writes   [][]byte
	writeErr error
	readErr  error
	props    map[string]string
}

func newFakeHandle(uri string) *fakeHandle {
	return &fakeHandle{uri: uri, alive: true, props: map[string]string{}}
}

func (h *fakeHandle) URI() string { return h.uri }

func (h *fakeHandle) Write(ctx context.Context, p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.writes = append(h.writes, append([]byte(nil), p...))
	return nil
}

func (h *fakeHandle) ReadProperty(ctx context.Context, name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readErr != nil {
		return "", h.readErr
	}
	return h.props[name], nil
}

func (h *fakeHandle) SendCommand(ctx context.Context, cmd []byte) error {
	return h.Write(ctx, cmd)
}

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = false
	h.closed = true
	return nil
}

func (h *fakeHandle) kill() {
	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()
}

// fakeConnector serves the test:// scheme. Behavior is reset per test.
type fakeConnector struct {
	mu     sync.Mutex
	dials  []string
	refuse func(uri string) error
	delay  time.Duration
}

var fake = &fakeConnector{}

func init() { connector.Register(fake) }

func (f *fakeConnector) Schemes() []string { return []string{"test"} }

func (f *fakeConnector) Connect(ctx context.Context, uri string) (connector.Handle, error) {
	f.mu.Lock()
	f.dials = append(f.dials, uri)
	refuse := f.refuse
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if refuse != nil {
		if err := refuse(uri); err != nil {
			return nil, err
		}
	}
	return newFakeHandle(uri), nil
}

func (f *fakeConnector) reset() {
	f.mu.Lock()
	f.dials = nil
	f.refuse = nil
	f.delay = 0
	f.mu.Unlock()
}

func (f *fakeConnector) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

func (f *fakeConnector) lastDial() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dials) == 0 {
		return ""
	}
	return f.dials[len(f.dials)-1]
}

func testConfig() config.Config {
	return config.Config{
		HealthInterval:   time.Hour,
		StaleAfter:       10 * time.Minute,
		FailureThreshold: 3,
		ReconnectPasses:  2,
		ReconnectDelay:   time.Millisecond,
		DiscoveryTimeout: time.Second,
		DiscoveryTTL:     30 * time.Second,
		DeviceTTL:        10 * time.Minute,
	}
}

func newTestPool() *Pool {
	fake.reset()
	return New(testConfig(), nil)
}

func (p *Pool) recordFor(address string) *record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[address]
}

func (p *Pool) failureCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[address]
}

func TestConnectReusesHealthyCurrent(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := fake.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 (second connect must reuse)", got)
	}
	if p.Current() != "test://box1" {
		t.Fatalf("current = %q, want test://box1", p.Current())
	}
}

func TestConnectSwitchesDevices(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect box1: %v", err)
	}
	if err := p.Connect(ctx, "test://box2"); err != nil {
		t.Fatalf("connect box2: %v", err)
	}
	if p.Current() != "test://box2" {
		t.Fatalf("current = %q, want test://box2", p.Current())
	}
	if !p.IsConnected("test://box1") {
		t.Fatal("box1 record should survive a device switch")
	}
	if fake.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", fake.dialCount())
	}
}

func TestConnectEvictsAfterThresholdFailures(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	addr := "test://flaky"
	if err := p.Connect(ctx, addr); err != nil {
		t.Fatalf("seed connect: %v", err)
	}
	stale := p.recordFor(addr)
	stale.healthy = false

	fake.refuse = func(string) error { return errors.New("connection refused") }
	for i := 1; i <= 4; i++ {
		if err := p.Connect(ctx, addr); err == nil {
			t.Fatalf("connect %d should fail", i)
		}
	}
	if got := p.failureCount(addr); got != 4 {
		t.Fatalf("failures = %d, want 4", got)
	}
	if p.recordFor(addr) != stale {
		t.Fatal("stale record should survive until the threshold is crossed")
	}

	// Fifth attempt crosses the threshold: the stale record goes away even
	// though the dial itself still fails.
	if err := p.Connect(ctx, addr); err == nil {
		t.Fatal("fifth connect should fail")
	}
	if p.recordFor(addr) != nil {
		t.Fatal("stale record should be evicted on the attempt after four failures")
	}
	if got := p.failureCount(addr); got != 5 {
		t.Fatalf("failures = %d, want 5", got)
	}

	fake.refuse = nil
	if err := p.Connect(ctx, addr); err != nil {
		t.Fatalf("recovery connect: %v", err)
	}
	if got := p.failureCount(addr); got != 0 {
		t.Fatalf("failures after success = %d, want 0", got)
	}
	if !p.IsConnected(addr) || p.Current() != addr {
		t.Fatal("recovered device should be connected and current")
	}
}

func TestDisconnectClosesCurrent(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h := p.recordFor("test://box1").handle.(*fakeHandle)
	if err := p.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if p.Current() != "" {
		t.Fatalf("current = %q, want empty", p.Current())
	}
	if p.IsConnected("test://box1") {
		t.Fatal("record should be gone after disconnect")
	}
	if !h.closed {
		t.Fatal("handle should be closed on disconnect")
	}
	if err := p.Disconnect(); err != nil {
		t.Fatalf("disconnect with nothing selected: %v", err)
	}
}

func TestMarkUnhealthyClearsCurrent(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.MarkUnhealthy("test://box1")
	if p.Current() != "" {
		t.Fatalf("current = %q, want empty after MarkUnhealthy", p.Current())
	}
	if p.recordFor("test://box1") != nil {
		t.Fatal("record should be evicted")
	}
}

func TestWriteFailureMarksRecordUnhealthy(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h := p.recordFor("test://box1").handle.(*fakeHandle)
	h.writeErr = errors.New("broken pipe")
	if err := p.Write(ctx, "test://box1", []byte("^XA^XZ")); err == nil {
		t.Fatal("write should fail")
	}
	if p.IsConnected("test://box1") {
		t.Fatal("record should be unhealthy after a failed write")
	}
	h.writeErr = nil
	if err := p.Write(ctx, "test://box1", []byte("^XA^XZ")); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
	if !p.IsConnected("test://box1") {
		t.Fatal("record should be healthy again after a clean write")
	}
}

func TestUnknownVariableReplyKeepsRecordHealthy(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h := p.recordFor("test://box1").handle.(*fakeHandle)
	h.mu.Lock()
	h.readErr = sgd.ErrUnknownVariable
	h.mu.Unlock()
	_, err := p.ReadProperty(ctx, "test://box1", sgd.VarHostStatus)
	if !errors.Is(err, sgd.ErrUnknownVariable) {
		t.Fatalf("err = %v, want ErrUnknownVariable in chain", err)
	}
	if !p.IsConnected("test://box1") {
		t.Fatal("a ? reply is not a transport failure, record should stay healthy")
	}
}

func TestWriteWithoutConnection(t *testing.T) {
	p := newTestPool()
	err := p.Write(context.Background(), "test://ghost", []byte("data"))
	if err == nil {
		t.Fatal("write without a record should fail")
	}
	if !connector.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found classification", err)
	}
}

func TestHealthPassEvictsIdleRecords(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec := p.recordFor("test://box1")
	rec.lastUsedAt = time.Now().Add(-11 * time.Minute)
	p.healthPass(ctx)
	if p.recordFor("test://box1") != nil {
		t.Fatal("idle record should be evicted by the health pass")
	}
}

func TestHealthPassReconnectsDeadHandle(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	old := p.recordFor("test://box1").handle.(*fakeHandle)
	old.kill()
	p.healthPass(ctx)
	rec := p.recordFor("test://box1")
	if rec == nil {
		t.Fatal("record should survive a successful reconnect")
	}
	if rec.handle == connector.Handle(old) {
		t.Fatal("reconnect should install a fresh handle")
	}
	if !rec.healthy || !rec.handle.Alive() {
		t.Fatal("reconnected record should be healthy")
	}
	if fake.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", fake.dialCount())
	}
}

func TestHealthPassEvictsAfterFailedReconnects(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p.recordFor("test://box1").handle.(*fakeHandle).kill()
	fake.refuse = func(string) error { return errors.New("connection refused") }
	p.healthPass(ctx)
	if p.recordFor("test://box1") != nil {
		t.Fatal("record should be evicted after both reconnect passes fail")
	}
	if got := fake.dialCount(); got != 3 {
		t.Fatalf("dials = %d, want 3 (connect plus two reconnect passes)", got)
	}
}

func TestConnectSequencesPerAddress(t *testing.T) {
	p := newTestPool()
	fake.delay = 20 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Connect(ctx, "test://box1")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if got := fake.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 (second caller must wait and reuse)", got)
	}
}

func TestDiscoverMemoizes(t *testing.T) {
	p := newTestPool()
	var scans int
	p.scan = func(ctx context.Context, opts discovery.Options) ([]model.DeviceDescriptor, error) {
		scans++
		return []model.DeviceDescriptor{{Address: "192.168.1.50:9100", URI: "socket://192.168.1.50:9100", Name: "dock"}}, nil
	}
	ctx := context.Background()
	first, err := p.Discover(ctx, discovery.Options{})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	second, err := p.Discover(ctx, discovery.Options{})
	if err != nil {
		t.Fatalf("second discover: %v", err)
	}
	if scans != 1 {
		t.Fatalf("scans = %d, want 1 (second call must hit the memo)", scans)
	}
	if len(first) != 1 || len(second) != 1 || second[0].Address != first[0].Address {
		t.Fatalf("memoized result mismatch: %v vs %v", first, second)
	}

	// A different transport filter is a different scan.
	if _, err := p.Discover(ctx, discovery.Options{Transport: model.TransportUSB}); err != nil {
		t.Fatalf("filtered discover: %v", err)
	}
	if scans != 2 {
		t.Fatalf("scans = %d, want 2 after a filtered request", scans)
	}
}

func TestDiscoverExpiredMemoRescans(t *testing.T) {
	cfg := testConfig()
	cfg.DiscoveryTTL = 10 * time.Millisecond
	fake.reset()
	p := New(cfg, nil)
	var scans int
	p.scan = func(ctx context.Context, opts discovery.Options) ([]model.DeviceDescriptor, error) {
		scans++
		return nil, nil
	}
	ctx := context.Background()
	if _, err := p.Discover(ctx, discovery.Options{}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, err := p.Discover(ctx, discovery.Options{}); err != nil {
		t.Fatalf("discover after expiry: %v", err)
	}
	if scans != 2 {
		t.Fatalf("scans = %d, want 2 after the memo expired", scans)
	}
}

func TestDiscoverRemembersDevices(t *testing.T) {
	fake.reset()
	store := cache.New(30*time.Minute, time.Hour)
	p := New(testConfig(), store)
	p.scan = func(ctx context.Context, opts discovery.Options) ([]model.DeviceDescriptor, error) {
		return []model.DeviceDescriptor{{Address: "test://dock", URI: "test://dock-alt", Name: "dock"}}, nil
	}
	ctx := context.Background()
	if _, err := p.Discover(ctx, discovery.Options{}); err != nil {
		t.Fatalf("discover: %v", err)
	}
	hint, ok := p.DeviceHint("test://dock")
	if !ok {
		t.Fatal("device hint should be cached after discovery")
	}
	if hint.URI != "test://dock-alt" {
		t.Fatalf("hint uri = %q, want test://dock-alt", hint.URI)
	}

	// Connect uses the remembered URI, not the bare address.
	if err := p.Connect(ctx, "test://dock"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := fake.lastDial(); got != "test://dock-alt" {
		t.Fatalf("dialed %q, want the discovery URI test://dock-alt", got)
	}
}

func TestStatusReportsRecords(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()
	if err := p.Connect(ctx, "test://box2"); err != nil {
		t.Fatalf("connect box2: %v", err)
	}
	if err := p.Connect(ctx, "test://box1"); err != nil {
		t.Fatalf("connect box1: %v", err)
	}
	st := p.Status()
	if st.Connected != 2 {
		t.Fatalf("connected = %d, want 2", st.Connected)
	}
	if st.Current != "test://box1" {
		t.Fatalf("current = %q, want test://box1", st.Current)
	}
	if len(st.Records) != 2 || st.Records[0].Address != "test://box1" || st.Records[1].Address != "test://box2" {
		t.Fatalf("records not sorted by address: %+v", st.Records)
	}
	if !st.Records[0].Current || st.Records[1].Current {
		t.Fatal("current flag should mark exactly the selected record")
	}
}
