// Package pool owns every live printer connection. Callers never hold a
// transport handle themselves; they connect, disconnect and relay traffic
// through the pool, which tracks per-address health and evicts records
// that fail too often or sit idle too long.
package pool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"labelhub/internal/cache"
	"labelhub/internal/config"
	"labelhub/internal/connector"
	"labelhub/internal/discovery"
	"labelhub/internal/logging"
	"labelhub/internal/model"
	"labelhub/internal/sgd"
)

// record is the pool's bookkeeping for one address. The handle is owned
// exclusively by the pool and is replaced, never shared, on reconnect.
type record struct {
	address     string
	uri         string
	handle      connector.Handle
	connectedAt time.Time
	lastUsedAt  time.Time
	healthy     bool
}

// Pool keeps at most one connection record per address plus a consecutive
// failure counter that survives eviction. All mutations for a given
// address are serialized through a per-address lock.
type Pool struct {
	cfg   config.Config
	cache *cache.Store

	// scan is swappable so tests can feed canned device lists.
	scan func(ctx context.Context, opts discovery.Options) ([]model.DeviceDescriptor, error)

	mu       sync.Mutex
	records  map[string]*record
	failures map[string]int
	locks    map[string]*sync.Mutex
	current  string

	lastScanKey string
	lastScanAt  time.Time
	lastScan    []model.DeviceDescriptor

	stopChan chan struct{}
}

// New builds a pool around the given tunables. The cache store may be nil,
// in which case discovery results are only memoized in memory.
func New(cfg config.Config, store *cache.Store) *Pool {
	return &Pool{
		cfg:      cfg,
		cache:    store,
		scan:     discovery.Scan,
		records:  make(map[string]*record),
		failures: make(map[string]int),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (p *Pool) addressLock(address string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.locks[address]
	if l == nil {
		l = &sync.Mutex{}
		p.locks[address] = l
	}
	return l
}

// Connect makes address the selected device. A healthy record for the
// already selected address is reused without touching the wire. Once an
// address has failed more than FailureThreshold consecutive connects, any
// stale record is evicted first so the attempt starts from scratch.
func (p *Pool) Connect(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return connector.WrapNotFound("connect", "", errors.New("no address given"))
	}
	lock := p.addressLock(address)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	rec := p.records[address]
	reuse := rec != nil && rec.healthy && p.current == address
	if reuse {
		rec.lastUsedAt = time.Now()
	}
	fails := p.failures[address]
	p.mu.Unlock()

	if reuse {
		logging.Debugf("pool: reusing connection to %s", address)
		return nil
	}
	if fails > p.cfg.FailureThreshold {
		logging.Warnf("pool: %s has %d consecutive failures, evicting stale record", address, fails)
		p.evict(address)
	}

	uri := p.resolveURI(address)
	handle, err := connector.Dial(ctx, uri)
	if err != nil {
		err = connector.Classify("connect", uri, err)
		if !connector.IsCancelled(err) {
			p.mu.Lock()
			p.failures[address]++
			fails = p.failures[address]
			p.mu.Unlock()
			logging.Errorf("pool: connect %s failed (consecutive failures %d): %v", uri, fails, err)
		}
		return err
	}

	now := time.Now()
	p.mu.Lock()
	if old := p.records[address]; old != nil && old.handle != nil {
		old.handle.Close()
	}
	p.records[address] = &record{
		address:     address,
		uri:         uri,
		handle:      handle,
		connectedAt: now,
		lastUsedAt:  now,
		healthy:     true,
	}
	p.failures[address] = 0
	p.current = address
	p.mu.Unlock()
	logging.Infof("pool: connected %s", uri)
	return nil
}

// resolveURI prefers the URI remembered from discovery over the plain
// address so reconnects keep transport details such as IPP resource paths.
func (p *Pool) resolveURI(address string) string {
	if p.cache != nil {
		if v, ok := p.cache.Get(address, cache.CategoryDevice, 0); ok {
			if d, ok := v.(model.DeviceDescriptor); ok && d.URI != "" {
				return d.URI
			}
		}
	}
	return connector.NormalizeURI(address)
}

// Disconnect drops the currently selected connection. Disconnecting with
// nothing selected is a no-op.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	address := p.current
	p.mu.Unlock()
	if address == "" {
		return nil
	}
	lock := p.addressLock(address)
	lock.Lock()
	defer lock.Unlock()
	p.evict(address)
	logging.Infof("pool: disconnected %s", address)
	return nil
}

// MarkUnhealthy evicts the record for address. If it was the selected
// device the selection is cleared as well.
func (p *Pool) MarkUnhealthy(address string) {
	lock := p.addressLock(address)
	lock.Lock()
	defer lock.Unlock()
	logging.Warnf("pool: marking %s unhealthy", address)
	p.evict(address)
}

// evict removes the record and closes its handle. Callers must hold the
// address lock; the consecutive failure counter is left untouched.
func (p *Pool) evict(address string) {
	p.mu.Lock()
	rec := p.records[address]
	if rec != nil {
		delete(p.records, address)
		if p.current == address {
			p.current = ""
		}
	}
	p.mu.Unlock()
	if rec != nil && rec.handle != nil {
		rec.handle.Close()
	}
}

// Current reports the selected address, empty when nothing is connected.
func (p *Pool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// IsConnected reports whether a healthy record exists for address.
func (p *Pool) IsConnected(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[address]
	return rec != nil && rec.healthy
}

// Alive probes the underlying transport for address.
func (p *Pool) Alive(address string) bool {
	p.mu.Lock()
	rec := p.records[address]
	var h connector.Handle
	if rec != nil {
		h = rec.handle
	}
	p.mu.Unlock()
	return h != nil && h.Alive()
}

func (p *Pool) handleFor(op, address string) (connector.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[address]
	if rec == nil || rec.handle == nil {
		return nil, connector.WrapNotFound(op, address, errors.New("not connected"))
	}
	rec.lastUsedAt = time.Now()
	return rec.handle, nil
}

func (p *Pool) noteUse(address string, err error) {
	if err != nil && connector.IsCancelled(err) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[address]
	if rec == nil {
		return
	}
	rec.lastUsedAt = time.Now()
	// A "?" answer means the firmware lacks the variable; the connection
	// itself worked.
	rec.healthy = err == nil || errors.Is(err, sgd.ErrUnknownVariable)
}

// Write relays raw payload bytes to the device at address.
func (p *Pool) Write(ctx context.Context, address string, data []byte) error {
	h, err := p.handleFor("write", address)
	if err != nil {
		return err
	}
	err = h.Write(ctx, data)
	p.noteUse(address, err)
	if err != nil {
		return connector.Classify("write", h.URI(), err)
	}
	return nil
}

// ReadProperty queries one device variable through the connection at address.
func (p *Pool) ReadProperty(ctx context.Context, address, name string) (string, error) {
	h, err := p.handleFor("read-property", address)
	if err != nil {
		return "", err
	}
	value, err := h.ReadProperty(ctx, name)
	p.noteUse(address, err)
	if err != nil {
		return "", connector.Classify("read-property", h.URI(), err)
	}
	return value, nil
}

// SendCommand relays a control command to the device at address.
func (p *Pool) SendCommand(ctx context.Context, address string, cmd []byte) error {
	h, err := p.handleFor("send-command", address)
	if err != nil {
		return err
	}
	err = h.SendCommand(ctx, cmd)
	p.noteUse(address, err)
	if err != nil {
		return connector.Classify("send-command", h.URI(), err)
	}
	return nil
}

// Device binds an address to the pool for callers that operate on a single
// printer, such as the readiness probes. The handle stays inside the pool.
type Device struct {
	pool    *Pool
	address string
}

func (p *Pool) Device(address string) *Device {
	return &Device{pool: p, address: address}
}

func (d *Device) Address() string { return d.address }

func (d *Device) Alive() bool { return d.pool.Alive(d.address) }

func (d *Device) ReadProperty(ctx context.Context, name string) (string, error) {
	return d.pool.ReadProperty(ctx, d.address, name)
}

func (d *Device) SendCommand(ctx context.Context, cmd []byte) error {
	return d.pool.SendCommand(ctx, d.address, cmd)
}

func (d *Device) Write(ctx context.Context, data []byte) error {
	return d.pool.Write(ctx, d.address, data)
}

// Close stops the health loop and drops every record.
func (p *Pool) Close() {
	p.Stop()
	p.mu.Lock()
	addresses := make([]string, 0, len(p.records))
	for a := range p.records {
		addresses = append(addresses, a)
	}
	p.mu.Unlock()
	for _, address := range addresses {
		lock := p.addressLock(address)
		lock.Lock()
		p.evict(address)
		lock.Unlock()
	}
}

// RecordStatus mirrors one pool record for status reporting.
type RecordStatus struct {
	Address             string    `json:"address"`
	URI                 string    `json:"uri"`
	Healthy             bool      `json:"healthy"`
	Current             bool      `json:"current"`
	ConnectedAt         time.Time `json:"connectedAt"`
	LastUsedAt          time.Time `json:"lastUsedAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Status is a point-in-time snapshot of the pool.
type Status struct {
	Connected       int            `json:"connected"`
	Current         string         `json:"current,omitempty"`
	Records         []RecordStatus `json:"records"`
	KnownDevices    int            `json:"knownDevices"`
	LastDiscoveryAt time.Time      `json:"lastDiscoveryAt,omitzero"`
}

// Status reports every record plus failure counters for addresses that
// currently have no record but failed recently.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Current:      p.current,
		KnownDevices: len(p.lastScan),
		Records:      make([]RecordStatus, 0, len(p.records)),
	}
	st.LastDiscoveryAt = p.lastScanAt
	for address, rec := range p.records {
		if rec.healthy {
			st.Connected++
		}
		st.Records = append(st.Records, RecordStatus{
			Address:             address,
			URI:                 rec.uri,
			Healthy:             rec.healthy,
			Current:             address == p.current,
			ConnectedAt:         rec.connectedAt,
			LastUsedAt:          rec.lastUsedAt,
			ConsecutiveFailures: p.failures[address],
		})
	}
	sort.Slice(st.Records, func(i, j int) bool { return st.Records[i].Address < st.Records[j].Address })
	return st
}
