// Package hub wires the cache, connection pool, readiness engine and print
// orchestrator into one application surface. The daemon and anything else
// embedding labelhub talk to a Hub, never to the layers directly.
package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"labelhub/internal/cache"
	"labelhub/internal/config"
	"labelhub/internal/connector"
	"labelhub/internal/discovery"
	"labelhub/internal/logging"
	"labelhub/internal/model"
	"labelhub/internal/pool"
	"labelhub/internal/readiness"
	"labelhub/internal/sgd"
	"labelhub/internal/workflow"
)

type Hub struct {
	cfg    config.Config
	cache  *cache.Store
	pool   *pool.Pool
	engine *readiness.Engine
	orc    *workflow.Orchestrator

	mu        sync.Mutex
	started   bool
	startedAt time.Time
}

func New(cfg config.Config) *Hub {
	store := cache.New(cfg.CacheTTL, cfg.CacheSweep)
	pl := pool.New(cfg, store)
	eng := readiness.New(cfg)
	return &Hub{
		cfg:    cfg,
		cache:  store,
		pool:   pl,
		engine: eng,
		orc:    workflow.New(cfg, pl, eng),
	}
}

// Start restores the cache snapshot and launches the maintenance loops.
// Restore failures are logged, never fatal; the cache rebuilds itself.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.startedAt = time.Now()
	h.mu.Unlock()

	if h.cfg.CacheSnapshot {
		if err := h.cache.RestoreSnapshot(h.cfg.CacheFilePath); err != nil {
			logging.Warnf("cache snapshot restore: %v", err)
		}
	}
	h.cache.Start(ctx)
	h.pool.Start(ctx)
	logging.Infof("hub started")
}

// Close cancels any running print, stops the loops, drops every connection
// and persists the cache snapshot.
func (h *Hub) Close() {
	if h.orc.Busy() {
		if op := h.orc.LastOperation(); op != nil {
			op.Cancel()
			select {
			case <-op.Done():
			case <-time.After(3 * time.Second):
				logging.Warnf("print %s did not stop within the shutdown grace", op.ID())
			}
		}
	}
	h.pool.Close()
	h.cache.Stop()
	if h.cfg.CacheSnapshot {
		if err := h.cache.SaveSnapshot(h.cfg.CacheFilePath); err != nil {
			logging.Warnf("cache snapshot save: %v", err)
		}
	}
	logging.Infof("hub stopped")
}

func (h *Hub) Config() config.Config { return h.cfg }

// Discover scans for printers, served from cache within the discovery TTL.
func (h *Hub) Discover(ctx context.Context, opts discovery.Options) ([]model.DeviceDescriptor, error) {
	return h.pool.Discover(ctx, opts)
}

func (h *Hub) Connect(ctx context.Context, address string) error {
	return h.pool.Connect(ctx, address)
}

func (h *Hub) Disconnect() error { return h.pool.Disconnect() }

func (h *Hub) Current() string { return h.pool.Current() }

func (h *Hub) IsConnected(address string) bool { return h.pool.IsConnected(address) }

// Print starts an asynchronous print operation. workflow.ErrBusy while one
// is already running.
func (h *Hub) Print(ctx context.Context, req workflow.Request) (*workflow.Operation, error) {
	return h.orc.Print(ctx, req)
}

// CancelPrint asks the running operation to stop. False when idle.
func (h *Hub) CancelPrint() bool { return h.orc.Cancel() }

func (h *Hub) LastOperation() *workflow.Operation { return h.orc.LastOperation() }

// Prepare connects to address and runs the readiness check, applying the
// fixes enabled in opts. It is the standalone check-and-fix entry; printing
// runs the same engine internally.
func (h *Hub) Prepare(ctx context.Context, address string, opts readiness.Options) (readiness.Verdict, error) {
	address = h.resolve(address)
	if err := h.pool.Connect(ctx, address); err != nil {
		return readiness.Verdict{}, err
	}
	return h.engine.Check(ctx, h.pool.Device(address), opts), nil
}

// DetailedStatus reads the full status block from one printer.
func (h *Hub) DetailedStatus(ctx context.Context, address string) (readiness.DetailedStatus, error) {
	address = h.resolve(address)
	if err := h.pool.Connect(ctx, address); err != nil {
		return readiness.DetailedStatus{}, err
	}
	return h.engine.DetailedStatus(ctx, h.pool.Device(address))
}

// Diagnostics runs the read-only inspection: probes without fixes, the
// detailed status block, and SNMP supply levels for network printers.
func (h *Hub) Diagnostics(ctx context.Context, address string) (readiness.Diagnostics, error) {
	address = h.resolve(address)
	if err := h.pool.Connect(ctx, address); err != nil {
		return readiness.Diagnostics{}, err
	}
	dev := h.pool.Device(address)
	return h.engine.RunDiagnostics(ctx, dev, model.FormatUnknown, h.cfg.SNMPCommunity), nil
}

// SetMedia pushes media handling settings (label/journal, gap/bar sensing)
// and recalibrates label stock.
func (h *Hub) SetMedia(ctx context.Context, address, mediaType, senseMode string) error {
	address = h.resolve(address)
	if err := h.pool.Connect(ctx, address); err != nil {
		return err
	}
	return h.pool.SendCommand(ctx, address, sgd.MediaSettings(mediaType, senseMode))
}

// SetDarkness adjusts print density. Range is validated before anything is
// sent.
func (h *Hub) SetDarkness(ctx context.Context, address string, level int) error {
	cmd, err := sgd.DarknessSetting(level)
	if err != nil {
		return err
	}
	address = h.resolve(address)
	if err := h.pool.Connect(ctx, address); err != nil {
		return err
	}
	return h.pool.SendCommand(ctx, address, cmd)
}

// Calibrate triggers media calibration in the dialect the device speaks.
func (h *Hub) Calibrate(ctx context.Context, address string) error {
	address = h.resolve(address)
	if err := h.pool.Connect(ctx, address); err != nil {
		return err
	}
	return h.pool.SendCommand(ctx, address, sgd.Calibrate(h.commandFormat(ctx, address)))
}

// SetLanguage switches the device command language to the mode that serves
// the given job format. Takes effect after the printer applies it, which on
// most firmware means the next job.
func (h *Hub) SetLanguage(ctx context.Context, address string, format model.Format) error {
	if format != model.FormatZPL && format != model.FormatCPCL {
		return fmt.Errorf("hub: no language mode serves format %q", format)
	}
	address = h.resolve(address)
	if err := h.pool.Connect(ctx, address); err != nil {
		return err
	}
	return h.pool.SendCommand(ctx, address, sgd.SwitchLanguage(format))
}

// commandFormat picks the control dialect: tilde commands only when the
// device is known to be in ZPL mode, SGD frames otherwise.
func (h *Hub) commandFormat(ctx context.Context, address string) model.Format {
	lang, err := h.pool.ReadProperty(ctx, address, sgd.VarLanguages)
	if err == nil && sgd.LanguageMatches(lang, model.FormatZPL) {
		return model.FormatZPL
	}
	return model.FormatCPCL
}

// resolve maps an empty address to the selected device.
func (h *Hub) resolve(address string) string {
	if a := strings.TrimSpace(address); a != "" {
		return a
	}
	return h.pool.Current()
}

func (h *Hub) CacheStats() cache.Stats { return h.cache.Stats() }

// ClearCache drops one category, or everything when category is empty.
func (h *Hub) ClearCache(category string) {
	if strings.TrimSpace(category) == "" {
		h.cache.ClearAll()
		return
	}
	h.cache.ClearCategory(cache.Category(category))
}

func (h *Hub) PoolStatus() pool.Status { return h.pool.Status() }

// Status is the aggregate daemon state served by the control API.
type Status struct {
	Server     string                  `json:"server"`
	StartedAt  time.Time               `json:"startedAt,omitzero"`
	Busy       bool                    `json:"busy"`
	Pool       pool.Status             `json:"pool"`
	Cache      cache.Stats             `json:"cache"`
	Operation  *workflow.StateSnapshot `json:"operation,omitempty"`
	Transports []string                `json:"transports,omitempty"`
}

func (h *Hub) Status() Status {
	h.mu.Lock()
	startedAt := h.startedAt
	h.mu.Unlock()
	st := Status{
		Server:     h.cfg.ServerName,
		StartedAt:  startedAt,
		Busy:       h.orc.Busy(),
		Pool:       h.pool.Status(),
		Cache:      h.cache.Stats(),
		Transports: connector.Schemes(),
	}
	if op := h.orc.LastOperation(); op != nil {
		snap := op.State()
		st.Operation = &snap
	}
	return st
}
