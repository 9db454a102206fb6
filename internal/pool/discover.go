package pool

import (
	"context"
	"strings"
	"time"

	"labelhub/internal/cache"
	"labelhub/internal/discovery"
	"labelhub/internal/logging"
	"labelhub/internal/model"
)

// scanKey folds the options that change scan results into a cache key so
// a filtered scan never satisfies an unfiltered one.
func scanKey(opts discovery.Options) string {
	parts := []string{"scan"}
	if opts.Transport != "" {
		parts = append(parts, string(opts.Transport))
	}
	if len(opts.Subnets) > 0 {
		parts = append(parts, strings.Join(opts.Subnets, ","))
	}
	return strings.Join(parts, ":")
}

// Discover returns the known devices, rescanning at most once per
// DiscoveryTTL window. Individual devices are additionally remembered for
// DeviceTTL so reconnects can reuse their URIs long after the scan result
// itself has aged out.
func (p *Pool) Discover(ctx context.Context, opts discovery.Options) ([]model.DeviceDescriptor, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = p.cfg.DiscoveryTimeout
	}
	if opts.Community == "" {
		opts.Community = p.cfg.SNMPCommunity
	}
	if len(opts.Subnets) == 0 && p.cfg.SNMPSubnet != "" {
		opts.Subnets = strings.Split(p.cfg.SNMPSubnet, ",")
	}
	key := scanKey(opts)

	ttl := p.cfg.DiscoveryTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	p.mu.Lock()
	if p.lastScanKey == key && time.Since(p.lastScanAt) < ttl {
		out := append([]model.DeviceDescriptor(nil), p.lastScan...)
		p.mu.Unlock()
		logging.Debugf("pool: discovery served from memo (%d devices)", len(out))
		return out, nil
	}
	p.mu.Unlock()

	if p.cache != nil {
		if v, ok := p.cache.Get(key, cache.CategoryDiscovery, 0); ok {
			if devices, ok := v.([]model.DeviceDescriptor); ok {
				p.rememberScan(key, devices)
				logging.Debugf("pool: discovery served from cache (%d devices)", len(devices))
				return append([]model.DeviceDescriptor(nil), devices...), nil
			}
		}
	}

	devices, err := p.scan(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.rememberScan(key, devices)
	if p.cache != nil {
		p.cache.Set(key, devices, cache.CategoryDiscovery, ttl)
		deviceTTL := p.cfg.DeviceTTL
		for _, d := range devices {
			p.cache.Set(d.Address, d, cache.CategoryDevice, deviceTTL)
		}
	}
	logging.Infof("pool: discovery found %d devices", len(devices))
	return append([]model.DeviceDescriptor(nil), devices...), nil
}

func (p *Pool) rememberScan(key string, devices []model.DeviceDescriptor) {
	p.mu.Lock()
	p.lastScanKey = key
	p.lastScanAt = time.Now()
	p.lastScan = append([]model.DeviceDescriptor(nil), devices...)
	p.mu.Unlock()
}

// DeviceHint returns what discovery remembered about address, if anything.
func (p *Pool) DeviceHint(address string) (model.DeviceDescriptor, bool) {
	if p.cache == nil {
		return model.DeviceDescriptor{}, false
	}
	v, ok := p.cache.Get(address, cache.CategoryDevice, 0)
	if !ok {
		return model.DeviceDescriptor{}, false
	}
	d, ok := v.(model.DeviceDescriptor)
	return d, ok
}
