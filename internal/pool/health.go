package pool

import (
	"context"
	"time"

	"labelhub/internal/connector"
	"labelhub/internal/logging"
)

// Start launches the periodic health pass. Stop or ctx cancellation ends it.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopChan != nil {
		p.mu.Unlock()
		return
	}
	p.stopChan = make(chan struct{})
	stop := p.stopChan
	p.mu.Unlock()

	interval := p.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.healthPass(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopChan != nil {
		close(p.stopChan)
		p.stopChan = nil
	}
}

// healthPass visits every record once. Idle records are evicted outright;
// dead ones get a bounded number of reconnect passes before eviction.
func (p *Pool) healthPass(ctx context.Context) {
	p.mu.Lock()
	addresses := make([]string, 0, len(p.records))
	for a := range p.records {
		addresses = append(addresses, a)
	}
	p.mu.Unlock()
	for _, address := range addresses {
		if ctx.Err() != nil {
			return
		}
		p.checkAddress(ctx, address)
	}
}

func (p *Pool) checkAddress(ctx context.Context, address string) {
	lock := p.addressLock(address)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	rec := p.records[address]
	if rec == nil {
		p.mu.Unlock()
		return
	}
	idle := time.Since(rec.lastUsedAt)
	uri := rec.uri
	handle := rec.handle
	healthy := rec.healthy
	p.mu.Unlock()

	if p.cfg.StaleAfter > 0 && idle > p.cfg.StaleAfter {
		logging.Infof("pool: evicting %s, idle for %s", address, idle.Truncate(time.Second))
		p.evict(address)
		return
	}
	if healthy && handle.Alive() {
		return
	}

	passes := p.cfg.ReconnectPasses
	if passes < 1 {
		passes = 1
	}
	for attempt := 1; attempt <= passes; attempt++ {
		if ctx.Err() != nil {
			return
		}
		fresh, err := connector.Dial(ctx, uri)
		if err == nil {
			p.adoptHandle(address, fresh)
			logging.Infof("pool: reconnected %s on pass %d", address, attempt)
			return
		}
		logging.Debugf("pool: reconnect %s pass %d failed: %v", address, attempt, err)
		if attempt < passes {
			select {
			case <-time.After(p.cfg.ReconnectDelay):
			case <-ctx.Done():
				return
			}
		}
	}
	logging.Warnf("pool: %s is still down after %d reconnect passes, evicting", address, passes)
	p.evict(address)
}

// adoptHandle swaps a freshly dialed handle into the record for address.
// Callers must hold the address lock. The handle is closed if the record
// disappeared while dialing.
func (p *Pool) adoptHandle(address string, fresh connector.Handle) {
	p.mu.Lock()
	rec := p.records[address]
	var old connector.Handle
	if rec != nil {
		old = rec.handle
		rec.handle = fresh
		rec.healthy = true
		rec.connectedAt = time.Now()
	}
	p.mu.Unlock()
	if rec == nil {
		fresh.Close()
		return
	}
	if old != nil {
		old.Close()
	}
}
