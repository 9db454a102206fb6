package cache

import (
	"context"
	"sync"
	"time"

	"labelhub/internal/logging"
)

type Category string

const (
	CategoryDiscovery  Category = "discovery"
	CategoryConnection Category = "connection"
	CategoryPrinter    Category = "printer"
	CategoryFormat     Category = "format"
	CategoryCommand    Category = "command"
	CategoryDevice     Category = "device"
	CategoryCustom     Category = "custom"
)

const (
	DefaultTTL    = 30 * time.Minute
	SweepInterval = 5 * time.Minute
)

type entry struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
}

// Store is a TTL key/value cache partitioned into named categories, with
// hit/miss accounting and a periodic expiry sweep. Values are opaque and
// reconstructible; the store is never the authority for anything.
type Store struct {
	mu      sync.RWMutex
	entries map[Category]map[string]entry

	hits          uint64
	misses        uint64
	invalidations uint64

	defaultTTL time.Duration
	interval   time.Duration
	stopChan   chan struct{}

	now func() time.Time
}

func New(defaultTTL, sweepInterval time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = SweepInterval
	}
	return &Store{
		entries:    map[Category]map[string]entry{},
		defaultTTL: defaultTTL,
		interval:   sweepInterval,
		now:        time.Now,
	}
}

func normalize(category Category) Category {
	if category == "" {
		return CategoryCustom
	}
	return category
}

// Get returns the live value under category/key. A positive ttlOverride
// narrows the visibility window for this lookup only; it never widens the
// entry's own TTL and never evicts an entry that is merely older than the
// override.
func (s *Store) Get(key string, category Category, ttlOverride time.Duration) (any, bool) {
	category = normalize(category)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[category][key]
	if !ok {
		s.misses++
		return nil, false
	}
	if corrupt(e.value) {
		// A blank payload under a live timestamp means the store contents
		// can no longer be trusted; partial repair cannot be localized.
		logging.Warnf("cache: blank payload at %s/%s, clearing all entries", category, key)
		s.clearAllLocked()
		s.misses++
		return nil, false
	}
	age := s.now().Sub(e.createdAt)
	if age >= e.ttl {
		delete(s.entries[category], key)
		s.misses++
		return nil, false
	}
	if ttlOverride > 0 && age >= ttlOverride {
		s.misses++
		return nil, false
	}
	s.hits++
	return e.value, true
}

func (s *Store) Set(key string, value any, category Category, ttl time.Duration) {
	category = normalize(category)
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entries[category]
	if m == nil {
		m = map[string]entry{}
		s.entries[category] = m
	}
	m[key] = entry{value: value, createdAt: s.now(), ttl: ttl}
}

func (s *Store) Invalidate(key string, category Category) {
	category = normalize(category)
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.entries[category]; m != nil {
		if _, ok := m[key]; ok {
			delete(m, key)
			s.invalidations++
		}
	}
}

func (s *Store) ClearCategory(category Category) {
	category = normalize(category)
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.entries[category]; m != nil {
		s.invalidations += uint64(len(m))
		delete(s.entries, category)
	}
}

func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAllLocked()
}

func (s *Store) clearAllLocked() {
	for _, m := range s.entries {
		s.invalidations += uint64(len(m))
	}
	s.entries = map[Category]map[string]entry{}
}

type Stats struct {
	Hits          uint64           `json:"hits"`
	Misses        uint64           `json:"misses"`
	Invalidations uint64           `json:"invalidations"`
	HitRate       float64          `json:"hitRate"`
	EntryCounts   map[Category]int `json:"entryCounts"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Hits:          s.hits,
		Misses:        s.misses,
		Invalidations: s.invalidations,
		HitRate:       1.0,
		EntryCounts:   map[Category]int{},
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	for category, m := range s.entries {
		if len(m) > 0 {
			st.EntryCounts[category] = len(m)
		}
	}
	return st
}

// Sweep removes every expired entry and reports how many were dropped.
// Expiry is not invalidation; the invalidation counter is untouched.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for category, m := range s.entries {
		for key, e := range m {
			if now.Sub(e.createdAt) >= e.ttl {
				delete(m, key)
				removed++
			}
		}
		if len(m) == 0 {
			delete(s.entries, category)
		}
	}
	return removed
}

// Start launches the periodic sweep. Stop or ctx cancellation ends it.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopChan != nil {
		s.mu.Unlock()
		return
	}
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					logging.Debugf("cache: swept %d expired entries", n)
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		close(s.stopChan)
		s.stopChan = nil
	}
}

func corrupt(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []byte:
		return len(t) == 0
	}
	return false
}
