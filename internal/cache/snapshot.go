package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// On-disk snapshot layout. Flat maps are keyed "category/key"; category
// names never contain a slash, so the first separator is unambiguous and
// categoryCache carries the authoritative key list per category.
type snapshotFile struct {
	Cache         map[string]json.RawMessage `json:"cache"`
	Timestamps    map[string]int64           `json:"timestamps"`
	TTL           map[string]int64           `json:"ttl"`
	CategoryCache map[string][]string        `json:"categoryCache"`
	Stats         snapshotStats              `json:"stats"`
}

type snapshotStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
}

// SaveSnapshot writes the current contents to path. Values that do not
// marshal are skipped; the snapshot is best effort.
func (s *Store) SaveSnapshot(path string) error {
	if path == "" {
		return nil
	}
	doc := snapshotFile{
		Cache:         map[string]json.RawMessage{},
		Timestamps:    map[string]int64{},
		TTL:           map[string]int64{},
		CategoryCache: map[string][]string{},
	}
	s.mu.RLock()
	for category, m := range s.entries {
		for key, e := range m {
			raw, err := json.Marshal(e.value)
			if err != nil {
				continue
			}
			flat := string(category) + "/" + key
			doc.Cache[flat] = raw
			doc.Timestamps[flat] = e.createdAt.UnixMilli()
			doc.TTL[flat] = e.ttl.Milliseconds()
			doc.CategoryCache[string(category)] = append(doc.CategoryCache[string(category)], key)
		}
	}
	doc.Stats = snapshotStats{Hits: s.hits, Misses: s.misses, Invalidations: s.invalidations}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RestoreSnapshot loads path into the store. A missing file is an empty
// cache. Any failure to read or parse leaves the store empty and consistent;
// the returned error is informational and safe to log-and-ignore.
func (s *Store) RestoreSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		s.ClearAll()
		return err
	}
	var doc snapshotFile
	if err := json.Unmarshal(data, &doc); err != nil {
		s.ClearAll()
		return err
	}

	now := s.now()
	staged := map[Category]map[string]entry{}
	for categoryName, keys := range doc.CategoryCache {
		category := normalize(Category(categoryName))
		for _, key := range keys {
			flat := categoryName + "/" + key
			raw, ok := doc.Cache[flat]
			if !ok {
				continue
			}
			createdMs, ok := doc.Timestamps[flat]
			if !ok {
				continue
			}
			ttl := time.Duration(doc.TTL[flat]) * time.Millisecond
			if ttl <= 0 {
				ttl = s.defaultTTL
			}
			createdAt := time.UnixMilli(createdMs)
			if now.Sub(createdAt) >= ttl {
				continue
			}
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				continue
			}
			if corrupt(value) {
				s.ClearAll()
				return fmt.Errorf("snapshot entry %s has a blank payload", flat)
			}
			m := staged[category]
			if m == nil {
				m = map[string]entry{}
				staged[category] = m
			}
			m[key] = entry{value: value, createdAt: createdAt, ttl: ttl}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = staged
	s.hits = doc.Stats.Hits
	s.misses = doc.Stats.Misses
	s.invalidations = doc.Stats.Invalidations
	return nil
}
