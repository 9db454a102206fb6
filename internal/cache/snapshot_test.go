package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	s, _ := newTestStore()
	s.Set("devices", "scan-1", CategoryDiscovery, time.Hour)
	s.Set("socket://10.0.0.5:9100", "descriptor", CategoryDevice, time.Hour)
	s.Get("devices", CategoryDiscovery, 0)
	s.Get("missing", CategoryDiscovery, 0)

	if err := s.SaveSnapshot(path); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	restored, _ := newTestStore()
	if err := restored.RestoreSnapshot(path); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if v, ok := restored.Get("devices", CategoryDiscovery, 0); !ok || v != "scan-1" {
		t.Fatalf("restored Get = %v %v, want scan-1 true", v, ok)
	}
	if v, ok := restored.Get("socket://10.0.0.5:9100", CategoryDevice, 0); !ok || v != "descriptor" {
		t.Fatalf("restored Get(device) = %v %v", v, ok)
	}

	st := restored.Stats()
	if st.Hits < 1 || st.Misses < 1 {
		t.Fatalf("restored stats lost counters: %+v", st)
	}
}

func TestSnapshotFileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	s, _ := newTestStore()
	s.Set("k", "v", CategoryPrinter, time.Hour)
	if err := s.SaveSnapshot(path); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("snapshot is not a JSON object: %v", err)
	}
	for _, key := range []string{"cache", "timestamps", "ttl", "categoryCache", "stats"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("snapshot missing top-level key %q", key)
		}
	}
}

func TestRestoreMissingFileIsEmptyCache(t *testing.T) {
	s, _ := newTestStore()
	if err := s.RestoreSnapshot(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if st := s.Stats(); len(st.EntryCounts) != 0 {
		t.Fatalf("store not empty: %v", st.EntryCounts)
	}
}

func TestRestoreCorruptFileLeavesEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	s, _ := newTestStore()
	s.Set("stale", "v", CategoryPrinter, time.Hour)
	if err := s.RestoreSnapshot(path); err == nil {
		t.Fatal("corrupt snapshot should report an informational error")
	}
	if _, ok := s.Get("stale", CategoryPrinter, 0); ok {
		t.Fatal("store must be empty after a failed restore")
	}
}

func TestRestoreBlankPayloadClears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	doc := `{
  "cache": {"printer/k": null},
  "timestamps": {"printer/k": ` + timeMilli() + `},
  "ttl": {"printer/k": 3600000},
  "categoryCache": {"printer": ["k"]},
  "stats": {"hits": 0, "misses": 0, "invalidations": 0}
}`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	s, _ := newTestStore()
	if err := s.RestoreSnapshot(path); err == nil {
		t.Fatal("null payload with a live timestamp should report an error")
	}
	if st := s.Stats(); len(st.EntryCounts) != 0 {
		t.Fatalf("store not empty: %v", st.EntryCounts)
	}
}

func TestRestoreSkipsExpiredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	s, now := newTestStore()
	s.Set("old", "v", CategoryCommand, time.Minute)
	s.Set("fresh", "v", CategoryCommand, time.Hour)
	*now = now.Add(5 * time.Minute)
	if err := s.SaveSnapshot(path); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	restored, rnow := newTestStore()
	*rnow = *now
	if err := restored.RestoreSnapshot(path); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if _, ok := restored.Get("old", CategoryCommand, 0); ok {
		t.Fatal("expired entry must not survive a restore")
	}
	if _, ok := restored.Get("fresh", CategoryCommand, 0); !ok {
		t.Fatal("live entry lost in restore")
	}
}

func timeMilli() string {
	return "1790000000000"
}
