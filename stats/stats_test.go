package stats

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordResolution(t *testing.T) {
	s := New()

	s.RecordResolution("catalog", true)
	s.RecordResolution("catalog", true)
	s.RecordResolution("cache", true)
	s.RecordResolution("", false)

	if s.Resolved.Load() != 3 || s.Unresolved.Load() != 1 {
		t.Errorf("resolved/unresolved = %d/%d, want 3/1", s.Resolved.Load(), s.Unresolved.Load())
	}
	sources := s.SourceSnapshot()
	if sources["catalog"] != 2 || sources["cache"] != 1 {
		t.Errorf("SourceSnapshot() = %v", sources)
	}
	if rate := s.ResolveRate(); rate != 75 {
		t.Errorf("ResolveRate() = %v, want 75", rate)
	}
}

func TestRecordRequest(t *testing.T) {
	s := New()
	for _, endpoint := range []string{"/resolve", "/resolve/batch", "/cache", "/index/search", "/stats", "/health", "/unknown"} {
		s.RecordRequest(endpoint)
	}

	if s.TotalRequests.Load() != 7 {
		t.Errorf("TotalRequests = %d, want 7", s.TotalRequests.Load())
	}
	if s.ResolveRequests.Load() != 1 || s.BatchRequests.Load() != 1 || s.IndexRequests.Load() != 1 || s.OtherRequests.Load() != 1 {
		t.Error("endpoint counters not attributed correctly")
	}
}

func TestCacheHitRate(t *testing.T) {
	s := New()
	if s.CacheHitRate() != 0 {
		t.Error("Expected 0 hit rate with no lookups")
	}

	s.RecordCacheHit()
	s.RecordNegativeCacheHit()
	s.RecordCacheMiss()
	s.RecordCacheMiss()

	if rate := s.CacheHitRate(); rate != 50 {
		t.Errorf("CacheHitRate() = %v, want 50", rate)
	}
}

func TestResponseTimes(t *testing.T) {
	s := New()
	if s.MinResponseTime() != 0 {
		t.Error("Expected zero min response time before any request")
	}

	s.RecordResponseTime(10*time.Millisecond, "/resolve")
	s.RecordResponseTime(30*time.Millisecond, "/stats")

	if s.MinResponseTime() != 10*time.Millisecond {
		t.Errorf("MinResponseTime() = %v", s.MinResponseTime())
	}
	if s.MaxResponseTime() != 30*time.Millisecond {
		t.Errorf("MaxResponseTime() = %v", s.MaxResponseTime())
	}
	if s.AvgResponseTime() != 20*time.Millisecond {
		t.Errorf("AvgResponseTime() = %v", s.AvgResponseTime())
	}
	if s.AvgResolveResponseTime() != 10*time.Millisecond {
		t.Errorf("AvgResolveResponseTime() = %v", s.AvgResolveResponseTime())
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats", "stats.db")

	s := New()
	s.RecordRequest("/resolve")
	s.RecordResolution("local_index", true)
	s.RecordCatalogCalls(4)
	s.RecordResponseTime(5*time.Millisecond, "/resolve")

	store, err := NewStore(s, path)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	restored := New()
	store, err = NewStore(restored, path)
	if err != nil {
		t.Fatalf("NewStore() reopen error: %v", err)
	}
	defer store.Close()

	if err := store.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if restored.ResolveRequests.Load() != 1 || restored.CatalogCalls.Load() != 4 {
		t.Errorf("counters not restored: %+v", restored.Snapshot()["requests"])
	}
	if restored.SourceSnapshot()["local_index"] != 1 {
		t.Errorf("sources not restored: %v", restored.SourceSnapshot())
	}
	if restored.MinResponseTime() != 5*time.Millisecond {
		t.Errorf("MinResponseTime() = %v", restored.MinResponseTime())
	}
	if !restored.StartTime.Equal(s.StartTime) {
		t.Errorf("StartTime = %v, want %v", restored.StartTime, s.StartTime)
	}
}
