package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds server and resolution counters. All methods are safe for
// concurrent use.
type Stats struct {
	// Server info
	StartTime time.Time

	// Request counters
	TotalRequests   atomic.Int64
	ResolveRequests atomic.Int64
	BatchRequests   atomic.Int64
	CacheRequests   atomic.Int64
	IndexRequests   atomic.Int64
	StatsRequests   atomic.Int64
	HealthRequests  atomic.Int64
	OtherRequests   atomic.Int64

	// Cache performance
	CacheHits         atomic.Int64
	CacheMisses       atomic.Int64
	NegativeCacheHits atomic.Int64

	// Resolution outcomes
	Resolved     atomic.Int64
	Unresolved   atomic.Int64
	CatalogCalls atomic.Int64
	sources      sync.Map // source -> *atomic.Int64

	// Rate limiting
	RateLimitNormal   atomic.Int64 // Requests served under normal rate limit
	RateLimitCached   atomic.Int64 // Requests served under cache-only tier
	RateLimitExceeded atomic.Int64 // Requests rejected (429)

	// Response status codes
	Status2xx atomic.Int64
	Status4xx atomic.Int64
	Status5xx atomic.Int64

	// Response time tracking (in microseconds for precision)
	totalResponseTime atomic.Int64
	responseCount     atomic.Int64
	minResponseTime   atomic.Int64
	maxResponseTime   atomic.Int64

	resolveResponseTime  atomic.Int64
	resolveResponseCount atomic.Int64
}

const maxInt64 = int64(^uint64(0) >> 1)

// New creates an empty stats instance
func New() *Stats {
	s := &Stats{StartTime: time.Now()}
	s.minResponseTime.Store(maxInt64)
	return s
}

// RecordRequest records a request to a specific endpoint
func (s *Stats) RecordRequest(endpoint string) {
	s.TotalRequests.Add(1)
	switch endpoint {
	case "/resolve":
		s.ResolveRequests.Add(1)
	case "/resolve/batch":
		s.BatchRequests.Add(1)
	case "/cache":
		s.CacheRequests.Add(1)
	case "/index", "/index/search", "/index/{id}":
		s.IndexRequests.Add(1)
	case "/stats":
		s.StatsRequests.Add(1)
	case "/health":
		s.HealthRequests.Add(1)
	default:
		s.OtherRequests.Add(1)
	}
}

// RecordCacheHit records a positive cache hit
func (s *Stats) RecordCacheHit() {
	s.CacheHits.Add(1)
}

// RecordCacheMiss records a cache miss
func (s *Stats) RecordCacheMiss() {
	s.CacheMisses.Add(1)
}

// RecordNegativeCacheHit records a hit on a remembered failure
func (s *Stats) RecordNegativeCacheHit() {
	s.NegativeCacheHits.Add(1)
}

// RecordResolution records the outcome of one resolve call
func (s *Stats) RecordResolution(source string, matched bool) {
	if !matched {
		s.Unresolved.Add(1)
		return
	}
	s.Resolved.Add(1)
	s.sourceCounter(source).Add(1)
}

// RecordCatalogCalls adds external catalog calls made by a search run
func (s *Stats) RecordCatalogCalls(n int) {
	s.CatalogCalls.Add(int64(n))
}

func (s *Stats) sourceCounter(source string) *atomic.Int64 {
	if source == "" {
		source = "unknown"
	}
	if v, ok := s.sources.Load(source); ok {
		return v.(*atomic.Int64)
	}
	v, _ := s.sources.LoadOrStore(source, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// SourceSnapshot returns resolved counts per match source
func (s *Stats) SourceSnapshot() map[string]int64 {
	out := make(map[string]int64)
	s.sources.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

func (s *Stats) restoreSources(counts map[string]int64) {
	for name, count := range counts {
		counter := &atomic.Int64{}
		counter.Store(count)
		s.sources.Store(name, counter)
	}
}

// RecordRateLimit records rate limit tier usage
func (s *Stats) RecordRateLimit(tier string) {
	switch tier {
	case "normal":
		s.RateLimitNormal.Add(1)
	case "cached":
		s.RateLimitCached.Add(1)
	case "exceeded":
		s.RateLimitExceeded.Add(1)
	}
}

// RecordStatusCode records a response status code
func (s *Stats) RecordStatusCode(code int) {
	switch {
	case code >= 200 && code < 300:
		s.Status2xx.Add(1)
	case code >= 400 && code < 500:
		s.Status4xx.Add(1)
	case code >= 500:
		s.Status5xx.Add(1)
	}
}

// RecordResponseTime records a response time
func (s *Stats) RecordResponseTime(duration time.Duration, endpoint string) {
	us := duration.Microseconds()

	s.totalResponseTime.Add(us)
	s.responseCount.Add(1)

	for {
		current := s.minResponseTime.Load()
		if us >= current || s.minResponseTime.CompareAndSwap(current, us) {
			break
		}
	}
	for {
		current := s.maxResponseTime.Load()
		if us <= current || s.maxResponseTime.CompareAndSwap(current, us) {
			break
		}
	}

	if endpoint == "/resolve" {
		s.resolveResponseTime.Add(us)
		s.resolveResponseCount.Add(1)
	}
}

// Uptime returns the server uptime
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// CacheHitRate returns the cache hit rate as a percentage. Negative hits
// count as hits.
func (s *Stats) CacheHitRate() float64 {
	hits := s.CacheHits.Load() + s.NegativeCacheHits.Load()
	total := hits + s.CacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// ResolveRate returns the share of resolve calls that found a track, as a
// percentage
func (s *Stats) ResolveRate() float64 {
	resolved := s.Resolved.Load()
	total := resolved + s.Unresolved.Load()
	if total == 0 {
		return 0
	}
	return float64(resolved) / float64(total) * 100
}

// AvgResponseTime returns the average response time
func (s *Stats) AvgResponseTime() time.Duration {
	count := s.responseCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(s.totalResponseTime.Load()/count) * time.Microsecond
}

// MinResponseTime returns the minimum response time
func (s *Stats) MinResponseTime() time.Duration {
	min := s.minResponseTime.Load()
	if min == maxInt64 {
		return 0
	}
	return time.Duration(min) * time.Microsecond
}

// MaxResponseTime returns the maximum response time
func (s *Stats) MaxResponseTime() time.Duration {
	return time.Duration(s.maxResponseTime.Load()) * time.Microsecond
}

// AvgResolveResponseTime returns the average /resolve response time
func (s *Stats) AvgResolveResponseTime() time.Duration {
	count := s.resolveResponseCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(s.resolveResponseTime.Load()/count) * time.Microsecond
}

// Snapshot returns a point-in-time snapshot of all stats
func (s *Stats) Snapshot() map[string]interface{} {
	uptime := s.Uptime()

	return map[string]interface{}{
		"server": map[string]interface{}{
			"start_time":     s.StartTime.Format(time.RFC3339),
			"uptime":         uptime.String(),
			"uptime_seconds": int64(uptime.Seconds()),
		},
		"requests": map[string]interface{}{
			"total":   s.TotalRequests.Load(),
			"resolve": s.ResolveRequests.Load(),
			"batch":   s.BatchRequests.Load(),
			"cache":   s.CacheRequests.Load(),
			"index":   s.IndexRequests.Load(),
			"stats":   s.StatsRequests.Load(),
			"health":  s.HealthRequests.Load(),
			"other":   s.OtherRequests.Load(),
		},
		"cache": map[string]interface{}{
			"hits":          s.CacheHits.Load(),
			"misses":        s.CacheMisses.Load(),
			"negative_hits": s.NegativeCacheHits.Load(),
			"hit_rate":      s.CacheHitRate(),
		},
		"resolution": map[string]interface{}{
			"resolved":      s.Resolved.Load(),
			"unresolved":    s.Unresolved.Load(),
			"resolve_rate":  s.ResolveRate(),
			"catalog_calls": s.CatalogCalls.Load(),
			"by_source":     s.SourceSnapshot(),
		},
		"rate_limiting": map[string]interface{}{
			"normal_tier": s.RateLimitNormal.Load(),
			"cached_tier": s.RateLimitCached.Load(),
			"exceeded":    s.RateLimitExceeded.Load(),
		},
		"responses": map[string]interface{}{
			"2xx": s.Status2xx.Load(),
			"4xx": s.Status4xx.Load(),
			"5xx": s.Status5xx.Load(),
		},
		"response_times": map[string]interface{}{
			"avg":         s.AvgResponseTime().String(),
			"min":         s.MinResponseTime().String(),
			"max":         s.MaxResponseTime().String(),
			"avg_resolve": s.AvgResolveResponseTime().String(),
		},
	}
}
