package main

import (
	"track-resolver-go/cache"
	"track-resolver-go/resolver"
	"track-resolver-go/track"
)

type contextKey string

const (
	cacheOnlyModeKey       contextKey = "cacheOnlyMode"
	rateLimitTypeKey       contextKey = "rateLimitType"
	apiKeyAuthenticatedKey contextKey = "apiKeyAuthenticated"
)

// maxBatchSize bounds the number of queries in one /resolve/batch call
const maxBatchSize = 500

// BatchRequest is the body of POST /resolve/batch
type BatchRequest struct {
	ScopeID          string        `json:"scope_id"`
	Queries          []track.Query `json:"queries"`
	DrainTimeoutSecs int           `json:"drain_timeout_secs"`
}

// BatchResponse reports every outcome in input order
type BatchResponse struct {
	resolver.Batch
	Resolved int  `json:"resolved"`
	Drained  bool `json:"drained"`
}

// CachePerformance contains cache hit/miss statistics
type CachePerformance struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	NegativeHits int64   `json:"negative_hits"`
	HitRate      float64 `json:"hit_rate_percent"`
}

// CacheSummaryResponse is the response format for the /cache endpoint
type CacheSummaryResponse struct {
	Backend     string           `json:"backend"`
	Entries     cache.Stats      `json:"entries"`
	Performance CachePerformance `json:"performance"`
}

// IndexHit is one /index/search result
type IndexHit struct {
	Track  track.Candidate `json:"track"`
	Cosine float64         `json:"cosine"`
	Score  float64         `json:"score"`
}
