package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewIPRateLimiter(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(1), 5, rate.Limit(10), 20)

	if rl.normalRate != 1 || rl.normalBurst != 5 {
		t.Errorf("normal tier = %v/%d, want 1/5", rl.normalRate, rl.normalBurst)
	}
	if rl.cachedRate != 10 || rl.cachedBurst != 20 {
		t.Errorf("cached tier = %v/%d, want 10/20", rl.cachedRate, rl.cachedBurst)
	}
	if rl.GetNormalLimit() != 5 || rl.GetCachedLimit() != 20 {
		t.Errorf("limits = %d/%d, want 5/20", rl.GetNormalLimit(), rl.GetCachedLimit())
	}
}

func TestGetLimiterCreatesOnce(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(1), 5, rate.Limit(1), 5)

	first := rl.GetLimiter("10.0.0.1")
	second := rl.GetLimiter("10.0.0.1")
	if first != second {
		t.Error("Expected the same limiter pair for repeated lookups")
	}
	if first.Normal == nil || first.Cached == nil {
		t.Fatal("Expected both tiers to be created")
	}
	if rl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rl.Len())
	}
}

func TestTakeFallsThroughTiers(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(0.001), 1, rate.Limit(0.001), 2)
	pair := rl.GetLimiter("10.0.0.2")

	want := []Tier{TierNormal, TierCached, TierCached, TierExceeded}
	for i, tier := range want {
		if got := pair.Take(); got != tier {
			t.Errorf("Take() #%d = %q, want %q", i+1, got, tier)
		}
	}
}

func TestNormalTierRefills(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(20), 1, rate.Limit(1), 1)
	pair := rl.GetLimiter("10.0.0.3")

	if pair.Take() != TierNormal {
		t.Fatal("Expected first request on normal tier")
	}
	time.Sleep(100 * time.Millisecond)
	if pair.Take() != TierNormal {
		t.Error("Expected normal tier to refill after waiting")
	}
}

func TestLimiterPairTokens(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(1), 10, rate.Limit(1), 20)
	pair := rl.GetLimiter("10.0.0.4")

	if pair.GetNormalTokens() != 10 || pair.GetCachedTokens() != 20 {
		t.Errorf("tokens = %d/%d, want 10/20", pair.GetNormalTokens(), pair.GetCachedTokens())
	}
	pair.Take()
	if pair.GetNormalTokens() != 9 {
		t.Errorf("GetNormalTokens() = %d after one request, want 9", pair.GetNormalTokens())
	}
}

func TestEvict(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(1), 1, rate.Limit(1), 1)
	rl.GetLimiter("stale").lastSeen = time.Now().Add(-time.Hour)
	rl.GetLimiter("fresh")

	if removed := rl.Evict(10 * time.Minute); removed != 1 {
		t.Errorf("Evict() = %d, want 1", removed)
	}
	if _, ok := rl.ips["fresh"]; !ok {
		t.Error("Expected recently seen client to survive eviction")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"host and port", "192.0.2.1:5555", "", "192.0.2.1"},
		{"no port", "192.0.2.1", "", "192.0.2.1"},
		{"forwarded chain", "10.0.0.1:80", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"blank forwarded", "10.0.0.1:80", " ", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/resolve", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
