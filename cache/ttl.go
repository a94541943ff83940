package cache

import (
	"math/rand"
	"strings"
	"time"
)

// TTLPolicy decides when a playlist entry expires. Sources matching a
// volatile marker get a random lifetime in [JitterMin, JitterMax) so that
// entries fetched together do not all expire together.
type TTLPolicy struct {
	Default         time.Duration
	JitterMin       time.Duration
	JitterMax       time.Duration
	VolatileSources []string
}

// DefaultTTLPolicy is one week for everything, 60h-200h for spotify
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Default:         168 * time.Hour,
		JitterMin:       60 * time.Hour,
		JitterMax:       200 * time.Hour,
		VolatileSources: []string{"spotify"},
	}
}

// IsVolatile reports whether source gets a jittered TTL
func (p TTLPolicy) IsVolatile(source string) bool {
	source = strings.ToLower(source)
	for _, marker := range p.VolatileSources {
		if marker != "" && strings.Contains(source, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// TTLFor returns the lifetime for an entry of source. Volatile sources get
// a fresh random draw on every call.
func (p TTLPolicy) TTLFor(source string) time.Duration {
	if p.IsVolatile(source) && p.JitterMax > p.JitterMin {
		span := int64(p.JitterMax - p.JitterMin)
		return p.JitterMin + time.Duration(rand.Int63n(span))
	}
	if p.Default <= 0 {
		return DefaultTTLPolicy().Default
	}
	return p.Default
}

// Expired reports whether e is past its lifetime at now
func (p TTLPolicy) Expired(e PlaylistEntry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= p.TTLFor(e.Source)
}
