package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"track-resolver-go/logcolors"

	log "github.com/sirupsen/logrus"
)

// APIKeyHeader carries the caller's key
const APIKeyHeader = "X-API-Key"

// publicPaths matches exact paths and "prefix*" patterns
type publicPaths struct {
	exact    map[string]bool
	prefixes []string
}

func newPublicPaths(paths []string) publicPaths {
	p := publicPaths{exact: make(map[string]bool)}
	for _, path := range paths {
		if prefix, ok := strings.CutSuffix(path, "*"); ok {
			p.prefixes = append(p.prefixes, prefix)
			continue
		}
		p.exact[path] = true
	}
	return p
}

func (p publicPaths) match(path string) bool {
	if p.exact[path] {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ValidAPIKey reports whether provided equals the configured key
func ValidAPIKey(configured, provided string) bool {
	if configured == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}

// APIKeyMiddleware requires the X-API-Key header on non-public paths when
// required is set. A required but empty key is treated as misconfiguration
// and lets requests through with a warning.
func APIKeyMiddleware(apiKey string, required bool, public []string) func(http.Handler) http.Handler {
	paths := newPublicPaths(public)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !required {
				next.ServeHTTP(w, r)
				return
			}
			if apiKey == "" {
				log.Warnf("%s API key required but not configured, allowing request", logcolors.LogAPIKey)
				next.ServeHTTP(w, r)
				return
			}
			if paths.match(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get(APIKeyHeader)
			if provided == "" {
				log.Warnf("%s Missing API key from %s for %s", logcolors.LogAPIKey, ClientIP(r), r.URL.Path)
				writeUnauthorized(w, "API key required", "Provide a valid API key via X-API-Key header")
				return
			}
			if !ValidAPIKey(apiKey, provided) {
				log.Warnf("%s Invalid API key from %s for %s", logcolors.LogAPIKey, ClientIP(r), r.URL.Path)
				writeUnauthorized(w, "Invalid API key", "The provided API key is not valid")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + errMsg + `","message":"` + message + `"}`))
}
