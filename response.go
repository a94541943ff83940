package main

import (
	"encoding/json"
	"net/http"

	"track-resolver-go/resolver"
)

// APIResponse handles consistent header setting and JSON responses. It sets
// X-Cache-Status, X-Resolve-Source, X-Auth-Mode and X-RateLimit-Type from
// the request context and the outcome being written.
type APIResponse struct {
	w           http.ResponseWriter
	r           *http.Request
	cacheStatus string
	source      resolver.Source
}

// Respond creates a response helper from request context
func Respond(w http.ResponseWriter, r *http.Request) *APIResponse {
	return &APIResponse{w: w, r: r}
}

// SetCacheStatus sets the X-Cache-Status header value
func (a *APIResponse) SetCacheStatus(status string) *APIResponse {
	a.cacheStatus = status
	return a
}

// SetSource sets the X-Resolve-Source header value
func (a *APIResponse) SetSource(source resolver.Source) *APIResponse {
	a.source = source
	return a
}

// ForOutcome derives the cache status and source from a resolution
func (a *APIResponse) ForOutcome(out *resolver.Outcome) *APIResponse {
	switch {
	case out.Source == resolver.SourceCache:
		a.cacheStatus = "HIT"
	case out.NegativeHit && !out.Matched():
		a.cacheStatus = "NEGATIVE_HIT"
	default:
		a.cacheStatus = "MISS"
	}
	a.source = out.Source
	return a
}

func (a *APIResponse) writeHeaders() {
	a.w.Header().Set("Content-Type", "application/json")

	if a.cacheStatus != "" {
		a.w.Header().Set("X-Cache-Status", a.cacheStatus)
	}
	if a.source != resolver.SourceNone {
		a.w.Header().Set("X-Resolve-Source", string(a.source))
	}

	if authenticated, _ := a.r.Context().Value(apiKeyAuthenticatedKey).(bool); authenticated {
		a.w.Header().Set("X-Auth-Mode", "authenticated")
	}
	if rateLimitType, ok := a.r.Context().Value(rateLimitTypeKey).(string); ok && rateLimitType != "" {
		a.w.Header().Set("X-RateLimit-Type", rateLimitType)
	}
}

// JSON writes headers and encodes data as JSON (200 OK)
func (a *APIResponse) JSON(data interface{}) error {
	a.writeHeaders()
	return json.NewEncoder(a.w).Encode(data)
}

// Status writes headers and data with the given status code
func (a *APIResponse) Status(statusCode int, data interface{}) error {
	a.writeHeaders()
	a.w.WriteHeader(statusCode)
	return json.NewEncoder(a.w).Encode(data)
}

// Error writes an {"error": message} body with the given status code
func (a *APIResponse) Error(statusCode int, message string) error {
	return a.Status(statusCode, map[string]interface{}{"error": message})
}
