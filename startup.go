package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"track-resolver-go/app"
	"track-resolver-go/config"
	"track-resolver-go/logcolors"
	"track-resolver-go/middleware"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// server carries the wired components into the HTTP handlers
type server struct {
	app     *app.App
	conf    config.Config
	limiter *middleware.IPRateLimiter
}

func newServer(a *app.App) *server {
	c := a.Config.Configuration
	return &server{
		app:  a,
		conf: a.Config,
		limiter: middleware.NewIPRateLimiter(
			rate.Limit(c.RateLimitPerSecond), c.RateLimitBurstLimit,
			rate.Limit(c.CachedRateLimitPerSecond), c.CachedRateLimitBurstLimit,
		),
	}
}

// handler builds the full middleware chain around the router
func (s *server) handler() http.Handler {
	router := mux.NewRouter()
	s.setupRoutes(router)
	router.Use(s.statsMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.APIKeyHeader},
		ExposedHeaders:   []string{"X-Cache-Status", "X-Resolve-Source", "X-RateLimit-Type", "X-RateLimit-Remaining"},
		AllowCredentials: false,
	})

	apiKey := middleware.APIKeyMiddleware(s.conf.Configuration.APIKey, s.conf.Configuration.APIKeyRequired,
		[]string{"/", "/health", "/stats"})

	return s.limitMiddleware(c.Handler(middleware.LoggingMiddleware(apiKey(router))))
}

func (s *server) limitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A valid API key bypasses rate limits
		if middleware.ValidAPIKey(s.conf.Configuration.APIKey, r.Header.Get(middleware.APIKeyHeader)) {
			w.Header().Set("X-RateLimit-Bypass", "true")
			ctx := context.WithValue(r.Context(), rateLimitTypeKey, "bypass")
			ctx = context.WithValue(ctx, apiKeyAuthenticatedKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		ip := middleware.ClientIP(r)
		limiters := s.limiter.GetLimiter(ip)
		tier := limiters.Take()
		s.app.Stats.RecordRateLimit(string(tier))

		switch tier {
		case middleware.TierNormal:
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", s.limiter.GetNormalLimit()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", limiters.GetNormalTokens()))
			w.Header().Set("X-RateLimit-Type", string(tier))
			ctx := context.WithValue(r.Context(), rateLimitTypeKey, string(tier))
			next.ServeHTTP(w, r.WithContext(ctx))

		case middleware.TierCached:
			// Cached tier only answers from the resolution cache
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", s.limiter.GetCachedLimit()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", limiters.GetCachedTokens()))
			w.Header().Set("X-RateLimit-Type", string(tier))
			log.Debugf("%s IP %s exceeded normal tier, using cached tier", logcolors.LogRateLimit, ip)
			ctx := context.WithValue(r.Context(), cacheOnlyModeKey, true)
			ctx = context.WithValue(ctx, rateLimitTypeKey, string(tier))
			next.ServeHTTP(w, r.WithContext(ctx))

		default:
			log.Warnf("%s IP %s exceeded both rate limit tiers", logcolors.LogRateLimit, ip)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", s.limiter.GetCachedLimit()))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Type", string(tier))
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	})
}

// statsMiddleware counts requests per route template with status and latency
func (s *server) statsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := middleware.NewResponseRecorder(w)

		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		s.app.Stats.RecordRequest(endpoint)
		s.app.Stats.RecordStatusCode(rec.StatusCode)
		s.app.Stats.RecordResponseTime(time.Since(start), endpoint)
	})
}

// evictIdleClients forgets rate limiter state for quiet clients until ctx
// is done
func (s *server) evictIdleClients(ctx context.Context) {
	idle := time.Duration(s.conf.Configuration.RateLimitIdleEvictMinutes) * time.Minute
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := s.limiter.Evict(idle); removed > 0 {
				log.Debugf("%s Evicted %d idle clients", logcolors.LogRateLimit, removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
