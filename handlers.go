package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"track-resolver-go/cache"
	"track-resolver-go/circuitbreaker"
	"track-resolver-go/config"
	"track-resolver-go/logcolors"
	"track-resolver-go/middleware"
	"track-resolver-go/resolver"
	"track-resolver-go/services/notifier"
	"track-resolver-go/track"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// maxBodyBytes bounds request bodies, including stored playlist payloads
const maxBodyBytes = 4 << 20

// queryParam returns the first non-empty value among aliases
func queryParam(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.URL.Query().Get(name); v != "" {
			return v
		}
	}
	return ""
}

func queryFromRequest(r *http.Request) track.Query {
	return track.Query{
		Title:  queryParam(r, "title", "t", "s", "song"),
		Artist: queryParam(r, "artist", "a"),
		Album:  queryParam(r, "album", "al"),
	}
}

func (s *server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	q := queryFromRequest(r)
	cacheOnly, _ := r.Context().Value(cacheOnlyModeKey).(bool)

	out := s.app.Resolver.Resolve(r.Context(), q, resolver.Options{
		CacheOnly: cacheOnly,
		ScopeID:   r.URL.Query().Get("scope"),
	})
	resp := Respond(w, r).ForOutcome(out)

	switch {
	case errors.Is(out.Err, resolver.ErrInvalidQuery):
		resp.Error(http.StatusUnprocessableEntity, out.Err.Error())

	case out.Matched():
		resp.JSON(out)

	case cacheOnly && !out.NegativeHit:
		log.Warnf("%s Cache-only mode but no cache found for: %s", logcolors.LogCache, q.SearchString())
		w.Header().Set("Retry-After", "60")
		resp.Status(http.StatusTooManyRequests, map[string]interface{}{
			"error":   "Rate limit exceeded. This request requires cached data, but no cache is available for this query.",
			"message": "Please try again later or reduce your request rate.",
		})

	case out.Unavailable:
		w.Header().Set("Retry-After", "30")
		resp.Status(http.StatusServiceUnavailable, out)

	default:
		resp.Status(http.StatusNotFound, out)
	}
}

func (s *server) batchHandler(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)
	if cacheOnly, _ := r.Context().Value(cacheOnlyModeKey).(bool); cacheOnly {
		w.Header().Set("Retry-After", "60")
		resp.Error(http.StatusTooManyRequests, "Batch resolution is not available under the cached rate limit tier")
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		resp.Error(http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	if len(req.Queries) == 0 {
		resp.Error(http.StatusBadRequest, "No queries provided")
		return
	}
	if len(req.Queries) > maxBatchSize {
		resp.Error(http.StatusBadRequest, "Too many queries, maximum is "+strconv.Itoa(maxBatchSize))
		return
	}

	batch := s.app.Resolver.ResolveBatch(r.Context(), req.Queries, req.ScopeID)
	out := BatchResponse{Batch: batch, Drained: true}
	for _, o := range batch.Outcomes {
		if o.Matched() {
			out.Resolved++
		}
	}

	if req.DrainTimeoutSecs > 0 {
		timeout := config.Seconds(req.DrainTimeoutSecs)
		if limit := config.Seconds(s.conf.Configuration.EnrichmentDrainTimeout); limit > 0 && timeout > limit {
			timeout = limit
		}
		out.Drained = s.app.Resolver.Drain(batch.ScopeID, timeout)
	}

	resp.JSON(out)
}

// authorized checks the cache access token on management endpoints
func (s *server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if middleware.ValidAPIKey(s.conf.Configuration.CacheAccessToken, r.Header.Get("Authorization")) {
		return true
	}
	Respond(w, r).Error(http.StatusUnauthorized, "Unauthorized")
	return false
}

func (s *server) cacheSummary(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	st := s.app.Stats
	Respond(w, r).JSON(CacheSummaryResponse{
		Backend: s.conf.Configuration.CacheBackend,
		Entries: s.app.Cache.Stats(),
		Performance: CachePerformance{
			Hits:         st.CacheHits.Load(),
			Misses:       st.CacheMisses.Load(),
			NegativeHits: st.NegativeCacheHits.Load(),
			HitRate:      st.CacheHitRate(),
		},
	})
}

func (s *server) clearCache(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	backup, removed, err := s.app.Cache.BackupAndClear()
	if errors.Is(err, cache.ErrBackupUnsupported) {
		backup, removed, err = "", s.app.Cache.Clear(), nil
	}
	if err != nil {
		log.Errorf("%s Failed to back up before clearing: %v", logcolors.LogCacheClear, err)
		s.app.Alerts.Publish(notifier.NewEvent(notifier.EventCacheBackupFailed, "Cache was not cleared because the backup failed").
			WithData("error", err.Error()))
		Respond(w, r).Error(http.StatusInternalServerError, "Failed to back up cache: "+err.Error())
		return
	}
	s.app.Alerts.Publish(notifier.NewEvent(notifier.EventCacheCleared, "Resolution cache cleared via API").
		WithData("removed", removed).
		WithData("backup", backup))

	Respond(w, r).JSON(map[string]interface{}{
		"message": "Cache cleared",
		"removed": removed,
		"backup":  backup,
	})
}

func (s *server) backupCache(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	path, err := s.app.Cache.Backup()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrBackupUnsupported) {
			status = http.StatusNotImplemented
		}
		Respond(w, r).Error(status, err.Error())
		return
	}
	Respond(w, r).JSON(map[string]interface{}{"message": "Backup created", "backup": path})
}

func (s *server) listBackups(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	backups, err := s.app.Cache.ListBackups()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrBackupUnsupported) {
			status = http.StatusNotImplemented
		}
		Respond(w, r).Error(status, err.Error())
		return
	}
	Respond(w, r).JSON(map[string]interface{}{"count": len(backups), "backups": backups})
}

func (s *server) restoreCache(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	name := r.URL.Query().Get("file")
	if name == "" {
		Respond(w, r).Error(http.StatusBadRequest, "Missing file parameter")
		return
	}
	if err := s.app.Cache.RestoreFromBackup(name); err != nil {
		Respond(w, r).Error(http.StatusBadRequest, err.Error())
		return
	}
	Respond(w, r).JSON(map[string]interface{}{"message": "Cache restored", "backup": name})
}

func (s *server) getPlaylist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	payload, ok := s.app.Cache.GetPlaylist(r.Context(), vars["id"], vars["source"])
	if !ok {
		Respond(w, r).SetCacheStatus("MISS").Error(http.StatusNotFound, "Playlist not cached")
		return
	}
	resp := Respond(w, r).SetCacheStatus("HIT")
	resp.writeHeaders()
	w.Write(payload)
}

func (s *server) putPlaylist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		Respond(w, r).Error(http.StatusBadRequest, "Failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		Respond(w, r).Error(http.StatusRequestEntityTooLarge, "Playlist payload too large")
		return
	}
	if !json.Valid(body) {
		Respond(w, r).Error(http.StatusBadRequest, "Playlist payload must be JSON")
		return
	}
	s.app.Cache.SetPlaylist(r.Context(), vars["id"], vars["source"], body)
	w.WriteHeader(http.StatusNoContent)
}

// indexEnabled writes 503 when the local index is turned off
func (s *server) indexEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.app.Index != nil {
		return true
	}
	Respond(w, r).Error(http.StatusServiceUnavailable, "Local index is disabled")
	return false
}

func (s *server) indexAdd(w http.ResponseWriter, r *http.Request) {
	if !s.indexEnabled(w, r) {
		return
	}
	var c track.Candidate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		Respond(w, r).Error(http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	if c.ExternalID == "" || c.Title == "" {
		Respond(w, r).Error(http.StatusBadRequest, "id and title are required")
		return
	}
	if !s.app.Index.Upsert(c.ExternalID, c.AsQuery()) {
		Respond(w, r).Error(http.StatusBadRequest, "Track has no indexable text")
		return
	}
	Respond(w, r).Status(http.StatusCreated, map[string]interface{}{"indexed": c.ExternalID, "size": s.app.Index.Len()})
}

func (s *server) indexDelete(w http.ResponseWriter, r *http.Request) {
	if !s.indexEnabled(w, r) {
		return
	}
	if !s.app.Index.Remove(mux.Vars(r)["id"]) {
		Respond(w, r).Error(http.StatusNotFound, "Track not indexed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) indexSearch(w http.ResponseWriter, r *http.Request) {
	if !s.indexEnabled(w, r) {
		return
	}
	q := queryFromRequest(r)
	if q.IsEmpty() {
		Respond(w, r).Error(http.StatusUnprocessableEntity, "Provide title, artist or album")
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = s.conf.Configuration.IndexLimit
	}

	hits := []IndexHit{}
	for _, h := range s.app.Index.Search(q, limit, s.conf.Configuration.IndexMinScore) {
		c := h.Entry.Candidate()
		hits = append(hits, IndexHit{Track: c, Cosine: h.Score, Score: s.app.Scorer.Score(q, c)})
	}
	Respond(w, r).JSON(map[string]interface{}{"query": q, "results": hits})
}

func (s *server) getStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.app.Stats.Snapshot()
	if s.app.Index != nil {
		snapshot["local_index"] = map[string]interface{}{"entries": s.app.Index.Len()}
	}
	if s.app.Queue != nil {
		snapshot["enrichment"] = s.app.Queue.Stats()
	}
	Respond(w, r).JSON(snapshot)
}

func (s *server) getHealthStatus(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "ok",
		"catalog": s.app.Catalog.Name(),
	}

	if cb := s.app.Breaker; cb != nil {
		health["circuit_breaker"] = cb.State().String()
		if cb.State() == circuitbreaker.StateOpen {
			health["status"] = "degraded"
			log.Debugf("%s Catalog breaker open, reporting degraded", logcolors.LogHealthCheck)
			health["circuit_breaker_retry_in"] = cb.TimeUntilRetry().Round(time.Second).String()
		}
	}
	Respond(w, r).JSON(health)
}

func (s *server) getCircuitBreakerStatus(w http.ResponseWriter, r *http.Request) {
	if s.app.Breaker == nil {
		Respond(w, r).JSON(map[string]interface{}{"enabled": false})
		return
	}
	Respond(w, r).JSON(s.app.Breaker.Snapshot())
}

func (s *server) resetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if s.app.Breaker == nil {
		Respond(w, r).Error(http.StatusNotFound, "No circuit breaker configured")
		return
	}
	s.app.Breaker.Reset()
	log.Infof("%s Reset via API", logcolors.CircuitBreakerPrefix(s.app.Breaker.Name()))
	Respond(w, r).JSON(map[string]interface{}{"message": "Circuit breaker reset", "state": s.app.Breaker.State().String()})
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	Respond(w, r).JSON(map[string]interface{}{
		"help": "Use /resolve to map a song to a catalog track. Example: /resolve?title=Numb&artist=Linkin%20Park",
		"endpoints": []string{
			"GET /resolve?title=&artist=&album=",
			"POST /resolve/batch",
			"GET|PUT /playlists/{source}/{id}",
			"POST /index, DELETE /index/{id}, GET /index/search",
			"GET /stats, GET /health, GET /circuit-breaker",
		},
	})
}
