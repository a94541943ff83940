package main

import (
	"net/http"

	"github.com/gorilla/mux"
)

// setupRoutes configures all HTTP routes for the API
func (s *server) setupRoutes(router *mux.Router) {
	// Resolution
	router.HandleFunc("/resolve", s.resolveHandler).Methods(http.MethodGet)
	router.HandleFunc("/resolve/batch", s.batchHandler).Methods(http.MethodPost)

	// Cache management endpoints (token protected)
	router.HandleFunc("/cache", s.cacheSummary).Methods(http.MethodGet)
	router.HandleFunc("/cache/clear", s.clearCache).Methods(http.MethodPost)
	router.HandleFunc("/cache/backup", s.backupCache).Methods(http.MethodPost)
	router.HandleFunc("/cache/backups", s.listBackups).Methods(http.MethodGet)
	router.HandleFunc("/cache/restore", s.restoreCache).Methods(http.MethodPost)

	// Playlist payload cache
	router.HandleFunc("/playlists/{source}/{id}", s.getPlaylist).Methods(http.MethodGet)
	router.HandleFunc("/playlists/{source}/{id}", s.putPlaylist).Methods(http.MethodPut)

	// Local candidate index
	router.HandleFunc("/index", s.indexAdd).Methods(http.MethodPost)
	router.HandleFunc("/index/search", s.indexSearch).Methods(http.MethodGet)
	router.HandleFunc("/index/{id}", s.indexDelete).Methods(http.MethodDelete)

	// Health and stats endpoints
	router.HandleFunc("/health", s.getHealthStatus).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)

	// Circuit breaker endpoints
	router.HandleFunc("/circuit-breaker", s.getCircuitBreakerStatus).Methods(http.MethodGet)
	router.HandleFunc("/circuit-breaker/reset", s.resetCircuitBreaker).Methods(http.MethodPost)

	// Help endpoint
	router.HandleFunc("/", helpHandler)
}
