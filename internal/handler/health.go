// Package handler provides the relay's operational HTTP endpoints.
package handler

import (
	"net/http"
	"sync/atomic"
)

// StoreChecker reports whether the persistence collaborator is reachable.
type StoreChecker interface {
	IsConnected() bool
}

// ConnCounter reports the number of open client connections.
type ConnCounter interface {
	ConnectionCount() int
}

// HealthHandler handles the liveness and readiness endpoints.
type HealthHandler struct {
	store     StoreChecker
	conns     ConnCounter
	accepting atomic.Bool
}

// NewHealthHandler creates a health handler. The relay starts in the
// accepting state.
func NewHealthHandler(store StoreChecker, conns ConnCounter) *HealthHandler {
	h := &HealthHandler{store: store, conns: conns}
	h.accepting.Store(true)
	return h
}

// SetAccepting flips whether the relay accepts new connections; readiness
// reports false once shutdown begins.
func (h *HealthHandler) SetAccepting(accepting bool) {
	h.accepting.Store(accepting)
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": h.conns.ConnectionCount(),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.accepting.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "shutting down",
		})
		return
	}
	if h.store == nil || !h.store.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "store not connected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
