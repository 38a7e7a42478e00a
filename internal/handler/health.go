package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/threadloom/conversation-sync/internal/llm"
)

// Readiness is a dependency that can report whether it is usable.
type Readiness interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	nats    Readiness
	backend llm.Client
}

// NewHealthHandler creates a new health handler. Both dependencies are
// optional: a nil NATS client means the core runs fully in-process, and a
// nil backend means generation is disabled.
func NewHealthHandler(nats Readiness, backend llm.Client) *HealthHandler {
	return &HealthHandler{
		nats:    nats,
		backend: backend,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.nats != nil && !h.nats.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	if h.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.backend.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "generation backend unreachable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
