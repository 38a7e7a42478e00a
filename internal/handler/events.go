package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/threadloom/conversation-sync/internal/bus"
	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/pkg/logger"
	"github.com/threadloom/conversation-sync/pkg/metrics"
)

// EventsHandler exposes the change bus to clients as a live SSE feed.
type EventsHandler struct {
	bus    bus.Bus
	logger *logger.Logger
}

// NewEventsHandler creates a new change-feed handler.
func NewEventsHandler(changeBus bus.Bus, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		bus:    changeBus,
		logger: log,
	}
}

// Subscribe handles GET /api/v1/events — every durably-applied change, in
// per-resource order. When the subscriber falls behind and is dropped by
// the bus, the stream ends with a resync event; the client must re-fetch
// full state before reconnecting.
func (h *EventsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher := streamFlusher(w)
	if flusher == nil {
		return
	}

	sub, err := h.bus.Subscribe()
	if err != nil {
		h.logger.Error("failed to subscribe to change bus", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer sub.Close()

	sseHeaders(w)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{"status": "subscribed"})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.C():
			if !ok {
				// Dropped for falling behind: deltas are no longer enough.
				sendSSEEvent(w, flusher, "resync_required", map[string]string{
					"reason": "subscriber queue overflow",
				})
				return
			}
			if err := sendSSEEvent(w, flusher, "change", event); err != nil {
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}
