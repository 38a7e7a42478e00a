package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/threadloom/conversation-sync/internal/generate"
	"github.com/threadloom/conversation-sync/internal/middleware"
	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/pkg/logger"
	"github.com/threadloom/conversation-sync/pkg/metrics"
)

// StreamHandler handles the SSE generation endpoints. Each endpoint drives
// one generation and streams its tokens to the requesting client only; all
// other clients learn the outcome from the change feed.
type StreamHandler struct {
	generator *generate.Controller
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(generator *generate.Controller, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		generator: generator,
		logger:    log,
	}
}

// generateRequestBody is the JSON body for the prompt and resend endpoints.
type generateRequestBody struct {
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Prompt handles POST /api/v1/conversations/{id}/generate — appends the
// user prompt and streams the assistant reply.
func (h *StreamHandler) Prompt(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body generateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(body.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.runStream(w, r, &model.GenerationRequest{
		ConversationID: conversationID,
		Mode:           model.ModePrompt,
		Prompt:         body.Prompt,
		Model:          body.Model,
		AuthorID:       middleware.GetUserID(r.Context()),
	})
}

// Regenerate handles POST /api/v1/conversations/{id}/regenerate/{messageID}
// — rewrites an assistant message in place.
func (h *StreamHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.runStream(w, r, &model.GenerationRequest{
		ConversationID: conversationID,
		Mode:           model.ModeRegenerate,
		MessageID:      messageID,
		AuthorID:       middleware.GetUserID(r.Context()),
	})
}

// Resend handles POST /api/v1/conversations/{id}/resend — re-issues
// generation for the trailing user message without duplicating it.
func (h *StreamHandler) Resend(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.runStream(w, r, &model.GenerationRequest{
		ConversationID: conversationID,
		Mode:           model.ModeResend,
		AuthorID:       middleware.GetUserID(r.Context()),
	})
}

// Cancel handles POST /api/v1/conversations/{id}/cancel — stops the
// in-flight generation; the interrupted stream persists its annotated
// partial content.
func (h *StreamHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.generator.Cancel(conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// runStream performs the shared SSE generation flow. Synchronous rejections
// (Conflict, NotFound, Validation) are plain JSON errors so callers can
// distinguish them from mid-stream failures.
func (h *StreamHandler) runStream(w http.ResponseWriter, r *http.Request, req *model.GenerationRequest) {
	ctx := r.Context()

	flusher := streamFlusher(w)
	if flusher == nil {
		return
	}

	// Claim the in-flight slot before committing to a streaming response:
	// of two racing requests, the loser gets a plain 409 here instead of
	// an error event on an already-started stream.
	run, err := h.generator.Begin(ctx, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sseHeaders(w)
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "started", map[string]string{
		"conversation_id": req.ConversationID,
		"mode":            string(req.Mode),
	})

	final, err := run(func(token string, index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return sendSSEEvent(w, flusher, "token", &model.TokenEvent{
			Token: token,
			Index: index,
		})
	})

	if err != nil {
		code := "stream_error"
		switch {
		case errors.Is(err, generate.ErrCancelled):
			code = "cancelled"
		case errors.Is(err, model.ErrNotFound):
			code = "not_found"
		case errors.Is(err, model.ErrValidation):
			code = "invalid_request"
		}
		h.logger.Warn("generation stream ended with error",
			zap.String("conversation_id", req.ConversationID),
			zap.String("code", code),
			zap.Error(err),
		)
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    code,
			Message: err.Error(),
		})
		// The annotated partial state, if any, still goes to the client so
		// its view matches what everyone else sees on the change feed.
		if final != nil {
			sendSSEEvent(w, flusher, "message_complete", &model.MessageCompleteEvent{Message: *final})
		}
		return
	}

	sendSSEEvent(w, flusher, "message_complete", &model.MessageCompleteEvent{Message: *final})
	sendSSEEvent(w, flusher, "done", map[string]bool{"success": true})
}
