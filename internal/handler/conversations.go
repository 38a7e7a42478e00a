// Package handler provides HTTP handlers for the API.
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
	"github.com/threadloom/conversation-sync/internal/tree"
	"github.com/threadloom/conversation-sync/pkg/logger"
)

// ConversationHandler handles conversation tree endpoints.
type ConversationHandler struct {
	tree      *tree.Store
	generator *generate.Controller
	logger    *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(treeStore *tree.Store, generator *generate.Controller, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		tree:      treeStore,
		generator: generator,
		logger:    log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.tree.CreateRoot(ctx, &req)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations — the display forest, roots
// ordered by effective recency.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	roots, err := h.tree.ResolveDisplayTree(r.Context())
	if err != nil {
		h.logger.Error("failed to resolve display tree", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Roots: roots,
		Total: len(roots),
	})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.tree.Get(r.Context(), conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Update handles PATCH /api/v1/conversations/{id} — rename and participant
// replacement.
func (h *ConversationHandler) Update(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		if err := middleware.ValidateName(*req.Name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conv, err := h.tree.Update(r.Context(), conversationID, &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/{id} — removes the whole
// subtree. An in-flight generation on the conversation is cancelled first
// through the same path a client cancel takes.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.generator.Cancel(conversationID); err != nil && !errors.Is(err, model.ErrNotFound) {
		h.logger.Warn("failed to cancel generation before delete", zap.Error(err))
	}

	if err := h.tree.Delete(r.Context(), conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Branch handles POST /api/v1/conversations/{id}/branch
func (h *ConversationHandler) Branch(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.BranchConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageID(req.CutMessageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.tree.Branch(r.Context(), conversationID, req.CutMessageID, req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// Latest handles GET /api/v1/conversations/{id}/latest — the most recently
// active conversation in the subtree, for representative list rows.
func (h *ConversationHandler) Latest(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.tree.LatestDescendant(r.Context(), conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}
