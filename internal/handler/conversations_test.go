package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadloom/conversation-sync/internal/bus"
	"github.com/threadloom/conversation-sync/internal/generate"
	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/internal/store"
	"github.com/threadloom/conversation-sync/internal/tree"
	"github.com/threadloom/conversation-sync/pkg/logger"
)

func newTestRouter(t *testing.T) (*chi.Mux, *tree.Store) {
	t.Helper()
	log := logger.NewNop()
	changeBus := bus.NewMemoryBus(256, log)
	treeStore := tree.NewStore(store.NewMemoryStore(), changeBus, log)
	generator := generate.NewController(treeStore, nil, 256, 0, log)

	conversations := NewConversationHandler(treeStore, generator, log)
	messages := NewMessageHandler(treeStore, log)
	streams := NewStreamHandler(generator, log)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversations.List)
			r.Post("/", conversations.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversations.Get)
				r.Patch("/", conversations.Update)
				r.Delete("/", conversations.Delete)
				r.Post("/branch", conversations.Branch)
				r.Get("/latest", conversations.Latest)
				r.Post("/messages", messages.Append)
				r.Route("/messages/{messageID}", func(r chi.Router) {
					r.Patch("/", messages.Edit)
					r.Delete("/", messages.Delete)
				})
				r.Post("/generate", streams.Prompt)
				r.Post("/cancel", streams.Cancel)
			})
		})
	})
	return r, treeStore
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeConversation(t *testing.T, rec *httptest.ResponseRecorder) model.Conversation {
	t.Helper()
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return conv
}

func TestCreateGetDeleteConversation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", map[string]string{"name": "support thread"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeConversation(t, rec)
	assert.Equal(t, "support thread", created.Name)
	assert.NotEmpty(t, created.ID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/conversations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/conversations/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/conversations/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppendAndBranchOverHTTP(t *testing.T) {
	router, treeStore := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", map[string]string{"name": "root"})
	require.Equal(t, http.StatusCreated, rec.Code)
	root := decodeConversation(t, rec)

	for _, m := range []map[string]string{
		{"role": "user", "content": "question"},
		{"role": "assistant", "content": "answer"},
	} {
		rec = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+root.ID+"/messages", m)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	full, err := treeStore.Get(context.Background(), root.ID)
	require.NoError(t, err)
	require.Len(t, full.Messages, 2)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+root.ID+"/branch", map[string]string{
		"cut_message_id": full.Messages[0].ID,
		"name":           "alternate take",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	branch := decodeConversation(t, rec)
	assert.Equal(t, root.ID, branch.ParentID)
	assert.Len(t, branch.Messages, 1)
}

func TestGetUnknownConversationMapsToNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/conversations/01900000-0000-7000-8000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedConversationIDIsRejected(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/conversations/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelWithNothingInFlight(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", map[string]string{"name": "idle"})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decodeConversation(t, rec)

	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/cancel", conv.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppendRejectsEmptyContent(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", map[string]string{"name": "strict"})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decodeConversation(t, rec)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", map[string]string{
		"role":    "user",
		"content": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateRejectionIsSynchronousJSON(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", map[string]string{"name": "no backend"})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decodeConversation(t, rec)

	// The slot claim fails before the handler commits to a stream, so the
	// caller gets a plain JSON error status instead of an SSE body.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/generate", map[string]string{
		"prompt": "hello",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "event:")
}

func TestRenameConversation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/conversations", map[string]string{"name": "before"})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decodeConversation(t, rec)

	rec = doJSON(t, router, http.MethodPatch, "/api/v1/conversations/"+conv.ID, map[string]string{"name": "after"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeConversation(t, rec)
	assert.Equal(t, "after", updated.Name)
}
