package reconcile

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadloom/conversation-sync/internal/model"
)

func sampleConversation(name string, messages ...string) *model.Conversation {
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Name:           name,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	for _, content := range messages {
		conv.Messages = append(conv.Messages, model.Message{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Role:      model.RoleUser,
			Content:   content,
			CreatedAt: now,
		})
	}
	return conv
}

func updateEvent(conv *model.Conversation) model.ChangeEvent {
	return model.ChangeEvent{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ResourceType: model.ResourceConversation,
		EventType:    model.EventUpdate,
		ResourceID:   conv.ID,
		Payload:      conv.Clone(),
	}
}

func deleteEvent(id string) model.ChangeEvent {
	return model.ChangeEvent{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ResourceType: model.ResourceConversation,
		EventType:    model.EventDelete,
		ResourceID:   id,
	}
}

func TestOptimisticApplyConfirmAndIdempotentEcho(t *testing.T) {
	r := New()
	conv := sampleConversation("planning")
	r.Seed([]*model.Conversation{conv})

	txn, err := r.ApplyOptimistic(conv.ID, func(c *model.Conversation) {
		c.Name = "renamed"
	})
	require.NoError(t, err)

	got, ok := r.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name, "mutation is visible before the round trip")

	r.Confirm(txn)

	// The server broadcast echoes the same value back; applying it again
	// changes nothing.
	echoed := conv.Clone()
	echoed.Name = "renamed"
	r.ApplyRemoteEvent(updateEvent(echoed))

	got, ok = r.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)
}

func TestRevertRestoresSnapshot(t *testing.T) {
	r := New()
	conv := sampleConversation("draft", "hello")
	r.Seed([]*model.Conversation{conv})

	txn, err := r.ApplyOptimistic(conv.ID, func(c *model.Conversation) {
		c.Name = "broken rename"
		c.Messages = nil
	})
	require.NoError(t, err)

	require.NoError(t, r.Revert(txn))

	got, ok := r.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "draft", got.Name)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)

	summary, ok := r.Summary(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "draft", summary.Name)
	assert.Equal(t, 1, summary.MessageCount)

	// A second revert of the same transaction has no snapshot to restore.
	assert.ErrorIs(t, r.Revert(txn), model.ErrNotFound)
}

func TestApplyOptimisticUnknownResource(t *testing.T) {
	r := New()
	_, err := r.ApplyOptimistic("missing", func(c *model.Conversation) {})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestActiveEditSuppressionHoldsDetailButUpdatesSummary(t *testing.T) {
	r := New()
	conv := sampleConversation("notes", "first")
	r.Seed([]*model.Conversation{conv})
	r.SetActive(conv.ID, true)

	remote := conv.Clone()
	remote.Name = "remote rename"
	remote.Messages = append(remote.Messages, model.Message{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Role:    model.RoleUser,
		Content: "second",
	})
	r.ApplyRemoteEvent(updateEvent(remote))

	got, ok := r.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "notes", got.Name, "detail view is held while actively edited")
	assert.Len(t, got.Messages, 1)

	summary, ok := r.Summary(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "remote rename", summary.Name, "list row keeps updating")
	assert.Equal(t, 2, summary.MessageCount)

	// Once the edit session ends, the next remote update lands in full.
	r.SetActive(conv.ID, false)
	r.ApplyRemoteEvent(updateEvent(remote))

	got, ok = r.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "remote rename", got.Name)
	assert.Len(t, got.Messages, 2)
}

func TestRemoteDeleteOverridesSuppressionAndSelection(t *testing.T) {
	r := New()
	conv := sampleConversation("doomed")
	r.Seed([]*model.Conversation{conv})
	r.Select(conv.ID)
	r.SetActive(conv.ID, true)

	r.ApplyRemoteEvent(deleteEvent(conv.ID))

	_, ok := r.Get(conv.ID)
	assert.False(t, ok, "delete wins even while actively edited")
	_, ok = r.Summary(conv.ID)
	assert.False(t, ok)
	assert.Empty(t, r.Selected(), "selection tracking a deleted resource is cleared")
}

func TestRevertAfterRemoteDeleteIsNoOp(t *testing.T) {
	r := New()
	conv := sampleConversation("racy")
	r.Seed([]*model.Conversation{conv})

	txn, err := r.ApplyOptimistic(conv.ID, func(c *model.Conversation) {
		c.Name = "local rename"
	})
	require.NoError(t, err)

	r.ApplyRemoteEvent(deleteEvent(conv.ID))

	require.NoError(t, r.Revert(txn))
	_, ok := r.Get(conv.ID)
	assert.False(t, ok, "revert must not resurrect a deleted resource")
}

func TestSeedReplacesViewAndClearsStaleSelection(t *testing.T) {
	r := New()
	old := sampleConversation("old")
	r.Seed([]*model.Conversation{old})
	r.Select(old.ID)

	fresh := sampleConversation("fresh")
	r.Seed([]*model.Conversation{fresh})

	_, ok := r.Get(old.ID)
	assert.False(t, ok)
	got, ok := r.Get(fresh.ID)
	require.True(t, ok)
	assert.Equal(t, "fresh", got.Name)
	assert.Empty(t, r.Selected())
}

func TestRemoteEventFromTransportHop(t *testing.T) {
	r := New()
	conv := sampleConversation("wire")
	r.Seed([]*model.Conversation{conv})

	// A payload that crossed a broker arrives as generic JSON, not a typed
	// struct.
	r.ApplyRemoteEvent(model.ChangeEvent{
		ResourceType: model.ResourceConversation,
		EventType:    model.EventUpdate,
		ResourceID:   conv.ID,
		Payload: map[string]any{
			"id":   conv.ID,
			"name": "decoded over the wire",
		},
	})

	got, ok := r.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "decoded over the wire", got.Name)
}

func TestNonConversationEventsAreIgnored(t *testing.T) {
	r := New()
	conv := sampleConversation("settings-adjacent")
	r.Seed([]*model.Conversation{conv})

	r.ApplyRemoteEvent(model.ChangeEvent{
		ResourceType: model.ResourceSetting,
		EventType:    model.EventDelete,
		ResourceID:   conv.ID,
	})

	_, ok := r.Get(conv.ID)
	assert.True(t, ok)
}
