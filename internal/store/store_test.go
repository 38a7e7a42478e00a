package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadloom/conversation-sync/internal/model"
)

func record(name string) *model.Conversation {
	now := time.Now().UTC()
	return &model.Conversation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Name:           name,
		CreatedAt:      now,
		LastModifiedAt: now,
		Messages: []model.Message{
			{
				ID:        uuid.Must(uuid.NewV7()).String(),
				Role:      model.RoleUser,
				Content:   "hello",
				CreatedAt: now,
			},
		},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	conv := record("round trip")

	require.NoError(t, s.Put(ctx, conv))

	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.Name, got.Name)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	conv := record("isolated")
	require.NoError(t, s.Put(ctx, conv))

	// Mutating the caller's struct after Put must not leak into the store.
	conv.Name = "mutated after put"
	conv.Messages[0].Content = "tampered"

	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "isolated", got.Name)
	assert.Equal(t, "hello", got.Messages[0].Content)

	// Mutating a returned copy must not leak either.
	got.Messages[0].Content = "tampered again"
	again, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Messages[0].Content)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	conv := record("to delete")
	require.NoError(t, s.Put(ctx, conv))

	require.NoError(t, s.Delete(ctx, conv.ID))
	_, err := s.Get(ctx, conv.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Deleting an absent id is not an error.
	require.NoError(t, s.Delete(ctx, conv.ID))
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, b := record("a"), record("b")
	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, b))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	names := map[string]bool{}
	for _, conv := range all {
		names[conv.Name] = true
	}
	assert.True(t, names["a"])
	assert.True(t, names["b"])
}
