// Package store provides durable persistence for conversation records.
// Each record carries the full message array; branch lineage is
// reconstructed from ParentID at read time, never stored separately.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/threadloom/conversation-sync/internal/model"
)

// Store is the durable get/put/delete contract. The tree store writes here
// synchronously before any change event is published.
type Store interface {
	Get(ctx context.Context, id string) (*model.Conversation, error)
	Put(ctx context.Context, conv *model.Conversation) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*model.Conversation, error)
}

// MemoryStore is the in-process Store used for single-node deployments and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.Conversation),
	}
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	return conv.Clone(), nil
}

// Put stores a copy of the record.
func (s *MemoryStore) Put(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[conv.ID] = conv.Clone()
	return nil
}

// Delete removes the record. Deleting an absent id is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// List returns copies of all stored records.
func (s *MemoryStore) List(ctx context.Context) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Conversation, 0, len(s.records))
	for _, conv := range s.records {
		out = append(out, conv.Clone())
	}
	return out, nil
}
