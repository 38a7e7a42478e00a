package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/threadloom/conversation-sync/internal/model"
)

const (
	// BucketName is the JetStream key-value bucket holding conversation
	// records.
	BucketName = "conversations"
)

// NATSKV is the Store backed by a NATS JetStream key-value bucket, used
// when conversation state must survive process restarts or be shared
// between server processes.
type NATSKV struct {
	kv jetstream.KeyValue
}

// NewNATSKV binds to the conversations bucket, creating it if absent.
func NewNATSKV(ctx context.Context, js jetstream.JetStream) (*NATSKV, error) {
	kv, err := js.KeyValue(ctx, BucketName)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketName,
			Description: "Conversation records, one JSON document per conversation",
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open conversations bucket: %w", err)
	}

	return &NATSKV{kv: kv}, nil
}

// Get fetches and decodes one conversation record.
func (s *NATSKV) Get(ctx context.Context, id string) (*model.Conversation, error) {
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Put writes one conversation record.
func (s *NATSKV) Put(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
	}

	if _, err := s.kv.Put(ctx, conv.ID, data); err != nil {
		return fmt.Errorf("failed to put conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Delete removes one conversation record.
func (s *NATSKV) Delete(ctx context.Context, id string) error {
	err := s.kv.Delete(ctx, id)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// List decodes every record in the bucket.
func (s *NATSKV) List(ctx context.Context) ([]*model.Conversation, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var out []*model.Conversation
	for key := range lister.Keys() {
		conv, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}
