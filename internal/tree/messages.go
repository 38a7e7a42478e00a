package tree

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/pkg/metrics"
)

// AppendMessage appends a message to the conversation, persists the record,
// and publishes an update event. The returned copy carries the generated id.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role model.Role, content, authorID string) (*model.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q: %w", role, model.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}

	msg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		AuthorID:  authorID,
	}
	conv.Messages = append(conv.Messages, msg)
	conv.LastModifiedAt = msg.CreatedAt

	if err := s.records.Put(ctx, conv); err != nil {
		conv.Messages = conv.Messages[:len(conv.Messages)-1]
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	s.publish(ctx, model.EventUpdate, conv)
	metrics.MessagesTotal.WithLabelValues(string(role)).Inc()

	return &msg, nil
}

// EditMessage replaces a message's content in place. The id and position
// never change across edits.
func (s *Store) EditMessage(ctx context.Context, conversationID, messageID, content string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	i := conv.MessageIndex(messageID)
	if i < 0 {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}

	prev := conv.Messages[i].Content
	conv.Messages[i].Content = content
	conv.LastModifiedAt = time.Now()

	if err := s.records.Put(ctx, conv); err != nil {
		conv.Messages[i].Content = prev
		return nil, fmt.Errorf("failed to persist edit: %w", err)
	}
	s.publish(ctx, model.EventUpdate, conv)

	msg := conv.Messages[i]
	return &msg, nil
}

// DeleteMessage removes a single message without touching tree structure.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	i := conv.MessageIndex(messageID)
	if i < 0 {
		return fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}

	removed := conv.Messages[i]
	conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
	conv.LastModifiedAt = time.Now()

	if err := s.records.Put(ctx, conv); err != nil {
		conv.Messages = append(conv.Messages[:i], append([]model.Message{removed}, conv.Messages[i:]...)...)
		return fmt.Errorf("failed to persist message delete: %w", err)
	}
	s.publish(ctx, model.EventUpdate, conv)

	return nil
}

// AppendContent accumulates a streamed token onto a message in memory only.
// Partial tokens are not durable resource state: persistence and the update
// event happen once at FinalizeMessage or AnnotateMessage. The write section
// is short so concurrent reads of the in-progress placeholder stay cheap.
func (s *Store) AppendContent(ctx context.Context, conversationID, messageID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	i := conv.MessageIndex(messageID)
	if i < 0 {
		return fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}

	conv.Messages[i].Content += delta
	return nil
}

// ResetContent clears a message's accumulated content in memory, used when
// regeneration restarts a message in place.
func (s *Store) ResetContent(ctx context.Context, conversationID, messageID string, started time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	i := conv.MessageIndex(messageID)
	if i < 0 {
		return fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}

	conv.Messages[i].Content = ""
	conv.Messages[i].StreamStarted = &started
	conv.Messages[i].StreamEnded = nil
	return nil
}

// FinalizeMessage stamps a completed generation onto the message, persists
// the conversation, and publishes the update.
func (s *Store) FinalizeMessage(ctx context.Context, conversationID, messageID string, meta model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	i := conv.MessageIndex(messageID)
	if i < 0 {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}

	msg := &conv.Messages[i]
	if meta.Content != "" {
		msg.Content = meta.Content
	}
	msg.Model = meta.Model
	msg.TokensIn = meta.TokensIn
	msg.TokensOut = meta.TokensOut
	msg.LatencyMs = meta.LatencyMs
	msg.StopReason = meta.StopReason
	msg.StreamStarted = meta.StreamStarted
	msg.StreamEnded = meta.StreamEnded
	conv.LastModifiedAt = time.Now()

	if err := s.records.Put(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	s.publish(ctx, model.EventUpdate, conv)

	out := *msg
	return &out, nil
}

// AnnotateMessage appends a visible annotation to whatever content the
// message has accumulated, then persists and publishes. Used on generation
// error and cancellation so partial work is never silently discarded.
func (s *Store) AnnotateMessage(ctx context.Context, conversationID, messageID, annotation string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	i := conv.MessageIndex(messageID)
	if i < 0 {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}

	msg := &conv.Messages[i]
	if msg.Content != "" {
		msg.Content += "\n"
	}
	msg.Content += annotation
	now := time.Now()
	msg.StreamEnded = &now
	conv.LastModifiedAt = now

	if err := s.records.Put(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to persist annotation: %w", err)
	}
	s.publish(ctx, model.EventUpdate, conv)

	s.logger.Info("message annotated",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID),
	)

	out := *msg
	return &out, nil
}
