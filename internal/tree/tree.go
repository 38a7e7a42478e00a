// Package tree implements the conversation tree store: the single writer of
// structural conversation state. Conversations form a forest linked by
// parent references; branching copies message history at the fork point, and
// deletion removes whole subtrees atomically.
package tree

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadloom/conversation-sync/internal/bus"
	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/internal/store"
	"github.com/threadloom/conversation-sync/pkg/logger"
	"github.com/threadloom/conversation-sync/pkg/metrics"
)

// Store owns the canonical in-memory forest and keeps the persistence layer
// and change bus in step with it. All structural mutations are serialized by
// one writer lock; events are published while the lock is held so per-
// resource publication order always matches application order.
type Store struct {
	logger  *logger.Logger
	records store.Store
	bus     bus.Bus

	mu    sync.RWMutex
	nodes map[string]*model.Conversation
}

// NewStore creates a tree store over the given persistence layer and bus.
func NewStore(records store.Store, changeBus bus.Bus, log *logger.Logger) *Store {
	return &Store{
		logger:  log,
		records: records,
		bus:     changeBus,
		nodes:   make(map[string]*model.Conversation),
	}
}

// Load populates the forest from the persistence layer. Orphaned nodes
// (parent deleted mid-write in a previous run) are re-anchored as roots so
// the forest invariant holds.
func (s *Store) Load(ctx context.Context) error {
	records, err := s.records.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range records {
		s.nodes[conv.ID] = conv
	}
	for _, conv := range s.nodes {
		if conv.ParentID != "" {
			if _, ok := s.nodes[conv.ParentID]; !ok {
				s.logger.Warn("re-anchoring orphaned conversation as root",
					zap.String("conversation_id", conv.ID),
					zap.String("missing_parent_id", conv.ParentID),
				)
				conv.ParentID = ""
			}
		}
	}

	metrics.ConversationsActive.Set(float64(len(s.nodes)))
	return nil
}

// CreateRoot creates a parentless conversation with no messages.
func (s *Store) CreateRoot(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	now := time.Now()
	conv := &model.Conversation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Name:           req.Name,
		Messages:       []model.Message{},
		Participants:   append([]string(nil), req.Participants...),
		CreatedAt:      now,
		LastModifiedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.records.Put(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to persist conversation: %w", err)
	}
	s.nodes[conv.ID] = conv
	metrics.ConversationsActive.Set(float64(len(s.nodes)))

	s.publish(ctx, model.EventCreate, conv)

	s.logger.Info("conversation created", zap.String("conversation_id", conv.ID))
	return s.viewLocked(conv), nil
}

// Branch creates a child of conversationID whose initial message list is the
// source's prefix up to and including cutMessageID. The copy is deep:
// subsequent edits on either side never cross the fork point.
func (s *Store) Branch(ctx context.Context, conversationID, cutMessageID, name string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.nodes[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}

	cut := src.MessageIndex(cutMessageID)
	if cut < 0 {
		return nil, fmt.Errorf("message %s: %w", cutMessageID, model.ErrNotFound)
	}

	if name == "" {
		name = src.Name + " (branch)"
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ParentID:       src.ID,
		Name:           name,
		Messages:       make([]model.Message, cut+1),
		Participants:   append([]string(nil), src.Participants...),
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	copy(conv.Messages, src.Messages[:cut+1])

	if err := s.records.Put(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to persist branch: %w", err)
	}
	s.nodes[conv.ID] = conv
	metrics.ConversationsActive.Set(float64(len(s.nodes)))

	s.publish(ctx, model.EventCreate, conv)

	s.logger.Info("conversation branched",
		zap.String("conversation_id", conv.ID),
		zap.String("source_id", src.ID),
		zap.String("cut_message_id", cutMessageID),
	)
	return s.viewLocked(conv), nil
}

// Delete removes the conversation and every descendant. The whole subtree
// is collected and removed under the writer lock, so a racing Branch either
// completes before the delete or observes NotFound; it never sees a
// half-deleted tree.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[conversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}

	doomed := s.subtreeLocked(conversationID)
	for _, id := range doomed {
		if err := s.records.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete conversation %s: %w", id, err)
		}
	}
	for _, id := range doomed {
		delete(s.nodes, id)
		s.publishDelete(ctx, id)
	}
	metrics.ConversationsActive.Set(float64(len(s.nodes)))

	s.logger.Info("conversation subtree deleted",
		zap.String("conversation_id", conversationID),
		zap.Int("removed", len(doomed)),
	)
	return nil
}

// Get returns a copy of the conversation with derived ChildIDs.
func (s *Store) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	return s.viewLocked(conv), nil
}

// Update renames the conversation and/or replaces its participant set.
func (s *Store) Update(ctx context.Context, conversationID string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.nodes[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}

	if req.Name != nil {
		conv.Name = *req.Name
	}
	if req.Participants != nil {
		conv.Participants = append([]string(nil), req.Participants...)
	}
	conv.LastModifiedAt = time.Now()

	if err := s.records.Put(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to persist conversation: %w", err)
	}
	s.publish(ctx, model.EventUpdate, conv)

	return s.viewLocked(conv), nil
}

// ResolveDisplayTree groups all conversations into root-anchored trees.
// Roots are ordered by effective recency (max LastModifiedAt anywhere in
// the subtree) descending; each node's children by creation time ascending.
func (s *Store) ResolveDisplayTree(ctx context.Context) ([]*model.TreeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := s.childIndexLocked()

	var build func(id string) *model.TreeNode
	build = func(id string) *model.TreeNode {
		conv := s.nodes[id]
		node := &model.TreeNode{
			Conversation:     s.viewLocked(conv),
			EffectiveRecency: conv.LastModifiedAt,
		}
		kids := append([]string(nil), children[id]...)
		sort.Slice(kids, func(i, j int) bool {
			return s.nodes[kids[i]].CreatedAt.Before(s.nodes[kids[j]].CreatedAt)
		})
		for _, kid := range kids {
			child := build(kid)
			node.Children = append(node.Children, child)
			if child.EffectiveRecency.After(node.EffectiveRecency) {
				node.EffectiveRecency = child.EffectiveRecency
			}
		}
		return node
	}

	var roots []*model.TreeNode
	for id, conv := range s.nodes {
		if conv.ParentID == "" {
			roots = append(roots, build(id))
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].EffectiveRecency.After(roots[j].EffectiveRecency)
	})

	return roots, nil
}

// LatestDescendant returns the conversation with the maximum LastModifiedAt
// anywhere in the subtree rooted at rootID, so list views can show a root's
// most recently active branch as its representative row.
func (s *Store) LatestDescendant(ctx context.Context, rootID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[rootID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", rootID, model.ErrNotFound)
	}

	var latest *model.Conversation
	for _, id := range s.subtreeLocked(rootID) {
		conv := s.nodes[id]
		if latest == nil || conv.LastModifiedAt.After(latest.LastModifiedAt) {
			latest = conv
		}
	}
	return s.viewLocked(latest), nil
}

// publish emits a change event carrying the full resource after the change.
// Callers hold the writer lock, which pins publication order to application
// order per resource.
func (s *Store) publish(ctx context.Context, eventType model.EventType, conv *model.Conversation) {
	event := model.ChangeEvent{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ResourceType: model.ResourceConversation,
		EventType:    eventType,
		ResourceID:   conv.ID,
		Payload:      s.viewLocked(conv),
		CreatedAt:    time.Now(),
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish change event",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

func (s *Store) publishDelete(ctx context.Context, conversationID string) {
	event := model.ChangeEvent{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ResourceType: model.ResourceConversation,
		EventType:    model.EventDelete,
		ResourceID:   conversationID,
		CreatedAt:    time.Now(),
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish delete event",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// subtreeLocked returns the ids reachable from rootID, parents before
// children.
func (s *Store) subtreeLocked(rootID string) []string {
	children := s.childIndexLocked()

	out := []string{rootID}
	for i := 0; i < len(out); i++ {
		out = append(out, children[out[i]]...)
	}
	return out
}

func (s *Store) childIndexLocked() map[string][]string {
	children := make(map[string][]string, len(s.nodes))
	for id, conv := range s.nodes {
		if conv.ParentID != "" {
			children[conv.ParentID] = append(children[conv.ParentID], id)
		}
	}
	return children
}

// viewLocked clones a node and fills in its derived child ids.
func (s *Store) viewLocked(conv *model.Conversation) *model.Conversation {
	out := conv.Clone()
	var kids []string
	for id, other := range s.nodes {
		if other.ParentID == conv.ID {
			kids = append(kids, id)
		}
	}
	sort.Slice(kids, func(i, j int) bool {
		return s.nodes[kids[i]].CreatedAt.Before(s.nodes[kids[j]].CreatedAt)
	})
	out.ChildIDs = kids
	return out
}
