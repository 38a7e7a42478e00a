// Package reconcile implements per-client-session reconciliation between
// optimistic local mutations and authoritative change bus broadcasts. Any
// UI layer (web, native, terminal) can drive it through ApplyOptimistic,
// Revert, and ApplyRemoteEvent.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/threadloom/conversation-sync/internal/model"
)

// Summary is the list-row projection of a conversation. Summaries keep
// updating even while active-edit suppression holds the detail view steady.
type Summary struct {
	ID             string    `json:"id"`
	ParentID       string    `json:"parent_id,omitempty"`
	Name           string    `json:"name"`
	MessageCount   int       `json:"message_count"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// TxnID identifies one optimistic mutation.
type TxnID int

// Mutation is an optimistic local edit applied to the session's copy of a
// conversation.
type Mutation func(*model.Conversation)

type snapshot struct {
	resourceID string
	prev       *model.Conversation
}

// Reconciler holds one client session's view of server state: detail
// resources, list summaries, a selection, and per-resource activity flags
// marking what the user is actively editing.
type Reconciler struct {
	mu         sync.Mutex
	resources  map[string]*model.Conversation
	summaries  map[string]Summary
	active     map[string]bool
	snapshots  map[TxnID]snapshot
	selectedID string
	nextTxn    TxnID
}

// New creates an empty reconciler.
func New() *Reconciler {
	return &Reconciler{
		resources: make(map[string]*model.Conversation),
		summaries: make(map[string]Summary),
		active:    make(map[string]bool),
		snapshots: make(map[TxnID]snapshot),
	}
}

// Seed installs full server state, replacing the local view. Used on
// connect and when the session must resynchronize after being dropped from
// the bus.
func (r *Reconciler) Seed(conversations []*model.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resources = make(map[string]*model.Conversation, len(conversations))
	r.summaries = make(map[string]Summary, len(conversations))
	for _, conv := range conversations {
		c := conv.Clone()
		r.resources[c.ID] = c
		r.summaries[c.ID] = summarize(c)
	}
	if _, ok := r.resources[r.selectedID]; !ok {
		r.selectedID = ""
	}
}

// ApplyOptimistic applies a local mutation immediately, before the server
// round trip completes, and records the pre-mutation state for Revert.
func (r *Reconciler) ApplyOptimistic(resourceID string, mutate Mutation) (TxnID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.resources[resourceID]
	if !ok {
		return 0, fmt.Errorf("resource %s: %w", resourceID, model.ErrNotFound)
	}

	r.nextTxn++
	txn := r.nextTxn
	r.snapshots[txn] = snapshot{resourceID: resourceID, prev: conv.Clone()}

	mutate(conv)
	r.summaries[resourceID] = summarize(conv)

	return txn, nil
}

// Confirm discards the snapshot after a successful round trip. The state
// already reflects the change; the eventual change event reapplies the same
// value idempotently.
func (r *Reconciler) Confirm(txn TxnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, txn)
}

// Revert restores the pre-mutation snapshot after a failed round trip. If
// the resource was deleted remotely in the meantime, the delete wins and
// Revert is a no-op.
func (r *Reconciler) Revert(txn TxnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.snapshots[txn]
	if !ok {
		return fmt.Errorf("transaction %d: %w", txn, model.ErrNotFound)
	}
	delete(r.snapshots, txn)

	if _, ok := r.resources[snap.resourceID]; !ok {
		return nil
	}
	r.resources[snap.resourceID] = snap.prev
	r.summaries[snap.resourceID] = summarize(snap.prev)
	return nil
}

// ApplyRemoteEvent merges one change bus event into the local view.
// Updates to a resource the user is actively editing refresh only the
// list-row summary, never the detail view, so uncommitted keystrokes
// survive. Deletes always take precedence over suppression.
func (r *Reconciler) ApplyRemoteEvent(event model.ChangeEvent) {
	if event.ResourceType != model.ResourceConversation {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if event.EventType == model.EventDelete {
		delete(r.resources, event.ResourceID)
		delete(r.summaries, event.ResourceID)
		delete(r.active, event.ResourceID)
		if r.selectedID == event.ResourceID {
			r.selectedID = ""
		}
		return
	}

	conv, ok := decodeConversation(event.Payload)
	if !ok {
		return
	}

	r.summaries[conv.ID] = summarize(conv)
	if r.active[conv.ID] {
		return
	}
	r.resources[conv.ID] = conv
}

// SetActive marks a resource as actively edited by the user. This is the
// portable activity flag; it is owned by the session, not derived from any
// UI focus query.
func (r *Reconciler) SetActive(resourceID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active {
		r.active[resourceID] = true
	} else {
		delete(r.active, resourceID)
	}
}

// Select sets the session's selected conversation.
func (r *Reconciler) Select(resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[resourceID]; ok {
		r.selectedID = resourceID
	}
}

// Selected returns the selected conversation id, empty when the selection
// was cleared (e.g. by a remote delete).
func (r *Reconciler) Selected() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedID
}

// Get returns a copy of the session's detail view for a resource.
func (r *Reconciler) Get(resourceID string) (*model.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.resources[resourceID]
	if !ok {
		return nil, false
	}
	return conv.Clone(), true
}

// Summary returns the list-row projection for a resource.
func (r *Reconciler) Summary(resourceID string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[resourceID]
	return s, ok
}

func summarize(conv *model.Conversation) Summary {
	return Summary{
		ID:             conv.ID,
		ParentID:       conv.ParentID,
		Name:           conv.Name,
		MessageCount:   len(conv.Messages),
		LastModifiedAt: conv.LastModifiedAt,
	}
}

// decodeConversation accepts either an in-process *model.Conversation or a
// JSON-decoded payload from a transport hop.
func decodeConversation(payload any) (*model.Conversation, bool) {
	switch v := payload.(type) {
	case *model.Conversation:
		return v.Clone(), true
	case model.Conversation:
		return v.Clone(), true
	case nil:
		return nil, false
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var conv model.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, false
		}
		return &conv, true
	}
}
