// Package model defines data structures for the conversation core.
package model

import (
	"time"
)

// Conversation is one node in a conversation forest. A conversation with an
// empty ParentID is a root; a branch carries a copy of its ancestor's
// message prefix up to the fork point plus its own continuation.
type Conversation struct {
	ID             string    `json:"id"`
	ParentID       string    `json:"parent_id,omitempty"`
	Name           string    `json:"name"`
	Messages       []Message `json:"messages"`
	Participants   []string  `json:"participants,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`

	// ChildIDs is derived at read time from ParentID references and is
	// never persisted.
	ChildIDs []string `json:"child_ids,omitempty"`
}

// Clone returns a deep copy. Branches copy rather than reference history,
// so sibling edits never leak across the fork point.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	out.Participants = append([]string(nil), c.Participants...)
	out.ChildIDs = append([]string(nil), c.ChildIDs...)
	return &out
}

// MessageIndex returns the position of a message id, or -1.
func (c *Conversation) MessageIndex(messageID string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// LastMessage returns the trailing message, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// TreeNode is one node of the display forest returned by the tree store:
// the conversation with resolved children, ordered for rendering.
type TreeNode struct {
	Conversation *Conversation `json:"conversation"`
	Children     []*TreeNode   `json:"children,omitempty"`

	// EffectiveRecency is the maximum LastModifiedAt over the whole
	// subtree; root ordering uses it so an active branch surfaces its tree.
	EffectiveRecency time.Time `json:"effective_recency"`
}

// CreateConversationRequest is the request to create a new root conversation.
type CreateConversationRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants,omitempty"`
}

// BranchConversationRequest is the request to fork a conversation at a
// cut point.
type BranchConversationRequest struct {
	CutMessageID string `json:"cut_message_id"`
	Name         string `json:"name,omitempty"`
}

// UpdateConversationRequest is the request to rename a conversation or
// replace its participant set. Nil Participants leaves the set unchanged.
type UpdateConversationRequest struct {
	Name         *string  `json:"name,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// ListConversationsResponse is the display forest for list views.
type ListConversationsResponse struct {
	Roots []*TreeNode `json:"roots"`
	Total int         `json:"total"`
}
