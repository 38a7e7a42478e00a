package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry in a conversation's ordered message list. The id is
// stable for the lifetime of the message: edits and regeneration rewrite
// Content in place and never change ID or position.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	AuthorID  string    `json:"author_id,omitempty"`

	// LLM metadata, populated for assistant messages after a completed
	// generation.
	Model      *string `json:"model,omitempty"`
	TokensIn   *int    `json:"tokens_in,omitempty"`
	TokensOut  *int    `json:"tokens_out,omitempty"`
	LatencyMs  *int64  `json:"latency_ms,omitempty"`
	StopReason *string `json:"stop_reason,omitempty"`

	StreamStarted *time.Time `json:"stream_started,omitempty"`
	StreamEnded   *time.Time `json:"stream_ended,omitempty"`
}

// AppendMessageRequest is the request to append a message directly, outside
// the generation path.
type AppendMessageRequest struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// EditMessageRequest is the request to edit a message's content in place.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// TokenEvent is one streamed token on the private per-request channel.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// MessageCompleteEvent marks the end of a generation stream.
type MessageCompleteEvent struct {
	Message Message `json:"message"`
}

// ErrorEvent is an error delivered over a stream.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps long-lived streams alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
