package model

// GenerationMode selects how a generation request produces its output.
type GenerationMode string

const (
	// ModePrompt appends a new user message and generates a fresh
	// assistant reply after it.
	ModePrompt GenerationMode = "prompt"
	// ModeRegenerate rewrites an existing assistant message in place.
	ModeRegenerate GenerationMode = "regenerate"
	// ModeResend re-issues generation for the trailing user message
	// without appending a duplicate.
	ModeResend GenerationMode = "resend"
)

// GenerationRequest asks the controller to produce an assistant message for
// one conversation. At most one request may be in flight per conversation;
// a second is rejected with Conflict, never queued.
type GenerationRequest struct {
	ConversationID string         `json:"conversation_id"`
	Mode           GenerationMode `json:"mode"`
	MessageID      string         `json:"message_id,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	Model          string         `json:"model,omitempty"`
	AuthorID       string         `json:"author_id,omitempty"`
}

// GenerationState is the controller's per-conversation state. A failed
// generation settles back to Idle; the failure itself is carried by the
// annotated message and the error event, not by a lingering state.
type GenerationState string

const (
	StateIdle       GenerationState = "idle"
	StateGenerating GenerationState = "generating"
)
