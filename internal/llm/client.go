// Package llm provides the pluggable generation backend contract and its
// provider implementations.
package llm

import (
	"context"

	"github.com/threadloom/conversation-sync/internal/model"
)

// StreamCallback is called once per token chunk during streaming. The index
// is the chunk's position in the stream; transports that reassemble chunked
// delivery may invoke it out of order, and consumers must reorder by index.
type StreamCallback func(token string, index int) error

// CompletionRequest represents one generation dispatch.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage is a backend-formatted message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a finished generation.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the pluggable generation backend. The generation controller
// formats the conversation's messages with FormatMessages before dispatch,
// so provider-specific role handling never leaks past this interface.
type Client interface {
	// CompleteStream streams token chunks through the callback and returns
	// the assembled response.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// FormatMessages maps conversation messages into the provider's wire
	// roles.
	FormatMessages(messages []model.Message) []ChatMessage

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of generation provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a backend client for the named provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return NewAnthropicClient(apiKey)
	}
}
