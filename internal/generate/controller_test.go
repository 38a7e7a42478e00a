package generate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadloom/conversation-sync/internal/bus"
	"github.com/threadloom/conversation-sync/internal/llm"
	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/internal/store"
	"github.com/threadloom/conversation-sync/internal/tree"
	"github.com/threadloom/conversation-sync/pkg/logger"
)

type chunk struct {
	token string
	index int
}

// scriptedBackend emits a fixed chunk script. With hold set it then blocks
// until the stream context is cancelled, simulating a stalled or long
// backend.
type scriptedBackend struct {
	chunks  []chunk
	content string
	hold    bool
	err     error

	mu      sync.Mutex
	started chan struct{}
}

func (b *scriptedBackend) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	b.mu.Lock()
	if b.started != nil {
		close(b.started)
		b.started = nil
	}
	b.mu.Unlock()

	for _, c := range b.chunks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := cb(c.token, c.index); err != nil {
			return nil, err
		}
	}

	if b.hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}

	tokensOut := len(b.chunks)
	return &llm.CompletionResponse{
		Content:    b.content,
		Model:      "scripted",
		TokensOut:  tokensOut,
		StopReason: "end_turn",
	}, nil
}

func (b *scriptedBackend) FormatMessages(messages []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(messages))
	for i, msg := range messages {
		out[i] = llm.ChatMessage{Role: string(msg.Role), Content: msg.Content}
	}
	return out
}

func (b *scriptedBackend) HealthCheck(ctx context.Context) error { return nil }
func (b *scriptedBackend) Name() string                          { return "scripted" }
func (b *scriptedBackend) Models() []string                      { return nil }

func newTestController(t *testing.T, backend llm.Client, tokenTimeout time.Duration) (*Controller, *tree.Store) {
	t.Helper()
	changeBus := bus.NewMemoryBus(1024, logger.NewNop())
	treeStore := tree.NewStore(store.NewMemoryStore(), changeBus, logger.NewNop())
	return NewController(treeStore, backend, 256, tokenTimeout, logger.NewNop()), treeStore
}

func newConversation(t *testing.T, s *tree.Store, contents ...string) *model.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := s.CreateRoot(ctx, &model.CreateConversationRequest{Name: "test"})
	require.NoError(t, err)

	role := model.RoleUser
	for _, content := range contents {
		_, err := s.AppendMessage(ctx, conv.ID, role, content, "")
		require.NoError(t, err)
		if role == model.RoleUser {
			role = model.RoleAssistant
		} else {
			role = model.RoleUser
		}
	}
	conv, err = s.Get(ctx, conv.ID)
	require.NoError(t, err)
	return conv
}

func TestPromptStreamsAndPersists(t *testing.T) {
	backend := &scriptedBackend{
		chunks:  []chunk{{"Hel", 0}, {"lo", 1}},
		content: "Hello",
	}
	c, s := newTestController(t, backend, time.Second)
	conv := newConversation(t, s)

	var got []string
	final, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModePrompt,
		Prompt:         "hi there",
	}, func(token string, index int) error {
		got = append(got, token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)
	assert.Equal(t, "Hello", final.Content)
	assert.Equal(t, model.RoleAssistant, final.Role)

	stored, err := s.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "hi there", stored.Messages[0].Content)
	assert.Equal(t, model.RoleUser, stored.Messages[0].Role)
	assert.Equal(t, "Hello", stored.Messages[1].Content)
	assert.Equal(t, model.StateIdle, c.State(conv.ID))
}

func TestSecondStartConflictsWithoutSecondPlaceholder(t *testing.T) {
	started := make(chan struct{})
	backend := &scriptedBackend{
		chunks:  []chunk{{"partial", 0}},
		hold:    true,
		started: started,
	}
	c, s := newTestController(t, backend, time.Minute)
	conv := newConversation(t, s, "u1")

	done := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), &model.GenerationRequest{
			ConversationID: conv.ID,
			Mode:           model.ModeResend,
		}, nil)
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first generation never started")
	}

	_, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeResend,
	}, nil)
	assert.ErrorIs(t, err, model.ErrConflict)

	// One user message plus exactly one placeholder.
	stored, err := s.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)

	require.NoError(t, c.Cancel(conv.ID))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("first generation never settled")
	}
}

func TestCancelPersistsAnnotatedPartial(t *testing.T) {
	started := make(chan struct{})
	backend := &scriptedBackend{
		chunks:  []chunk{{"partial answer", 0}},
		hold:    true,
		started: started,
	}
	c, s := newTestController(t, backend, time.Minute)
	conv := newConversation(t, s, "u1")

	done := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), &model.GenerationRequest{
			ConversationID: conv.ID,
			Mode:           model.ModeResend,
		}, nil)
		done <- err
	}()

	<-started
	// Give the chunk time to land before cancelling.
	require.Eventually(t, func() bool {
		stored, err := s.Get(context.Background(), conv.ID)
		return err == nil && len(stored.Messages) == 2 && stored.Messages[1].Content != ""
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel(conv.ID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("generation never settled")
	}

	stored, err := s.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	content := stored.Messages[1].Content
	assert.Contains(t, content, "partial answer", "partial work must survive")
	assert.Contains(t, content, "[generation cancelled]")
	assert.Equal(t, model.StateIdle, c.State(conv.ID))

	// Cancel with nothing in flight is NotFound, not a silent no-op.
	assert.ErrorIs(t, c.Cancel(conv.ID), model.ErrNotFound)
}

func TestBackendErrorAnnotatesPartial(t *testing.T) {
	backend := &scriptedBackend{
		chunks: []chunk{{"half", 0}},
		err:    errors.New("connection reset"),
	}
	c, s := newTestController(t, backend, time.Minute)
	conv := newConversation(t, s, "u1")

	msg, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeResend,
	}, nil)
	assert.ErrorIs(t, err, model.ErrBackend)
	require.NotNil(t, msg)
	assert.Contains(t, msg.Content, "half")
	assert.Contains(t, msg.Content, "[generation failed")
	assert.Equal(t, model.StateIdle, c.State(conv.ID))
}

func TestTokenTimeoutIsBackendFailure(t *testing.T) {
	backend := &scriptedBackend{hold: true}
	c, s := newTestController(t, backend, 30*time.Millisecond)
	conv := newConversation(t, s, "u1")

	msg, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeResend,
	}, nil)
	assert.ErrorIs(t, err, model.ErrBackend)
	require.NotNil(t, msg)
	assert.Contains(t, msg.Content, "no output in time")
	assert.Equal(t, model.StateIdle, c.State(conv.ID))
}

func TestRegenerateRewritesInPlace(t *testing.T) {
	backend := &scriptedBackend{
		chunks:  []chunk{{"better answer", 0}},
		content: "better answer",
	}
	c, s := newTestController(t, backend, time.Second)
	conv := newConversation(t, s, "u1", "a1")
	target := conv.Messages[1]

	final, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeRegenerate,
		MessageID:      target.ID,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, target.ID, final.ID, "regenerate keeps the message id")

	stored, err := s.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2, "no new message is created")
	assert.Equal(t, "better answer", stored.Messages[1].Content)
}

func TestRegenerateValidation(t *testing.T) {
	backend := &scriptedBackend{content: "x", chunks: []chunk{{"x", 0}}}
	c, s := newTestController(t, backend, time.Second)
	conv := newConversation(t, s, "u1", "a1")

	// Targeting a user message is invalid.
	_, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeRegenerate,
		MessageID:      conv.Messages[0].ID,
	}, nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	// Targeting a message deleted by a concurrent request is NotFound.
	_, err = c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeRegenerate,
		MessageID:      "01900000-0000-7000-8000-000000000000",
	}, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResendValidation(t *testing.T) {
	backend := &scriptedBackend{content: "x", chunks: []chunk{{"x", 0}}}
	c, s := newTestController(t, backend, time.Second)

	// Trailing assistant message: resend is invalid.
	conv := newConversation(t, s, "u1", "a1")
	_, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeResend,
	}, nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	// Empty conversation: nothing to resend.
	empty := newConversation(t, s)
	_, err = c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: empty.ID,
		Mode:           model.ModeResend,
	}, nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestResendDoesNotDuplicateUserMessage(t *testing.T) {
	backend := &scriptedBackend{content: "reply", chunks: []chunk{{"reply", 0}}}
	c, s := newTestController(t, backend, time.Second)
	conv := newConversation(t, s, "u1")

	_, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeResend,
	}, nil)
	require.NoError(t, err)

	stored, err := s.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, model.RoleUser, stored.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, stored.Messages[1].Role)
}

func TestOutOfOrderChunksAreReordered(t *testing.T) {
	backend := &scriptedBackend{
		chunks:  []chunk{{"b", 1}, {"a", 0}, {"c", 2}},
		content: "abc",
	}
	c, s := newTestController(t, backend, time.Second)
	conv := newConversation(t, s, "u1")

	var forwarded strings.Builder
	_, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeResend,
	}, func(token string, index int) error {
		forwarded.WriteString(token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", forwarded.String(), "tokens must be forwarded in index order")

	stored, err := s.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", stored.Messages[1].Content)
}

func TestBeginClaimsSlotBeforeStreaming(t *testing.T) {
	backend := &scriptedBackend{chunks: []chunk{{"ok", 0}}, content: "ok"}
	c, s := newTestController(t, backend, time.Second)
	conv := newConversation(t, s, "u1")

	run, err := c.Begin(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeResend,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateGenerating, c.State(conv.ID))

	// Claiming the slot allocates nothing in the conversation.
	stored, err := s.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 1)

	// A racing request loses synchronously, before any stream starts.
	_, err = c.Begin(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeResend,
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	final, err := run(nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", final.Content)
	assert.Equal(t, model.StateIdle, c.State(conv.ID))

	// The slot frees once the run settles.
	run2, err := c.Begin(context.Background(), &model.GenerationRequest{
		ConversationID: conv.ID,
		Mode:           model.ModeRegenerate,
		MessageID:      final.ID,
	})
	require.NoError(t, err)
	_, err = run2(nil)
	require.NoError(t, err)
}

func TestStartOnUnknownConversation(t *testing.T) {
	backend := &scriptedBackend{}
	c, _ := newTestController(t, backend, time.Second)

	_, err := c.Start(context.Background(), &model.GenerationRequest{
		ConversationID: "01900000-0000-7000-8000-000000000000",
		Mode:           model.ModePrompt,
		Prompt:         "hi",
	}, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
