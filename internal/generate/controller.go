// Package generate implements the generation controller: it accepts
// requests to produce assistant output for one conversation, enforces
// at-most-one in-flight generation per conversation, drives the pluggable
// streaming backend, and republishes results.
package generate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadloom/conversation-sync/internal/llm"
	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/internal/tree"
	"github.com/threadloom/conversation-sync/pkg/logger"
	"github.com/threadloom/conversation-sync/pkg/metrics"
)

// TokenSink receives each streamed token for the requesting client only.
// Tokens reach the sink strictly in stream order; this is the low-latency
// private channel, distinct from the change bus.
type TokenSink func(token string, index int) error

// ErrCancelled marks a client-initiated cancellation of an in-flight
// generation.
var ErrCancelled = errors.New("generation cancelled")

// Controller runs generations. The in-flight registry is the only
// mutex-like shared state needed to prevent double generation; unrelated
// conversations generate fully in parallel.
type Controller struct {
	tree         *tree.Store
	backend      llm.Client
	logger       *logger.Logger
	maxTokens    int
	tokenTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	cancel    context.CancelFunc
	cancelled bool
	timedOut  bool
}

// NewController creates a generation controller. tokenTimeout bounds how
// long a stream may go without producing a token before it is treated as a
// backend failure.
func NewController(treeStore *tree.Store, backend llm.Client, maxTokens int, tokenTimeout time.Duration, log *logger.Logger) *Controller {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if tokenTimeout <= 0 {
		tokenTimeout = 30 * time.Second
	}
	return &Controller{
		tree:         treeStore,
		backend:      backend,
		logger:       log,
		maxTokens:    maxTokens,
		tokenTimeout: tokenTimeout,
		inflight:     make(map[string]*flight),
	}
}

// State returns the controller's state for one conversation.
func (c *Controller) State(conversationID string) model.GenerationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[conversationID]; ok {
		return model.StateGenerating
	}
	return model.StateIdle
}

// Cancel stops an in-flight generation. The accumulated partial content is
// persisted with a visible annotation by the Start call it interrupts, so
// cancellation always leaves a durable trace.
func (c *Controller) Cancel(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.inflight[conversationID]
	if !ok {
		return fmt.Errorf("no generation in flight for %s: %w", conversationID, model.ErrNotFound)
	}
	f.cancelled = true
	f.cancel()
	return nil
}

// Begin atomically claims the conversation's in-flight slot without
// touching the conversation, so transports can reject a concurrent request
// before committing to a streaming response. It fails with Conflict when a
// generation is already running. The returned function performs the
// generation, blocks until it settles, and releases the slot; it must be
// called exactly once.
func (c *Controller) Begin(ctx context.Context, req *model.GenerationRequest) (func(sink TokenSink) (*model.Message, error), error) {
	if c.backend == nil {
		return nil, fmt.Errorf("no generation backend configured: %w", model.ErrBackend)
	}

	genCtx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}

	c.mu.Lock()
	if _, ok := c.inflight[req.ConversationID]; ok {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("generation already in flight for %s: %w", req.ConversationID, model.ErrConflict)
	}
	c.inflight[req.ConversationID] = f
	c.mu.Unlock()

	run := func(sink TokenSink) (*model.Message, error) {
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, req.ConversationID)
			c.mu.Unlock()
		}()

		started := time.Now()
		msg, err := c.run(genCtx, req, f, sink, started)

		outcome := "success"
		if err != nil {
			switch {
			case errors.Is(err, ErrCancelled):
				outcome = "cancelled"
			case errors.Is(err, model.ErrBackend):
				outcome = "backend_error"
			default:
				outcome = "error"
			}
		}
		metrics.RecordGeneration(req.Model, string(req.Mode), outcome, time.Since(started).Seconds(), tokenCount(msg))

		return msg, err
	}
	return run, nil
}

// Start claims the slot and runs the generation in one call, streaming
// tokens to sink. It blocks the caller (the requesting client's
// connection) and returns the final message on success or the annotated
// partial state alongside the error.
func (c *Controller) Start(ctx context.Context, req *model.GenerationRequest, sink TokenSink) (*model.Message, error) {
	run, err := c.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return run(sink)
}

// run prepares the placeholder, streams the backend response into it, and
// settles the outcome.
func (c *Controller) run(ctx context.Context, req *model.GenerationRequest, f *flight, sink TokenSink, started time.Time) (*model.Message, error) {
	placeholder, history, err := c.prepare(ctx, req, started)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithConversation(req.ConversationID)
	log.Info("generation started",
		zap.String("mode", string(req.Mode)),
		zap.String("message_id", placeholder.ID),
	)

	resp, streamErr := c.stream(ctx, req, f, placeholder.ID, history, sink)

	if streamErr != nil {
		return c.settleFailure(req, f, placeholder.ID, streamErr, log)
	}

	now := time.Now()
	final, err := c.tree.FinalizeMessage(context.WithoutCancel(ctx), req.ConversationID, placeholder.ID, model.Message{
		Content:       resp.Content,
		Model:         &resp.Model,
		TokensIn:      &resp.TokensIn,
		TokensOut:     &resp.TokensOut,
		LatencyMs:     &resp.LatencyMs,
		StopReason:    &resp.StopReason,
		StreamStarted: &started,
		StreamEnded:   &now,
	})
	if err != nil {
		// The conversation vanished under us, most likely a concurrent
		// subtree delete. Nothing left to persist to.
		log.Warn("generation finished but conversation is gone", zap.Error(err))
		return nil, err
	}

	log.Info("generation complete",
		zap.String("message_id", final.ID),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	return final, nil
}

// prepare validates the request for its mode and allocates (or reuses, for
// regenerate) the placeholder message. It returns the placeholder and the
// history to send to the backend.
func (c *Controller) prepare(ctx context.Context, req *model.GenerationRequest, started time.Time) (*model.Message, []model.Message, error) {
	conv, err := c.tree.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, err
	}

	switch req.Mode {
	case model.ModePrompt:
		if req.Prompt == "" {
			return nil, nil, fmt.Errorf("prompt is required: %w", model.ErrValidation)
		}
		if _, err := c.tree.AppendMessage(ctx, conv.ID, model.RoleUser, req.Prompt, req.AuthorID); err != nil {
			return nil, nil, err
		}

	case model.ModeRegenerate:
		if req.MessageID == "" {
			return nil, nil, fmt.Errorf("message id is required for regenerate: %w", model.ErrValidation)
		}
		i := conv.MessageIndex(req.MessageID)
		if i < 0 {
			return nil, nil, fmt.Errorf("message %s: %w", req.MessageID, model.ErrNotFound)
		}
		if conv.Messages[i].Role != model.RoleAssistant {
			return nil, nil, fmt.Errorf("regenerate target must be an assistant message: %w", model.ErrValidation)
		}
		// Rewrite the same message id in place: clear its content and
		// stream into it. History is the prefix before the target.
		if err := c.tree.ResetContent(ctx, conv.ID, req.MessageID, started); err != nil {
			return nil, nil, err
		}
		placeholder := conv.Messages[i]
		return &placeholder, conv.Messages[:i], nil

	case model.ModeResend:
		last := conv.LastMessage()
		if last == nil || last.Role != model.RoleUser {
			return nil, nil, fmt.Errorf("resend requires a trailing user message: %w", model.ErrValidation)
		}

	default:
		return nil, nil, fmt.Errorf("unknown generation mode %q: %w", req.Mode, model.ErrValidation)
	}

	// Prompt and resend both continue from the conversation's tail.
	conv, err = c.tree.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	history := conv.Messages

	placeholder, err := c.tree.AppendMessage(ctx, conv.ID, model.RoleAssistant, "", "")
	if err != nil {
		return nil, nil, err
	}
	return placeholder, history, nil
}

// stream consumes the backend token stream, accumulating each token onto
// the placeholder and forwarding it to the sink. Chunks arriving out of
// index order are buffered and released in order.
func (c *Controller) stream(ctx context.Context, req *model.GenerationRequest, f *flight, messageID string, history []model.Message, sink TokenSink) (*llm.CompletionResponse, error) {
	// Watchdog: a stream that produces no token within the bound is a
	// backend failure, never left Generating indefinitely.
	watchdog := time.AfterFunc(c.tokenTimeout, func() {
		c.mu.Lock()
		f.timedOut = true
		c.mu.Unlock()
		f.cancel()
	})
	defer watchdog.Stop()

	reorder := newReorderBuffer()

	apply := func(token string, index int) error {
		if err := c.tree.AppendContent(ctx, req.ConversationID, messageID, token); err != nil {
			return err
		}
		if sink != nil {
			if err := sink(token, index); err != nil {
				return err
			}
		}
		return nil
	}

	callback := func(token string, index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		watchdog.Reset(c.tokenTimeout)
		return reorder.Push(token, index, apply)
	}

	return c.backend.CompleteStream(ctx, &llm.CompletionRequest{
		Model:     req.Model,
		Messages:  c.backend.FormatMessages(history),
		MaxTokens: c.maxTokens,
	}, callback)
}

// settleFailure persists whatever partial content accumulated, annotates it
// visibly, and publishes the update so every client sees the same failure
// state. Partial work is never silently discarded.
func (c *Controller) settleFailure(req *model.GenerationRequest, f *flight, messageID string, streamErr error, log *logger.Logger) (*model.Message, error) {
	c.mu.Lock()
	cancelled, timedOut := f.cancelled, f.timedOut
	c.mu.Unlock()

	var annotation string
	var outErr error
	switch {
	case timedOut:
		annotation = "[generation failed: backend produced no output in time]"
		outErr = fmt.Errorf("token timeout after %s: %w", c.tokenTimeout, model.ErrBackend)
	case cancelled:
		annotation = "[generation cancelled]"
		outErr = ErrCancelled
	case errors.Is(streamErr, context.Canceled):
		// The requesting client went away mid-stream.
		annotation = "[generation interrupted]"
		outErr = ErrCancelled
	default:
		annotation = "[generation failed: backend error]"
		outErr = fmt.Errorf("%v: %w", streamErr, model.ErrBackend)
	}

	// The request context may already be dead; annotation must still land.
	msg, err := c.tree.AnnotateMessage(context.Background(), req.ConversationID, messageID, annotation)
	if err != nil {
		log.Warn("failed to annotate interrupted generation", zap.Error(err))
		return nil, outErr
	}

	log.Info("generation settled after failure",
		zap.String("message_id", messageID),
		zap.String("annotation", annotation),
	)
	return msg, outErr
}

func tokenCount(msg *model.Message) int {
	if msg == nil || msg.TokensOut == nil {
		return 0
	}
	return *msg.TokensOut
}
