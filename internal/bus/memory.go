package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/pkg/logger"
	"github.com/threadloom/conversation-sync/pkg/metrics"
)

// MemoryBus is the in-process change bus. A single mutex serializes
// publication, so every subscriber observes one total order of events; that
// subsumes the per-resource ordering guarantee.
type MemoryBus struct {
	logger    *logger.Logger
	queueSize int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	seq    uint64
	closed bool
}

// NewMemoryBus creates an in-process bus whose subscribers each hold a
// bounded queue of queueSize events.
func NewMemoryBus(queueSize int, log *logger.Logger) *MemoryBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &MemoryBus{
		logger:    log,
		queueSize: queueSize,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Publish appends the event to every subscriber's queue. A subscriber whose
// queue is full is disconnected so the publisher never blocks.
func (b *MemoryBus) Publish(ctx context.Context, event model.ChangeEvent) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.seq++
	event.Seq = b.seq

	// Channel closes happen after the registry lock is released: drop
	// shares a sync.Once with Subscription.Close, whose unsubscribe hook
	// takes the registry lock.
	var dropped []*Subscription
	for sub := range b.subs {
		if !sub.send(event) {
			// Queue overflow: the subscriber is too far behind to stay
			// consistent via deltas. Disconnect it; it must re-fetch full
			// state and resubscribe.
			delete(b.subs, sub)
			dropped = append(dropped, sub)
			metrics.BusSubscribersDropped.Inc()
			metrics.BusSubscribersActive.Dec()
			b.logger.Warn("dropped slow bus subscriber",
				zap.Uint64("seq", event.Seq),
			)
		}
	}

	metrics.BusEventsPublished.WithLabelValues(
		string(event.ResourceType), string(event.EventType),
	).Inc()

	b.mu.Unlock()

	for _, sub := range dropped {
		sub.drop()
	}
	return nil
}

// Subscribe returns a live subscription.
func (b *MemoryBus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sub *Subscription
	sub = newSubscription(b.queueSize, func() {
		b.unsubscribe(sub)
	})
	if b.closed {
		sub.drop()
		return sub, nil
	}
	b.subs[sub] = struct{}{}
	metrics.BusSubscribersActive.Inc()
	return sub, nil
}

func (b *MemoryBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		metrics.BusSubscribersActive.Dec()
	}
}

// Close disconnects every subscriber and stops the bus.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		delete(b.subs, sub)
		subs = append(subs, sub)
		metrics.BusSubscribersActive.Dec()
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.drop()
	}
}
