// Package bus implements the change bus: a publish/subscribe channel that
// delivers one typed event per durably-applied mutation to every connected
// subscriber, in publication order.
package bus

import (
	"context"
	"sync"

	"github.com/threadloom/conversation-sync/internal/model"
)

// Bus is the change bus contract. Publish never blocks on a slow
// subscriber: each subscription owns a bounded queue, and a subscriber that
// overflows its queue is disconnected and must resynchronize by re-fetching
// full state.
type Bus interface {
	// Publish delivers the event to every live subscriber. The caller must
	// have durably applied the mutation first.
	Publish(ctx context.Context, event model.ChangeEvent) error

	// Subscribe returns a live subscription receiving every event published
	// after this call.
	Subscribe() (*Subscription, error)

	// Close shuts the bus down and closes all subscriptions.
	Close()
}

// Subscription is one subscriber's ordered event queue. The channel is
// closed when the subscriber is disconnected, either by Close or by falling
// too far behind.
type Subscription struct {
	mu      sync.Mutex
	ch      chan model.ChangeEvent
	closed  bool
	once    sync.Once
	onClose func()
}

func newSubscription(size int, onClose func()) *Subscription {
	return &Subscription{
		ch:      make(chan model.ChangeEvent, size),
		onClose: onClose,
	}
}

// C returns the event channel. A closed channel means the subscription is
// over; if the subscriber did not close it itself, it fell behind and must
// re-fetch full state before resubscribing.
func (s *Subscription) C() <-chan model.ChangeEvent {
	return s.ch
}

// send enqueues the event without blocking and reports false when the
// queue is full. Sends and closes share the mutex, so a delivery goroutine
// racing a teardown can never write to a closed channel; a send after
// close is a no-op.
func (s *Subscription) send(event model.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Close disconnects the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		s.closeChannel()
	})
}

// drop closes the queue without running the unsubscribe hook; used by the
// bus when it has already removed the subscription from its registry.
func (s *Subscription) drop() {
	s.once.Do(s.closeChannel)
}

func (s *Subscription) closeChannel() {
	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}
