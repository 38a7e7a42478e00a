package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadloom/conversation-sync/internal/model"
	"github.com/threadloom/conversation-sync/pkg/logger"
)

func publishN(t *testing.T, b *MemoryBus, resourceID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Publish(context.Background(), model.ChangeEvent{
			ResourceType: model.ResourceConversation,
			EventType:    model.EventUpdate,
			ResourceID:   resourceID,
		})
		require.NoError(t, err)
	}
}

func TestSubscriberReceivesEventsInPublicationOrder(t *testing.T) {
	b := NewMemoryBus(64, logger.NewNop())
	defer b.Close()

	sub, err := b.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	publishN(t, b, "conv-1", 10)

	var last uint64
	for i := 0; i < 10; i++ {
		select {
		case event := <-sub.C():
			assert.Greater(t, event.Seq, last)
			last = event.Seq
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestEverySubscriberGetsEveryEvent(t *testing.T) {
	b := NewMemoryBus(64, logger.NewNop())
	defer b.Close()

	first, err := b.Subscribe()
	require.NoError(t, err)
	defer first.Close()
	second, err := b.Subscribe()
	require.NoError(t, err)
	defer second.Close()

	publishN(t, b, "conv-1", 3)

	for _, sub := range []*Subscription{first, second} {
		for i := 0; i < 3; i++ {
			select {
			case <-sub.C():
			case <-time.After(time.Second):
				t.Fatal("subscriber missed an event")
			}
		}
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	b := NewMemoryBus(2, logger.NewNop())
	defer b.Close()

	slow, err := b.Subscribe()
	require.NoError(t, err)

	// Nothing drains the queue; the third publish overflows it.
	publishN(t, b, "conv-1", 3)

	received := 0
	for {
		event, ok := <-slow.C()
		if !ok {
			break
		}
		_ = event
		received++
	}
	assert.Equal(t, 2, received, "only the queued events arrive before the close")

	// The bus keeps serving live subscribers.
	fresh, err := b.Subscribe()
	require.NoError(t, err)
	defer fresh.Close()
	publishN(t, b, "conv-1", 1)
	select {
	case <-fresh.C():
	case <-time.After(time.Second):
		t.Fatal("fresh subscriber did not receive the event")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewMemoryBus(8, logger.NewNop())
	defer b.Close()

	sub, err := b.Subscribe()
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	// A publish after unsubscribe must not panic or block.
	publishN(t, b, "conv-1", 1)
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	b := NewMemoryBus(8, logger.NewNop())

	sub, err := b.Subscribe()
	require.NoError(t, err)

	b.Close()

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed after bus shutdown")

	// Subscribing after close yields an immediately-closed subscription.
	late, err := b.Subscribe()
	require.NoError(t, err)
	_, ok = <-late.C()
	assert.False(t, ok)
}
