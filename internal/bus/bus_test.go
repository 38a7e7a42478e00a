package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/threadloom/conversation-sync/internal/model"
)

// A delivery goroutine may still be mid-flight when the subscriber tears
// down; the send must land as a no-op, never as a write to a closed
// channel.
func TestCloseRacingDeliveryDoesNotPanic(t *testing.T) {
	sub := newSubscription(1, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			sub.send(model.ChangeEvent{Seq: uint64(i + 1)})
		}
	}()

	time.Sleep(time.Millisecond)
	sub.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sender never finished")
	}

	// Anything queued before the close drains, then the channel reports
	// closed.
	for {
		if _, ok := <-sub.C(); !ok {
			break
		}
	}

	// A straggler send after the close stays a quiet no-op.
	assert.True(t, sub.send(model.ChangeEvent{Seq: 10001}))
}

func TestSendReportsOverflow(t *testing.T) {
	sub := newSubscription(1, nil)
	defer sub.Close()

	assert.True(t, sub.send(model.ChangeEvent{Seq: 1}))
	assert.False(t, sub.send(model.ChangeEvent{Seq: 2}), "a full queue must report overflow")

	event := <-sub.C()
	assert.Equal(t, uint64(1), event.Seq)
}
