// ABOUTME: Tests for the agent event broadcaster
// ABOUTME: Covers fan-out, key isolation, ordering, cancellation, concurrency

package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(runID, convID string, stage Stage, chunk string) *Event {
	return &Event{
		RunID:          runID,
		ConversationID: convID,
		Stage:          stage,
		Chunk:          chunk,
		CreatedAt:      time.Now(),
	}
}

func recvEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_SubscriberByRunIDReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "run-1")
	b.Publish(makeEvent("run-1", "conv-1", StageStarted, ""))

	e := recvEvent(t, ch)
	assert.Equal(t, StageStarted, e.Stage)
	assert.Equal(t, "conv-1", e.ConversationID)
}

func TestBroadcaster_SubscriberByConversationIDReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1")
	b.Publish(makeEvent("run-1", "conv-1", StageDelta, "hello"))

	e := recvEvent(t, ch)
	assert.Equal(t, "hello", e.Chunk)
}

func TestBroadcaster_DifferentKeysAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "run-1")
	ch2, _ := b.Subscribe(t.Context(), "run-2")

	b.Publish(makeEvent("run-1", "conv-1", StageDelta, "x"))

	recvEvent(t, ch1)

	select {
	case <-ch2:
		t.Fatal("subscriber for run-2 should not receive run-1 events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_DeltasArriveInOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "run-1")

	const n = 200
	go func() {
		for i := range n {
			b.Publish(makeEvent("run-1", "conv-1", StageDelta, fmt.Sprintf("chunk-%d", i)))
		}
	}()

	for i := range n {
		e := recvEvent(t, ch)
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), e.Chunk)
	}
}

func TestBroadcaster_MultipleSubscribersAllReceive(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "run-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish(makeEvent("run-1", "conv-1", StageCompleted, ""))

	assert.Equal(t, StageCompleted, recvEvent(t, ch1).Stage)
	assert.Equal(t, StageCompleted, recvEvent(t, ch2).Stage)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, "run-1")

	b.mu.RLock()
	_, exists := b.subscribers["run-1"][subID]
	b.mu.RUnlock()
	require.True(t, exists)

	cancel()
	time.Sleep(50 * time.Millisecond)

	b.mu.RLock()
	subs, keyExists := b.subscribers["run-1"]
	if keyExists {
		_, subExists := subs[subID]
		assert.False(t, subExists)
	}
	b.mu.RUnlock()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "run-1")
	b.Unsubscribe("run-1", subID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing afterwards must not panic.
	b.Publish(makeEvent("run-1", "conv-1", StageDelta, "x"))
}

func TestBroadcaster_DepartedSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Fill a subscriber's buffer, then unsubscribe it mid-stream.
	_, subID := b.Subscribe(t.Context(), "run-1")
	live, _ := b.Subscribe(t.Context(), "run-1")

	published := make(chan struct{})
	go func() {
		for i := range subscriberBuffer + 50 {
			b.Publish(makeEvent("run-1", "conv-1", StageDelta, fmt.Sprintf("c-%d", i)))
			if i == subscriberBuffer/2 {
				b.Unsubscribe("run-1", subID)
			}
		}
		close(published)
	}()

	received := 0
	for received < subscriberBuffer+50 {
		recvEvent(t, live)
		received++
	}

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by departed subscriber")
	}
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "run-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-2")

	b.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "run-concurrent")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	// Keep the total below the subscriber buffer so departed readers cannot
	// stall publishers in this test.
	for range 10 {
		wg.Go(func() {
			for range 5 {
				b.Publish(makeEvent("run-concurrent", "conv-concurrent", StageDelta, "x"))
			}
		})
	}

	wg.Wait()
}
