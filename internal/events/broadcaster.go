// ABOUTME: Fan-out pub/sub for agent run events, keyed by run or conversation id
// ABOUTME: Deltas reach every live subscriber in publish order, never dropped

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// Broadcaster fans events out to subscribers. A subscriber registers under a
// key (run id or conversation id); Publish delivers to every subscriber of
// both keys carried by the event. Sends block until the subscriber drains or
// departs, so in-order delivery is preserved even for slow consumers.
type Broadcaster struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription
	closed      bool
}

type subscription struct {
	ch     chan *Event
	done   chan struct{}
	sendMu sync.Mutex
	once   sync.Once
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:      logger.With("component", "event-broadcaster"),
		subscribers: make(map[string]map[string]*subscription),
	}
}

// Subscribe registers for events published under key. The channel closes on
// ctx cancellation, Unsubscribe, or Close.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *Event, string) {
	sub := &subscription{
		ch:   make(chan *Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	subID := uuid.New().String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	if b.subscribers[key] == nil {
		b.subscribers[key] = make(map[string]*subscription)
	}
	b.subscribers[key][subID] = sub
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(key, subID)
		case <-sub.done:
		}
	}()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)
	return sub.ch, subID
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	var sub *subscription
	if subs, ok := b.subscribers[key]; ok {
		if sub = subs[subID]; sub != nil {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(b.subscribers, key)
			}
		}
	}
	b.mu.Unlock()

	if sub != nil {
		sub.shutdown()
	}
}

// Publish delivers event to every subscriber of its run id and conversation
// id keys, in order, blocking on slow consumers rather than dropping.
func (b *Broadcaster) Publish(event *Event) {
	keys := make([]string, 0, 2)
	if event.RunID != "" {
		keys = append(keys, event.RunID)
	}
	if event.ConversationID != "" && event.ConversationID != event.RunID {
		keys = append(keys, event.ConversationID)
	}

	b.mu.RLock()
	var targets []*subscription
	for _, key := range keys {
		for _, sub := range b.subscribers[key] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.send(event)
	}
}

// Close shuts down every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.subscribers
	b.subscribers = make(map[string]map[string]*subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
}

// send blocks until the event is buffered or the subscriber departs. sendMu
// keeps the channel open for the duration of the send so shutdown cannot
// close it mid-delivery.
func (s *subscription) send(event *Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.ch <- event:
	case <-s.done:
	}
}

func (s *subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}
