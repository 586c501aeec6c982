// ABOUTME: Per-session PTY output fan-out hub
// ABOUTME: Delivers chunks to every subscriber in order, never dropping mid-stream

package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// outputHub fans PTY output out to subscribers. It is shared between a
// session and its reconnection replacement so observers keep a contiguous
// stream across transport swaps.
type outputHub struct {
	mu     sync.RWMutex
	subs   map[string]*outputSub
	closed bool
}

type outputSub struct {
	ch     chan []byte
	done   chan struct{}
	sendMu sync.Mutex
	once   sync.Once
}

func newOutputHub() *outputHub {
	return &outputHub{subs: make(map[string]*outputSub)}
}

// subscribe registers a new observer. The channel closes when ctx is
// cancelled, the subscriber is removed, or the hub shuts down.
func (h *outputHub) subscribe(ctx context.Context) (<-chan []byte, string) {
	sub := &outputSub{
		ch:   make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}
	id := uuid.New().String()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, id
	}
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.unsubscribe(id)
		case <-sub.done:
		}
	}()

	return sub.ch, id
}

func (h *outputHub) unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.shutdown()
	}
}

// publish delivers chunk to every live subscriber. Sends block until the
// subscriber drains or departs; output is never silently dropped.
func (h *outputHub) publish(chunk []byte) {
	h.mu.RLock()
	targets := make([]*outputSub, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.send(chunk)
	}
}

func (h *outputHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*outputSub)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

// send blocks until the chunk is buffered or the subscriber departs. sendMu
// keeps the channel open for the duration of the send so shutdown cannot
// close it mid-delivery.
func (s *outputSub) send(chunk []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.ch <- chunk:
	case <-s.done:
	}
}

// shutdown closes done before taking sendMu so any in-flight send unblocks,
// then closes the delivery channel.
func (s *outputSub) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}
