package usecase

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"streamchat/internal/domain"
)

const streamBuffer = 64

// Stream is the event sequence of one running turn. The turn runs on its own
// goroutine; a consumer either ranges over Events or calls Detach, otherwise
// the turn blocks once the buffer fills.
type Stream struct {
	MessageID string

	events     chan domain.Event
	detached   chan struct{}
	done       chan struct{}
	detachOnce sync.Once
	claimed    atomic.Bool
}

func newStream(messageID string) *Stream {
	return &Stream{
		MessageID: messageID,
		events:    make(chan domain.Event, streamBuffer),
		detached:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Events yields the turn's events in order, ending after the terminal event.
// The sequence can be consumed once; later calls yield nothing. Stopping early
// or cancelling ctx detaches the consumer without stopping the turn.
func (s *Stream) Events(ctx context.Context) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		if !s.claimed.CompareAndSwap(false, true) {
			return
		}
		defer s.Detach()
		for {
			select {
			case ev, ok := <-s.events:
				if !ok || !yield(ev) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Detach drops all further events. The turn keeps running and checkpointing.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

// Done is closed once the turn is finalized in both stores and its terminal
// event has been delivered or dropped.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) send(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-s.detached:
	}
}

func (s *Stream) close() {
	close(s.events)
	close(s.done)
}

// turnRegistry allows one in-flight turn per session within the process.
type turnRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{active: make(map[string]struct{})}
}

func (r *turnRegistry) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sessionID]; busy {
		return false
	}
	r.active[sessionID] = struct{}{}
	return true
}

func (r *turnRegistry) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
}
