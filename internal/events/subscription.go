package events

import (
	"context"
	"sync"

	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
)

// Subscription is one listener's view of a channel. Messages queue without bound
// until Next consumes them, so a slow listener never loses events.
type Subscription struct {
	bridge  *Bridge
	channel string
	counted bool

	mu     sync.Mutex
	queue  []Message
	closed bool
	notify chan struct{}
	once   sync.Once
}

func newSubscription(b *Bridge, channel string) *Subscription {
	return &Subscription{bridge: b, channel: channel, notify: make(chan struct{}, 1)}
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.channel }

// Next blocks until a message arrives, ctx is done, or the subscription is closed.
// After a bridge shutdown the queued messages are drained before ErrClosed is reported;
// after Close nothing more is delivered.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close detaches the listener and drops anything it has not read. The last listener on
// a channel unsubscribes it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
		s.terminate()
		s.bridge.remove(s)
		if s.counted {
			telemetry.StreamSubscribers.Dec()
		}
	})
}

func (s *Subscription) push(m Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) terminate() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
