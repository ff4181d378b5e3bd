package sink

import (
	"chat-relay/contract"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"sync"
)

// Ensure *ConnectionSink implements the contract.EventSink interface at compile time.
var _ contract.EventSink = (*ConnectionSink)(nil)

// ConnectionSink is the send capability of one connection.
// Fan-out pushes events into it, the transport write loop drains Events().
// The events channel is never closed, done is, so a late Consume can't panic.
type ConnectionSink struct {
	events chan event.Event
	done   chan struct{}
	once   sync.Once
}

func NewConnectionSink(bufferSize int) *ConnectionSink {
	return &ConnectionSink{
		events: make(chan event.Event, bufferSize),
		done:   make(chan struct{}),
	}
}

// Consume is called by fanout
// Redirect the event through the concerned owner of the channel
// It waits for room in the buffer until ctx expires, a slow reader only fails its own delivery.
func (s *ConnectionSink) Consume(ctx context.Context, e event.Event) error {
	select {
	case <-s.done:
		return errors.ErrSinkClosed
	default:
	}
	select {
	case s.events <- e:
		return nil
	case <-s.done:
		return errors.ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ConnectionSink) Events() <-chan event.Event { return s.events }

// Done is closed once the sink stops accepting events.
func (s *ConnectionSink) Done() <-chan struct{} { return s.done }

func (s *ConnectionSink) Close() {
	s.once.Do(func() { close(s.done) })
}
