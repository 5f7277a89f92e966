package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer goroutine to the Stream interface.
type eventStream struct {
	events    chan Event
	cancel    context.CancelFunc
	err       error
	closeOnce sync.Once
}

// newEventStream runs fn in a goroutine and exposes the events it sends.
// The error returned by fn is reported by Recv once all events are drained.
func newEventStream(ctx context.Context, fn func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 32),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		s.err = fn(ctx, s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if ok {
		return ev, nil
	}
	if s.err != nil {
		return Event{}, s.err
	}
	return Event{}, io.EOF
}

// Close cancels the producer and drains anything it still sends so the
// goroutine can exit.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		go func() {
			for range s.events {
			}
		}()
	})
	return nil
}

// sliceStream replays a fixed list of events. Used by providers that receive
// a complete response and by tests.
type sliceStream struct {
	events []Event
	pos    int
}

func newSliceStream(events []Event) Stream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Recv() (Event, error) {
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

// send delivers ev unless ctx is cancelled first.
func send(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
