// Copyright Contributors to the Nublado project

package lab

import (
	"context"
	"sync"
)

// EventType classifies a progress event. Complete and Failed are terminal
// for the stream they appear in.
type EventType string

const (
	EventInfo     EventType = "info"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
	EventFailed   EventType = "failed"
)

// Event is one progress record for a spawn or delete.
type Event struct {
	Type    EventType `json:"-"`
	Message string    `json:"message"`
	// Progress advances toward 100; zero means "not reported".
	Progress int `json:"progress,omitempty"`
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventFailed
}

// Stream is the bounded broadcast queue for one operation's events: one
// writer, any number of readers, full retention for the life of the
// operation so a late reader misses nothing. When a new spawn begins the
// manager replaces the user's stream; readers of the old one keep their
// reference and drain it to its terminal event.
type Stream struct {
	mu     sync.Mutex
	events []Event
	done   bool
	wake   chan struct{}
}

// NewStream returns an empty open stream.
func NewStream() *Stream {
	return &Stream{wake: make(chan struct{})}
}

// Publish appends an event and wakes all readers. Publishing after a
// terminal event is a no-op; the first terminal event wins.
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events = append(s.events, ev)
	if ev.Terminal() {
		s.done = true
	}
	close(s.wake)
	s.wake = make(chan struct{})
}

// snapshot returns the events from index on, whether the stream has ended,
// and a channel that closes on the next publish.
func (s *Stream) snapshot(from int) ([]Event, bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []Event
	if from < len(s.events) {
		pending = s.events[from:len(s.events):len(s.events)]
	}
	return pending, s.done, s.wake
}

// Follow delivers every event, past and future, to handle until the stream
// ends or ctx is cancelled. It returns ctx.Err on cancellation, nil when the
// terminal event has been delivered.
func (s *Stream) Follow(ctx context.Context, handle func(Event) error) error {
	i := 0
	for {
		pending, done, wake := s.snapshot(i)
		for _, ev := range pending {
			if err := handle(ev); err != nil {
				return err
			}
		}
		i += len(pending)
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}
