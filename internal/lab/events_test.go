// Copyright Contributors to the Nublado project

//go:build !integration

package lab

import (
	"context"
	"testing"
	"time"
)

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []Event
	if err := s.Follow(ctx, func(ev Event) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	return got
}

func TestStreamLateReaderSeesHistory(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Type: EventInfo, Message: "starting", Progress: 2})
	s.Publish(Event{Type: EventInfo, Message: "pod created", Progress: 30})
	s.Publish(Event{Type: EventComplete, Message: "Lab created", Progress: 100})

	got := collect(t, s)
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].Message != "starting" || got[2].Type != EventComplete {
		t.Errorf("events = %+v", got)
	}
}

func TestStreamSingleTerminalEvent(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Type: EventInfo, Message: "starting"})
	s.Publish(Event{Type: EventFailed, Message: "boom"})
	s.Publish(Event{Type: EventComplete, Message: "too late"})
	s.Publish(Event{Type: EventInfo, Message: "also too late"})

	got := collect(t, s)
	if len(got) != 2 {
		t.Fatalf("events = %+v, want 2", got)
	}
	terminal := 0
	for _, ev := range got {
		if ev.Terminal() {
			terminal++
		}
	}
	if terminal != 1 || got[len(got)-1].Type != EventFailed {
		t.Errorf("events = %+v, want single failed terminal", got)
	}
}

func TestStreamConcurrentReader(t *testing.T) {
	s := NewStream()
	done := make(chan []Event)
	go func() {
		var got []Event
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Follow(ctx, func(ev Event) error {
			got = append(got, ev)
			return nil
		})
		done <- got
	}()

	s.Publish(Event{Type: EventInfo, Message: "one"})
	s.Publish(Event{Type: EventInfo, Message: "two"})
	s.Publish(Event{Type: EventComplete, Message: "done", Progress: 100})

	got := <-done
	if len(got) != 3 {
		t.Fatalf("events = %+v, want 3", got)
	}
	if got[0].Message != "one" || got[1].Message != "two" {
		t.Errorf("order broken: %+v", got)
	}
}

func TestStreamFollowCancellation(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Type: EventInfo, Message: "pending"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		errCh <- s.Follow(ctx, func(Event) error { return nil })
	}()
	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Follow = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}

func TestStreamHandlerError(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Type: EventInfo, Message: "one"})
	s.Publish(Event{Type: EventComplete, Message: "done"})

	wantErr := context.DeadlineExceeded
	err := s.Follow(context.Background(), func(Event) error { return wantErr })
	if err != wantErr {
		t.Errorf("Follow = %v, want handler error", err)
	}
}
