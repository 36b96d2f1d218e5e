// Copyright Contributors to the Nublado project

//go:build !integration

package alert

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"
)

type fieldedError struct{}

func (fieldedError) Error() string { return "pod create failed" }

func (fieldedError) AlertFields() map[string]string {
	return map[string]string{"Namespace": "nublado-rachel", "Kind": "Pod"}
}

func capture(s *Sink) *[]*slack.WebhookMessage {
	var posted []*slack.WebhookMessage
	s.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		posted = append(posted, msg)
		return nil
	}
	return &posted
}

func TestErrorPostsMessage(t *testing.T) {
	s := New("https://hooks.slack.example.org/T0/B0/x", logr.Discard())
	posted := capture(s)

	s.Error(context.Background(), errors.New("boom"), "Lab spawn failed for rachel")
	if len(*posted) != 1 {
		t.Fatalf("posted %d messages, want 1", len(*posted))
	}
	msg := (*posted)[0]
	if !strings.Contains(msg.Text, "Lab spawn failed for rachel") || !strings.Contains(msg.Text, "boom") {
		t.Errorf("text = %q", msg.Text)
	}
	if len(msg.Blocks.BlockSet) != 1 {
		t.Errorf("blocks = %d, want 1 for a plain error", len(msg.Blocks.BlockSet))
	}
}

func TestErrorIncludesFields(t *testing.T) {
	s := New("https://hooks.slack.example.org/T0/B0/x", logr.Discard())
	posted := capture(s)

	s.Error(context.Background(), fieldedError{}, "Prepull failed")
	if len(*posted) != 1 {
		t.Fatalf("posted %d messages, want 1", len(*posted))
	}
	blocks := (*posted)[0].Blocks.BlockSet
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want summary plus fields", len(blocks))
	}
	section, ok := blocks[1].(*slack.SectionBlock)
	if !ok {
		t.Fatalf("second block = %T", blocks[1])
	}
	if len(section.Fields) != 2 {
		t.Errorf("fields = %d, want 2", len(section.Fields))
	}
	// Fields are sorted by name for stable output.
	if !strings.Contains(section.Fields[0].Text, "Kind") {
		t.Errorf("fields[0] = %q", section.Fields[0].Text)
	}
}

func TestNilSinkIsNoop(t *testing.T) {
	s := New("", logr.Discard())
	if s != nil {
		t.Fatal("empty webhook did not disable the sink")
	}
	// Must not panic.
	s.Error(context.Background(), errors.New("boom"), "ignored")
}
