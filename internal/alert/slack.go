// Copyright Contributors to the Nublado project

// Package alert posts operator-facing failure reports to a Slack webhook.
// Errors that implement Fielder get a rich block layout; everything else is
// posted as plain text. A nil Sink is a no-op, so callers never need to
// check whether alerting is configured.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"
)

// Fielder is implemented by alert-aware errors that can contribute
// structured fields to the message.
type Fielder interface {
	AlertFields() map[string]string
}

// Sink posts alerts to a Slack incoming webhook.
type Sink struct {
	webhook string
	log     logr.Logger

	// post is swapped out in tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// New returns a Sink for the webhook URL, or nil when the URL is empty.
func New(webhook string, log logr.Logger) *Sink {
	if webhook == "" {
		return nil
	}
	return &Sink{webhook: webhook, log: log, post: slack.PostWebhookContext}
}

// Error reports a failure. Posting failures are logged, never propagated;
// alerting must not make an operation fail harder.
func (s *Sink) Error(ctx context.Context, err error, summary string) {
	if s == nil {
		return
	}
	msg := s.message(err, summary)
	if perr := s.post(ctx, s.webhook, msg); perr != nil {
		s.log.Error(perr, "posting alert to Slack failed", "alert", summary)
	}
}

func (s *Sink) message(err error, summary string) *slack.WebhookMessage {
	text := fmt.Sprintf("*%s*\n%v", summary, err)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil),
	}
	var fielder Fielder
	if errors.As(err, &fielder) {
		fields := fielder.AlertFields()
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		objs := make([]*slack.TextBlockObject, 0, len(fields))
		for _, name := range names {
			objs = append(objs, slack.NewTextBlockObject(
				slack.MarkdownType, fmt.Sprintf("*%s*\n%s", name, fields[name]), false, false))
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, objs, nil))
	}
	return &slack.WebhookMessage{
		Text:   fmt.Sprintf("%s: %v", summary, err),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}
