// Copyright Contributors to the Nublado project

// Package timeout provides the cumulative deadline shared by all Kubernetes
// calls that make up one logical operation. A spawn, for example, creates a
// single Timeout and passes it through object creation, watches, and waits so
// that the whole sequence is bounded by one clock.
package timeout

import (
	"context"
	"errors"
	"time"

	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
)

// Timeout tracks the deadline of a named operation, optionally on behalf of
// a user. The zero value is not usable; construct with New.
type Timeout struct {
	op    string
	user  string
	start time.Time
	end   time.Time
}

// New creates a Timeout expiring after d.
func New(op, user string, d time.Duration) *Timeout {
	now := time.Now()
	return &Timeout{op: op, user: user, start: now, end: now.Add(d)}
}

// Op returns the operation name the timeout was created for.
func (t *Timeout) Op() string { return t.op }

// Deadline returns the absolute expiry time.
func (t *Timeout) Deadline() time.Time { return t.end }

// Left returns the remaining budget, or the domain timeout error if the
// deadline has passed.
func (t *Timeout) Left() (time.Duration, error) {
	remaining := time.Until(t.end)
	if remaining <= 0 {
		return 0, t.expired()
	}
	return remaining, nil
}

// LeftSeconds returns the remaining budget as whole seconds, rounded up, for
// APIs (the Kubernetes request timeout) that take integral seconds. The
// result is at least 1 when any budget remains.
func (t *Timeout) LeftSeconds() (int64, error) {
	remaining, err := t.Left()
	if err != nil {
		return 0, err
	}
	secs := int64((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs, nil
}

// Partial returns a child timeout for a sub-operation, bounded by both d and
// the remaining budget of the parent.
func (t *Timeout) Partial(d time.Duration) *Timeout {
	remaining := time.Until(t.end)
	if remaining < d {
		d = remaining
	}
	now := time.Now()
	return &Timeout{op: t.op, user: t.user, start: t.start, end: now.Add(d)}
}

// Enforce derives a context carrying the deadline. Callers must pass any
// error from the guarded block through Translate so that a raw context
// expiry surfaces as the domain timeout error.
func (t *Timeout) Enforce(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, t.end)
}

// Translate converts a context deadline expiry into the domain timeout
// error, attaching the operation and user. Other errors pass through.
func (t *Timeout) Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return t.expired()
	}
	return err
}

func (t *Timeout) expired() error {
	return &nuberr.TimeoutError{Op: t.op, User: t.user, Start: t.start, Expired: time.Now()}
}
