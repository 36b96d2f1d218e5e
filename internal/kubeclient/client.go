// Copyright Contributors to the Nublado project

// Package kubeclient wraps the typed Kubernetes clients with the uniform
// create/read/list/delete/watch surface the control loops use, including
// wait-for-deletion, wait-for-phase, and wait-for-ingress-IP primitives. All
// operations are bounded by a shared cumulative Timeout rather than
// per-request deadlines.
package kubeclient

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

const (
	// reconnect is the proactive watch restart interval. It must stay
	// under the control plane's own request timeout so that long-lived
	// watches restart cleanly instead of stalling.
	reconnect = 5 * time.Minute

	// deletionReadHeadroom is reserved out of a wait-for-deletion budget
	// for the final confirming read after the watch gives up.
	deletionReadHeadroom = 2 * time.Second
)

// API adapts one typed clientset kind to the generic wrapper. Each field
// maps directly onto the corresponding clientset call.
type API[T client.Object] struct {
	Kind   string
	Create func(ctx context.Context, ns string, obj T, opts metav1.CreateOptions) (T, error)
	Read   func(ctx context.Context, ns, name string, opts metav1.GetOptions) (T, error)
	List   func(ctx context.Context, ns string, opts metav1.ListOptions) ([]T, error)
	Delete func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error
	Watch  func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error)
}

// Client is the uniform wrapper over one Kubernetes kind.
type Client[T client.Object] struct {
	api API[T]
}

// New builds a Client from an API adapter.
func New[T client.Object](api API[T]) *Client[T] {
	return &Client[T]{api: api}
}

// Kind returns the wrapped resource kind.
func (c *Client[T]) Kind() string { return c.api.Kind }

// CreateOptions modify Create behavior.
type CreateOptions struct {
	// Replace deletes a conflicting object (waiting for it to go away)
	// and retries the create once.
	Replace bool
	// Propagation applies to the replacement delete.
	Propagation *metav1.DeletionPropagation
}

// Create creates obj in ns.
func (c *Client[T]) Create(ctx context.Context, ns string, obj T, to *timeout.Timeout, opts CreateOptions) error {
	gctx, cancel, err := c.guard(ctx, to)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = c.api.Create(gctx, ns, obj, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) || !opts.Replace {
		return nuberr.WrapKubernetes(to.Translate(err), "create", c.api.Kind, ns, obj.GetName())
	}
	if err := c.Delete(ctx, ns, obj.GetName(), to, DeleteOptions{Wait: true, Propagation: opts.Propagation}); err != nil {
		return err
	}
	gctx, cancel, err = c.guard(ctx, to)
	if err != nil {
		return err
	}
	defer cancel()
	if _, err := c.api.Create(gctx, ns, obj, metav1.CreateOptions{}); err != nil {
		return nuberr.WrapKubernetes(to.Translate(err), "create", c.api.Kind, ns, obj.GetName())
	}
	return nil
}

// Read returns the named object, or found=false when it does not exist.
func (c *Client[T]) Read(ctx context.Context, ns, name string, to *timeout.Timeout) (T, bool, error) {
	var zero T
	gctx, cancel, err := c.guard(ctx, to)
	if err != nil {
		return zero, false, err
	}
	defer cancel()
	obj, err := c.api.Read(gctx, ns, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return zero, false, nil
		}
		return zero, false, nuberr.WrapKubernetes(to.Translate(err), "read", c.api.Kind, ns, name)
	}
	return obj, true, nil
}

// List returns all objects in ns matching the label selector (empty selector
// matches everything).
func (c *Client[T]) List(ctx context.Context, ns, labelSelector string, to *timeout.Timeout) ([]T, error) {
	gctx, cancel, err := c.guard(ctx, to)
	if err != nil {
		return nil, err
	}
	defer cancel()
	items, err := c.api.List(gctx, ns, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, nuberr.WrapKubernetes(to.Translate(err), "list", c.api.Kind, ns, "")
	}
	return items, nil
}

// DeleteOptions modify Delete behavior.
type DeleteOptions struct {
	// Wait blocks until the object is actually gone.
	Wait        bool
	Propagation *metav1.DeletionPropagation
	GracePeriod *int64
}

// Delete removes the named object. A missing object is silent success.
func (c *Client[T]) Delete(ctx context.Context, ns, name string, to *timeout.Timeout, opts DeleteOptions) error {
	gctx, cancel, err := c.guard(ctx, to)
	if err != nil {
		return err
	}
	defer cancel()
	err = c.api.Delete(gctx, ns, name, metav1.DeleteOptions{
		PropagationPolicy:  opts.Propagation,
		GracePeriodSeconds: opts.GracePeriod,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return nuberr.WrapKubernetes(to.Translate(err), "delete", c.api.Kind, ns, name)
	}
	if !opts.Wait {
		return nil
	}
	return c.WaitForDeletion(ctx, ns, name, to)
}

// WaitForDeletion blocks until the named object no longer exists. The watch
// runs on the remaining budget less a small headroom reserved for one final
// confirming read, covering the case where the watch misses the event.
func (c *Client[T]) WaitForDeletion(ctx context.Context, ns, name string, to *timeout.Timeout) error {
	obj, found, err := c.Read(ctx, ns, name, to)
	if err != nil || !found {
		return err
	}

	left, err := to.Left()
	if err != nil {
		return err
	}
	watchTimeout := to.Partial(left - deletionReadHeadroom)
	deleted := false
	err = c.watch(ctx, ns, metav1.ListOptions{
		FieldSelector:   "metadata.name=" + name,
		ResourceVersion: obj.GetResourceVersion(),
	}, watchTimeout, func(ev watch.Event) (bool, error) {
		if ev.Type == watch.Deleted {
			deleted = true
			return true, nil
		}
		return false, nil
	})
	if deleted {
		return nil
	}
	if err != nil && !nuberr.IsTimeout(err) {
		return err
	}
	// Watch expired; the delete may have happened while we were not
	// looking. One last read decides.
	_, found, readErr := c.Read(ctx, ns, name, to.Partial(deletionReadHeadroom))
	if readErr != nil {
		return readErr
	}
	if !found {
		return nil
	}
	if err == nil {
		_, err = to.Left()
	}
	return err
}

// watch runs a resilient watch until handle reports done or the budget
// expires. Restart rules: per-call request timeouts come from the remaining
// budget capped at the reconnect interval; a 410 with a resourceVersion in
// play retries without it; a 410 without one sleeps a second and retries; a
// clean server-side close retries immediately.
func (c *Client[T]) watch(ctx context.Context, ns string, opts metav1.ListOptions, to *timeout.Timeout, handle func(watch.Event) (bool, error)) error {
	for {
		secs, err := to.LeftSeconds()
		if err != nil {
			return err
		}
		if limit := int64(reconnect / time.Second); secs > limit {
			secs = limit
		}
		opts.TimeoutSeconds = &secs

		w, err := c.api.Watch(ctx, ns, opts)
		if err != nil {
			retry, clearRV, werr := watchRetry(err, opts.ResourceVersion != "")
			if !retry {
				return nuberr.WrapKubernetes(to.Translate(werr), "watch", c.api.Kind, ns, "")
			}
			if clearRV {
				opts.ResourceVersion = ""
				continue
			}
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		done, lastRV, err := c.drain(ctx, w, to, handle)
		if done {
			return nil
		}
		if err != nil {
			if serr, ok := err.(*apierrors.StatusError); ok {
				if retry, clearRV, _ := watchRetry(serr, opts.ResourceVersion != ""); retry {
					if clearRV {
						opts.ResourceVersion = ""
					} else if err := sleep(ctx, time.Second); err != nil {
						return err
					}
					continue
				}
				return nuberr.WrapKubernetes(serr, "watch", c.api.Kind, ns, "")
			}
			return err
		}
		if lastRV != "" {
			opts.ResourceVersion = lastRV
		}
	}
}

// drain consumes one watch stream until it closes, the context dies, or
// handle reports done.
func (c *Client[T]) drain(ctx context.Context, w watch.Interface, to *timeout.Timeout, handle func(watch.Event) (bool, error)) (bool, string, error) {
	defer w.Stop()
	lastRV := ""
	deadline := time.NewTimer(timeUntilDeadline(to))
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, lastRV, to.Translate(ctx.Err())
		case <-deadline.C:
			_, err := to.Left()
			return false, lastRV, err
		case ev, ok := <-w.ResultChan():
			if !ok {
				// Server closed the stream; the caller retries with
				// a reduced budget.
				return false, lastRV, nil
			}
			if ev.Type == watch.Error {
				return false, lastRV, apierrors.FromObject(ev.Object)
			}
			if obj, ok := ev.Object.(client.Object); ok {
				lastRV = obj.GetResourceVersion()
			}
			done, err := handle(ev)
			if done || err != nil {
				return done, lastRV, err
			}
		}
	}
}

// watchRetry classifies a watch failure: retry at all, and whether to clear
// the resourceVersion first.
func watchRetry(err error, haveRV bool) (retry, clearRV bool, out error) {
	if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
		return true, haveRV, err
	}
	return false, false, err
}

// guard derives a context bounded by both the remaining budget and the
// caller's context.
func (c *Client[T]) guard(ctx context.Context, to *timeout.Timeout) (context.Context, context.CancelFunc, error) {
	if _, err := to.Left(); err != nil {
		return nil, nil, err
	}
	gctx, cancel := to.Enforce(ctx)
	return gctx, cancel, nil
}

func timeUntilDeadline(to *timeout.Timeout) time.Duration {
	d := time.Until(to.Deadline())
	if d < 0 {
		return 0
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
