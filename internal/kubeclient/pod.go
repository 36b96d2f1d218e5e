// Copyright Contributors to the Nublado project

package kubeclient

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// PodClient adds the phase- and event-watching primitives that only make
// sense for pods on top of the generic wrapper.
type PodClient struct {
	*Client[*corev1.Pod]
	cs kubernetes.Interface
}

func NewPodClient(cs kubernetes.Interface) *PodClient {
	return &PodClient{
		cs: cs,
		Client: New(API[*corev1.Pod]{
			Kind: "Pod",
			Create: func(ctx context.Context, ns string, obj *corev1.Pod, opts metav1.CreateOptions) (*corev1.Pod, error) {
				return cs.CoreV1().Pods(ns).Create(ctx, obj, opts)
			},
			Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.Pod, error) {
				return cs.CoreV1().Pods(ns).Get(ctx, name, opts)
			},
			List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.Pod, error) {
				list, err := cs.CoreV1().Pods(ns).List(ctx, opts)
				if err != nil {
					return nil, err
				}
				return itemPtrs(list.Items), nil
			},
			Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
				return cs.CoreV1().Pods(ns).Delete(ctx, name, opts)
			},
			Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
				return cs.CoreV1().Pods(ns).Watch(ctx, opts)
			},
		}),
	}
}

// WaitForPhase blocks until the named pod's phase leaves untilNot, returning
// the first phase outside that set. A deleted pod returns nil. PodUnknown
// receives no special handling; if it is in untilNot the wait simply
// continues until the budget expires.
func (c *PodClient) WaitForPhase(ctx context.Context, ns, name string, untilNot map[corev1.PodPhase]bool, to *timeout.Timeout) (*corev1.PodPhase, error) {
	pod, found, err := c.Read(ctx, ns, name, to)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if !untilNot[pod.Status.Phase] {
		phase := pod.Status.Phase
		return &phase, nil
	}

	var result *corev1.PodPhase
	err = c.watch(ctx, ns, metav1.ListOptions{
		FieldSelector:   "metadata.name=" + name,
		ResourceVersion: pod.ResourceVersion,
	}, to, func(ev watch.Event) (bool, error) {
		if ev.Type == watch.Deleted {
			return true, nil
		}
		p, ok := ev.Object.(*corev1.Pod)
		if !ok {
			return false, nil
		}
		if !untilNot[p.Status.Phase] {
			phase := p.Status.Phase
			result = &phase
			return true, nil
		}
		return false, nil
	})
	return result, err
}

// Observe streams pod changes in ns to handle until handle reports done or
// the budget expires. The underlying watch follows the standard restart
// rules, so expired resource versions and server-side closes are survived.
func (c *PodClient) Observe(ctx context.Context, ns, labelSelector string, to *timeout.Timeout, handle func(pod *corev1.Pod, typ watch.EventType) (bool, error)) error {
	return c.watch(ctx, ns, metav1.ListOptions{LabelSelector: labelSelector}, to, func(ev watch.Event) (bool, error) {
		pod, ok := ev.Object.(*corev1.Pod)
		if !ok {
			return false, nil
		}
		return handle(pod, ev.Type)
	})
}

// WatchEvents streams the messages of Kubernetes Events for the named pod to
// handle until the budget expires or handle reports done. Used for spawn
// progress reporting; the caller treats expiry as a best-effort end.
func (c *PodClient) WatchEvents(ctx context.Context, ns, name string, to *timeout.Timeout, handle func(message string) (bool, error)) error {
	events := New(API[*corev1.Event]{
		Kind: "Event",
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.Event, error) {
			return c.cs.CoreV1().Events(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.Event, error) {
			list, err := c.cs.CoreV1().Events(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return c.cs.CoreV1().Events(ns).Watch(ctx, opts)
		},
	})
	return events.watch(ctx, ns, metav1.ListOptions{
		FieldSelector: "involvedObject.kind=Pod,involvedObject.name=" + name,
	}, to, func(ev watch.Event) (bool, error) {
		event, ok := ev.Object.(*corev1.Event)
		if !ok || event.Message == "" {
			return false, nil
		}
		return handle(event.Message)
	})
}
