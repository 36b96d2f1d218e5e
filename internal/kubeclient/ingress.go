// Copyright Contributors to the Nublado project

package kubeclient

import (
	"context"

	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// IngressClient adds the load-balancer-IP wait to the generic wrapper.
type IngressClient struct {
	*Client[*networkingv1.Ingress]
}

func NewIngressClient(cs kubernetes.Interface) *IngressClient {
	return &IngressClient{
		Client: New(API[*networkingv1.Ingress]{
			Kind: "Ingress",
			Create: func(ctx context.Context, ns string, obj *networkingv1.Ingress, opts metav1.CreateOptions) (*networkingv1.Ingress, error) {
				return cs.NetworkingV1().Ingresses(ns).Create(ctx, obj, opts)
			},
			Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*networkingv1.Ingress, error) {
				return cs.NetworkingV1().Ingresses(ns).Get(ctx, name, opts)
			},
			List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*networkingv1.Ingress, error) {
				list, err := cs.NetworkingV1().Ingresses(ns).List(ctx, opts)
				if err != nil {
					return nil, err
				}
				return itemPtrs(list.Items), nil
			},
			Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
				return cs.NetworkingV1().Ingresses(ns).Delete(ctx, name, opts)
			},
			Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
				return cs.NetworkingV1().Ingresses(ns).Watch(ctx, opts)
			},
		}),
	}
}

func ingressIP(ing *networkingv1.Ingress) string {
	for _, lb := range ing.Status.LoadBalancer.Ingress {
		if lb.IP != "" {
			return lb.IP
		}
	}
	return ""
}

// WaitForIP blocks until the named Ingress has a load-balancer IP and
// returns it. The Ingress may not exist yet when the wait starts; creation
// is observed through the watch.
func (c *IngressClient) WaitForIP(ctx context.Context, ns, name string, to *timeout.Timeout) (string, error) {
	opts := metav1.ListOptions{FieldSelector: "metadata.name=" + name}
	ing, found, err := c.Read(ctx, ns, name, to)
	if err != nil {
		return "", err
	}
	if found {
		if ip := ingressIP(ing); ip != "" {
			return ip, nil
		}
		opts.ResourceVersion = ing.ResourceVersion
	}

	ip := ""
	err = c.watch(ctx, ns, opts, to, func(ev watch.Event) (bool, error) {
		obj, ok := ev.Object.(*networkingv1.Ingress)
		if !ok || ev.Type == watch.Deleted {
			return false, nil
		}
		if got := ingressIP(obj); got != "" {
			ip = got
			return true, nil
		}
		return false, nil
	})
	return ip, err
}
