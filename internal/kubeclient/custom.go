// Copyright Contributors to the Nublado project

package kubeclient

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
)

// GafaelfawrIngressGVR identifies the GafaelfawrIngress custom resource,
// the authenticated ingress Gafaelfawr expands into a plain Ingress.
var GafaelfawrIngressGVR = schema.GroupVersionResource{
	Group:    "gafaelfawr.lsst.io",
	Version:  "v1alpha1",
	Resource: "gafaelfawringresses",
}

// NewCustomClient wraps a namespaced custom resource behind the same generic
// surface as the typed kinds, via the dynamic client.
func NewCustomClient(dyn dynamic.Interface, gvr schema.GroupVersionResource, kind string) *Client[*unstructured.Unstructured] {
	return New(API[*unstructured.Unstructured]{
		Kind: kind,
		Create: func(ctx context.Context, ns string, obj *unstructured.Unstructured, opts metav1.CreateOptions) (*unstructured.Unstructured, error) {
			return dyn.Resource(gvr).Namespace(ns).Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*unstructured.Unstructured, error) {
			return dyn.Resource(gvr).Namespace(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*unstructured.Unstructured, error) {
			list, err := dyn.Resource(gvr).Namespace(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return dyn.Resource(gvr).Namespace(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return dyn.Resource(gvr).Namespace(ns).Watch(ctx, opts)
		},
	})
}
