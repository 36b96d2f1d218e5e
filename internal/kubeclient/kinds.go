// Copyright Contributors to the Nublado project

package kubeclient

import (
	"context"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// Clients bundles one wrapper per kind the controller manages.
type Clients struct {
	Namespace     *Client[*corev1.Namespace]
	ConfigMap     *Client[*corev1.ConfigMap]
	Secret        *Client[*corev1.Secret]
	Service       *Client[*corev1.Service]
	Pod           *PodClient
	PVC           *Client[*corev1.PersistentVolumeClaim]
	Quota         *Client[*corev1.ResourceQuota]
	NetworkPolicy *Client[*networkingv1.NetworkPolicy]
	Job           *Client[*batchv1.Job]
	Ingress       *IngressClient
}

// NewClients builds the full set from a clientset.
func NewClients(cs kubernetes.Interface) *Clients {
	return &Clients{
		Namespace:     NewNamespaceClient(cs),
		ConfigMap:     NewConfigMapClient(cs),
		Secret:        NewSecretClient(cs),
		Service:       NewServiceClient(cs),
		Pod:           NewPodClient(cs),
		PVC:           NewPVCClient(cs),
		Quota:         NewQuotaClient(cs),
		NetworkPolicy: NewNetworkPolicyClient(cs),
		Job:           NewJobClient(cs),
		Ingress:       NewIngressClient(cs),
	}
}

// NewNamespaceClient wraps the cluster-scoped Namespace API; the namespace
// argument of every call is ignored.
func NewNamespaceClient(cs kubernetes.Interface) *Client[*corev1.Namespace] {
	return New(API[*corev1.Namespace]{
		Kind: "Namespace",
		Create: func(ctx context.Context, _ string, obj *corev1.Namespace, opts metav1.CreateOptions) (*corev1.Namespace, error) {
			return cs.CoreV1().Namespaces().Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, _, name string, opts metav1.GetOptions) (*corev1.Namespace, error) {
			return cs.CoreV1().Namespaces().Get(ctx, name, opts)
		},
		List: func(ctx context.Context, _ string, opts metav1.ListOptions) ([]*corev1.Namespace, error) {
			list, err := cs.CoreV1().Namespaces().List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, _, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().Namespaces().Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, _ string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Namespaces().Watch(ctx, opts)
		},
	})
}

func NewConfigMapClient(cs kubernetes.Interface) *Client[*corev1.ConfigMap] {
	return New(API[*corev1.ConfigMap]{
		Kind: "ConfigMap",
		Create: func(ctx context.Context, ns string, obj *corev1.ConfigMap, opts metav1.CreateOptions) (*corev1.ConfigMap, error) {
			return cs.CoreV1().ConfigMaps(ns).Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.ConfigMap, error) {
			return cs.CoreV1().ConfigMaps(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.ConfigMap, error) {
			list, err := cs.CoreV1().ConfigMaps(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().ConfigMaps(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().ConfigMaps(ns).Watch(ctx, opts)
		},
	})
}

func NewSecretClient(cs kubernetes.Interface) *Client[*corev1.Secret] {
	return New(API[*corev1.Secret]{
		Kind: "Secret",
		Create: func(ctx context.Context, ns string, obj *corev1.Secret, opts metav1.CreateOptions) (*corev1.Secret, error) {
			return cs.CoreV1().Secrets(ns).Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.Secret, error) {
			return cs.CoreV1().Secrets(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.Secret, error) {
			list, err := cs.CoreV1().Secrets(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().Secrets(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Secrets(ns).Watch(ctx, opts)
		},
	})
}

func NewServiceClient(cs kubernetes.Interface) *Client[*corev1.Service] {
	return New(API[*corev1.Service]{
		Kind: "Service",
		Create: func(ctx context.Context, ns string, obj *corev1.Service, opts metav1.CreateOptions) (*corev1.Service, error) {
			return cs.CoreV1().Services(ns).Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.Service, error) {
			return cs.CoreV1().Services(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.Service, error) {
			list, err := cs.CoreV1().Services(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().Services(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Services(ns).Watch(ctx, opts)
		},
	})
}

func NewPVCClient(cs kubernetes.Interface) *Client[*corev1.PersistentVolumeClaim] {
	return New(API[*corev1.PersistentVolumeClaim]{
		Kind: "PersistentVolumeClaim",
		Create: func(ctx context.Context, ns string, obj *corev1.PersistentVolumeClaim, opts metav1.CreateOptions) (*corev1.PersistentVolumeClaim, error) {
			return cs.CoreV1().PersistentVolumeClaims(ns).Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.PersistentVolumeClaim, error) {
			return cs.CoreV1().PersistentVolumeClaims(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.PersistentVolumeClaim, error) {
			list, err := cs.CoreV1().PersistentVolumeClaims(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().PersistentVolumeClaims(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().PersistentVolumeClaims(ns).Watch(ctx, opts)
		},
	})
}

func NewQuotaClient(cs kubernetes.Interface) *Client[*corev1.ResourceQuota] {
	return New(API[*corev1.ResourceQuota]{
		Kind: "ResourceQuota",
		Create: func(ctx context.Context, ns string, obj *corev1.ResourceQuota, opts metav1.CreateOptions) (*corev1.ResourceQuota, error) {
			return cs.CoreV1().ResourceQuotas(ns).Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.ResourceQuota, error) {
			return cs.CoreV1().ResourceQuotas(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.ResourceQuota, error) {
			list, err := cs.CoreV1().ResourceQuotas(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().ResourceQuotas(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().ResourceQuotas(ns).Watch(ctx, opts)
		},
	})
}

func NewNetworkPolicyClient(cs kubernetes.Interface) *Client[*networkingv1.NetworkPolicy] {
	return New(API[*networkingv1.NetworkPolicy]{
		Kind: "NetworkPolicy",
		Create: func(ctx context.Context, ns string, obj *networkingv1.NetworkPolicy, opts metav1.CreateOptions) (*networkingv1.NetworkPolicy, error) {
			return cs.NetworkingV1().NetworkPolicies(ns).Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*networkingv1.NetworkPolicy, error) {
			return cs.NetworkingV1().NetworkPolicies(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*networkingv1.NetworkPolicy, error) {
			list, err := cs.NetworkingV1().NetworkPolicies(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.NetworkingV1().NetworkPolicies(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.NetworkingV1().NetworkPolicies(ns).Watch(ctx, opts)
		},
	})
}

func NewJobClient(cs kubernetes.Interface) *Client[*batchv1.Job] {
	return New(API[*batchv1.Job]{
		Kind: "Job",
		Create: func(ctx context.Context, ns string, obj *batchv1.Job, opts metav1.CreateOptions) (*batchv1.Job, error) {
			return cs.BatchV1().Jobs(ns).Create(ctx, obj, opts)
		},
		Read: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*batchv1.Job, error) {
			return cs.BatchV1().Jobs(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*batchv1.Job, error) {
			list, err := cs.BatchV1().Jobs(ns).List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return itemPtrs(list.Items), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.BatchV1().Jobs(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.BatchV1().Jobs(ns).Watch(ctx, opts)
		},
	})
}

// itemPtrs converts a typed list's items slice into a slice of pointers
// without copying the objects again.
func itemPtrs[T any](items []T) []*T {
	out := make([]*T, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}
