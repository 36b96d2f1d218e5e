// Copyright Contributors to the Nublado project

// Package prepuller drives prepull pods onto worker nodes so that every
// image in the spawner menu is already cached when a lab asks for it.
package prepuller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/image"
	"github.com/lsst-sqre/nublado-controller/internal/kubeclient"
	"github.com/lsst-sqre/nublado-controller/internal/labels"
	"github.com/lsst-sqre/nublado-controller/internal/metadata"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// podBudget bounds one prepull pod from creation through deletion. Pulling
// a multi-gigabyte image over a loaded link can legitimately take a while.
const podBudget = 10 * time.Minute

// Prepuller pulls missing images node by node. Nodes proceed in parallel;
// each node's pulls are strictly sequential to bound its I/O load.
type Prepuller struct {
	images *image.Service
	pods   *kubeclient.PodClient
	meta   *metadata.Metadata
	alerts *alert.Sink
	log    logr.Logger
}

func New(images *image.Service, pods *kubeclient.PodClient, meta *metadata.Metadata, alerts *alert.Sink, log logr.Logger) *Prepuller {
	return &Prepuller{images: images, pods: pods, meta: meta, alerts: alerts, log: log}
}

// Run executes prepull workers whenever the image service signals a
// completed refresh, until ctx is canceled.
func (p *Prepuller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.images.Refreshed():
		}
		p.Pull(ctx)
	}
}

// Pull runs one pass over the current missing-by-node table and waits for
// all node workers to finish.
func (p *Prepuller) Pull(ctx context.Context) {
	missing := p.images.MissingImagesByNode()
	var wg sync.WaitGroup
	for node, images := range missing {
		if len(images) == 0 {
			continue
		}
		wg.Add(1)
		go func(node string, images []*image.Image) {
			defer wg.Done()
			p.pullNode(ctx, node, images)
		}(node, images)
	}
	wg.Wait()
}

// pullNode pulls each missing image onto one node, sequentially. A failed
// pull is reported and skipped; the image stays missing and the next
// refresh retries it.
func (p *Prepuller) pullNode(ctx context.Context, node string, images []*image.Image) {
	for _, img := range images {
		if ctx.Err() != nil {
			return
		}
		if err := p.pullOne(ctx, node, img); err != nil {
			p.log.Error(err, "prepull failed", "node", node, "image", img.Reference())
			p.alerts.Error(ctx, err, fmt.Sprintf("Prepull of %s onto %s failed", img.Tag.Tag, node))
			continue
		}
		p.images.MarkPrepulled(img, node)
		p.log.Info("prepulled image", "node", node, "image", img.Reference())
	}
}

// pullOne runs a single prepull pod to completion on the node. The pod does
// nothing; scheduling it is what forces the kubelet to pull the image.
func (p *Prepuller) pullOne(ctx context.Context, node string, img *image.Image) error {
	to := timeout.New("prepull", "", podBudget)
	pod := p.buildPod(node, img)

	err := p.pods.Create(ctx, pod.Namespace, pod, to, kubeclient.CreateOptions{Replace: true})
	if err != nil {
		return err
	}
	phase, err := p.pods.WaitForPhase(ctx, pod.Namespace, pod.Name, map[corev1.PodPhase]bool{
		corev1.PodPending: true,
		corev1.PodUnknown: true,
		corev1.PodRunning: true,
	}, to)
	if err != nil {
		return err
	}
	if err := p.pods.Delete(ctx, pod.Namespace, pod.Name, to, kubeclient.DeleteOptions{}); err != nil {
		return err
	}
	if phase == nil {
		return fmt.Errorf("prepull pod %s deleted before finishing", pod.Name)
	}
	if *phase != corev1.PodSucceeded {
		return fmt.Errorf("prepull pod %s ended in phase %s", pod.Name, *phase)
	}
	return nil
}

// buildPod renders the transient prepull pod. The owner reference points at
// the controller's own pod so the cluster garbage-collects leftovers if the
// controller dies mid-pull.
func (p *Prepuller) buildPod(node string, img *image.Image) *corev1.Pod {
	name := fmt.Sprintf("prepull-%s-%s", image.SanitizeTag(img.Tag.Tag), node)
	var owners []metav1.OwnerReference
	if ref := p.meta.OwnerReference(); ref != nil {
		owners = []metav1.OwnerReference{*ref}
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       p.meta.Namespace,
			Labels:          labels.For(labels.CategoryPrepuller),
			Annotations:     labels.Annotations(),
			OwnerReferences: owners,
		},
		Spec: corev1.PodSpec{
			NodeName:      node,
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "prepull",
					Image:   img.ReferenceWithDigest(),
					Command: []string{"/bin/true"},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: ptr.To(false),
					},
				},
			},
		},
	}
}
