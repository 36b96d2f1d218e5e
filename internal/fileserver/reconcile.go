// Copyright Contributors to the Nublado project

package fileserver

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"

	nublabels "github.com/lsst-sqre/nublado-controller/internal/labels"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

const reconcileBudget = 5 * time.Minute

// Reconcile rebuilds the running-user set from the cluster. A user counts
// as running only when the Job's pod is Running and the cascaded Ingress
// has an address; anything short of that is deleted so a later create
// starts clean.
func (m *Manager) Reconcile(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	to := timeout.New("file server reconcile", "", reconcileBudget)
	ns := m.cfg.Fileserver.Namespace

	selector := labels.SelectorFromSet(nublabels.For(nublabels.CategoryFileserver)).String()
	jobs, err := m.clients.Job.List(ctx, ns, selector, to)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, job := range jobs {
		username := job.Labels[nublabels.User]
		if username == "" {
			match := podNameRegexp.FindStringSubmatch(job.Name)
			if match == nil {
				continue
			}
			username = match[1]
		}
		seen[username] = true

		running, err := m.observedRunning(ctx, username, to)
		if err != nil {
			m.log.Error(err, "file server reconciliation failed", "user", username)
			m.alerts.Error(ctx, err, "File server reconciliation failed for "+username)
			continue
		}
		if running {
			m.setRunning(username, true)
			continue
		}
		m.log.Info("deleting incomplete file server", "user", username)
		if err := m.Delete(ctx, username); err != nil {
			m.log.Error(err, "file server delete failed during reconciliation", "user", username)
			m.alerts.Error(ctx, err, "File server delete failed for "+username)
		}
	}

	for _, username := range m.Running() {
		if !seen[username] {
			m.setRunning(username, false)
		}
	}
	return nil
}

// observedRunning checks the pod phase and the Ingress address for one
// user's file server.
func (m *Manager) observedRunning(ctx context.Context, username string, to *timeout.Timeout) (bool, error) {
	pod, err := m.findPod(ctx, username, to)
	if err != nil {
		return false, err
	}
	if pod == nil || pod.Status.Phase != corev1.PodRunning {
		return false, nil
	}

	ingress, found, err := m.clients.Ingress.Read(ctx, m.cfg.Fileserver.Namespace, ObjectName(username), to)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	for _, lb := range ingress.Status.LoadBalancer.Ingress {
		if lb.IP != "" {
			return true, nil
		}
	}
	return false, nil
}
