// Copyright Contributors to the Nublado project

package fileserver

import (
	"context"
	"regexp"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	nublabels "github.com/lsst-sqre/nublado-controller/internal/labels"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// watchCycle bounds one watch call; the loop immediately restarts after
// expiry so the watch is effectively unbounded.
const watchCycle = time.Hour

// podNameRegexp recovers the username from a file-server pod that lost its
// labels. Job pods carry a random suffix after the -fs stem.
var podNameRegexp = regexp.MustCompile(`^(.*)-fs(?:-[a-z0-9]+)?$`)

// Watch reaps file servers whose pod has finished. The file server exits on
// its own after its idle timeout, which shows up here as a Succeeded pod.
// Runs until ctx is canceled.
func (m *Manager) Watch(ctx context.Context) error {
	for {
		to := timeout.New("file server watch", "", watchCycle)
		err := m.clients.Pod.Observe(ctx, m.cfg.Fileserver.Namespace, "",
			to, func(pod *corev1.Pod, typ watch.EventType) (bool, error) {
				if typ == watch.Deleted {
					return false, nil
				}
				if pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed {
					return false, nil
				}
				username := podUsername(pod)
				if username == "" {
					return false, nil
				}
				m.log.Info("reaping finished file server", "user", username, "phase", pod.Status.Phase)
				go func() {
					if err := m.Delete(context.WithoutCancel(ctx), username); err != nil {
						m.log.Error(err, "file server reap failed", "user", username)
						m.alerts.Error(ctx, err, "File server reap failed for "+username)
					}
				}()
				return false, nil
			})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !nuberr.IsTimeout(err) {
			m.log.Error(err, "file server pod watch failed")
			m.alerts.Error(ctx, err, "File server pod watch failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// podUsername resolves the owning user of a file-server pod, preferring the
// label and falling back to the pod name.
func podUsername(pod *corev1.Pod) string {
	if username := pod.Labels[nublabels.User]; username != "" {
		return username
	}
	match := podNameRegexp.FindStringSubmatch(pod.Name)
	if match == nil {
		return ""
	}
	return match[1]
}
