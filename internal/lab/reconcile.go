// Copyright Contributors to the Nublado project

package lab

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// reconcileBudget bounds the cluster reads of one reconciliation pass.
const reconcileBudget = 5 * time.Minute

// Reconcile aligns the in-memory lab map with the cluster. Namespaces whose
// objects no longer form a coherent lab are deleted; stored statuses are
// overwritten by observation; labs found only in the cluster are adopted;
// labs with no backing namespace are failed; settled labs are queued for
// deletion. Users with an operation in flight are left alone, since their
// monitor goroutine owns the truth, and the whole pass is skipped when the
// set of known users changed while the cluster was being read.
func (m *Manager) Reconcile(ctx context.Context) error {
	to := timeout.New("lab reconcile", "", reconcileBudget)
	known := m.knownUsers()

	namespaces, err := m.clients.Namespace.List(ctx, "", "", to)
	if err != nil {
		return err
	}
	observed := map[string]*State{}
	for _, ns := range namespaces {
		username := m.builder.Username(ns.Name)
		if username == "" || ns.DeletionTimestamp != nil {
			continue
		}
		state, err := m.observeUser(ctx, username, to)
		if err != nil {
			m.log.Error(err, "lab reconciliation failed", "user", username)
			m.alerts.Error(ctx, err, fmt.Sprintf("Lab reconciliation failed for %s", username))
			continue
		}
		observed[username] = state
	}

	// A spawn or delete accepted while the cluster was being read makes
	// the observations stale; catch up next cycle instead.
	if m.usersChanged(known) {
		m.log.Info("lab map changed during reconciliation, skipping pass")
		return nil
	}
	busy := m.busyUsers()

	for username, state := range observed {
		if busy[username] {
			continue
		}
		switch {
		case state == nil:
			// The namespace exists but its objects are not a coherent lab.
			m.log.Info("deleting incoherent lab namespace",
				"user", username, "namespace", m.builder.Namespace(username))
			if err := m.deleteNamespace(ctx, username, to); err != nil {
				m.log.Error(err, "lab namespace delete failed", "user", username)
				m.alerts.Error(ctx, err, fmt.Sprintf("Lab reconciliation failed for %s", username))
			}
		case known[username]:
			m.setStatus(username, state.Status)
		default:
			if m.adopt(username, state) {
				m.log.V(1).Info("reconciled lab", "user", username, "status", state.Status)
			}
		}
		if state != nil && state.Status == StatusPending {
			go m.watchPending(username)
		}
	}

	// A lab with no backing namespace is failed; the settled sweep below
	// queues its deletion.
	for _, username := range m.Usernames() {
		if _, ok := observed[username]; ok || busy[username] {
			continue
		}
		m.setStatus(username, StatusFailed)
	}

	for _, username := range m.settledUsers() {
		go func() {
			if err := m.Delete(ctx, username); err != nil {
				m.log.Error(err, "lab cleanup failed", "user", username)
			}
		}()
	}
	return nil
}

// observeUser rebuilds one user's state from the namespace's objects, or
// nil when they do not form a coherent lab.
func (m *Manager) observeUser(ctx context.Context, username string, to *timeout.Timeout) (*State, error) {
	ns := m.builder.Namespace(username)

	envCM, found, err := m.clients.ConfigMap.Read(ctx, ns, m.builder.envConfigMapName(username), to)
	if err != nil {
		return nil, err
	}
	if !found {
		envCM = nil
	}
	pod, found, err := m.clients.Pod.Read(ctx, ns, m.builder.PodName(username), to)
	if err != nil {
		return nil, err
	}
	if !found {
		pod = nil
	}
	quota, found, err := m.clients.Quota.Read(ctx, ns, m.builder.PodName(username), to)
	if err != nil {
		return nil, err
	}
	if !found {
		quota = nil
	}
	return m.builder.RecreateLabState(username, envCM, quota, pod), nil
}
