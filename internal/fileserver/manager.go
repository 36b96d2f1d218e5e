// Copyright Contributors to the Nublado project

package fileserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/dynamic"
	"k8s.io/utils/ptr"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/kubeclient"
	nublabels "github.com/lsst-sqre/nublado-controller/internal/labels"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// userServer is the per-user record. The per-user lock serializes create
// and delete for that user without blocking everyone else.
type userServer struct {
	mu      sync.Mutex
	running bool
}

// Manager creates and reaps per-user file servers.
type Manager struct {
	cfg     *config.Config
	builder *Builder
	clients *kubeclient.Clients
	ingress *kubeclient.Client[*unstructured.Unstructured]
	alerts  *alert.Sink
	log     logr.Logger

	mu    sync.Mutex
	users map[string]*userServer
}

func NewManager(
	cfg *config.Config,
	clients *kubeclient.Clients,
	dyn dynamic.Interface,
	alerts *alert.Sink,
	log logr.Logger,
) (*Manager, error) {
	builder, err := NewBuilder(&cfg.Fileserver, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		builder: builder,
		clients: clients,
		ingress: kubeclient.NewCustomClient(dyn, kubeclient.GafaelfawrIngressGVR, "GafaelfawrIngress"),
		alerts:  alerts,
		log:     log,
		users:   map[string]*userServer{},
	}, nil
}

// Enabled reports whether the file-server feature is configured at all.
func (m *Manager) Enabled() bool { return m.cfg.Fileserver.Enabled }

// URL returns the user-facing address of a user's file server.
func (m *Manager) URL(username string) string { return m.builder.URL(username) }

func (m *Manager) user(username string) *userServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		u = &userServer{}
		m.users[username] = u
	}
	return u
}

// Running lists users with a running file server, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for username, u := range m.users {
		if u.running {
			names = append(names, username)
		}
	}
	sort.Strings(names)
	return names
}

// IsRunning reports one user's status.
func (m *Manager) IsRunning(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	return ok && u.running
}

func (m *Manager) setRunning(username string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		if !running {
			return
		}
		u = &userServer{}
		m.users[username] = u
	}
	u.running = running
}

// Create brings up a file server for the user if one is not already
// running. Idempotent; concurrent calls for the same user serialize on the
// per-user lock and the later ones see running=true.
func (m *Manager) Create(ctx context.Context, user *gafaelfawr.UserInfo) error {
	if !m.Enabled() {
		return nuberr.NewClientError(nuberr.KindNotConfigured, "file servers are not configured")
	}
	u := m.user(user.Username)
	u.mu.Lock()
	defer u.mu.Unlock()
	if m.IsRunning(user.Username) {
		return nil
	}

	to := timeout.New("file server create", user.Username, m.cfg.Fileserver.Timeout.Duration)
	if err := m.create(ctx, user, to); err != nil {
		// Half-created servers are torn down so a retry starts clean.
		cleanup := timeout.New("file server cleanup", user.Username, m.cfg.Fileserver.Timeout.Duration)
		if cleanupErr := m.delete(context.WithoutCancel(ctx), user.Username, cleanup); cleanupErr != nil {
			m.log.Error(cleanupErr, "file server cleanup failed", "user", user.Username)
		}
		return to.Translate(err)
	}
	m.setRunning(user.Username, true)
	return nil
}

func (m *Manager) create(ctx context.Context, user *gafaelfawr.UserInfo, to *timeout.Timeout) error {
	ns := m.cfg.Fileserver.Namespace
	name := ObjectName(user.Username)
	replace := kubeclient.CreateOptions{Replace: true}

	for _, pvc := range m.builder.BuildPVCs(user.Username) {
		if err := m.clients.PVC.Create(ctx, ns, pvc, to, replace); err != nil {
			return err
		}
	}
	if err := m.ingress.Create(ctx, ns, m.builder.BuildIngress(user.Username), to, replace); err != nil {
		return err
	}
	if err := m.clients.Service.Create(ctx, ns, m.builder.BuildService(user.Username), to, replace); err != nil {
		return err
	}
	if err := m.clients.Job.Create(ctx, ns, m.builder.BuildJob(user), to, replace); err != nil {
		return err
	}

	if _, err := m.clients.Ingress.WaitForIP(ctx, ns, name, to); err != nil {
		return err
	}

	pod, err := m.findPod(ctx, user.Username, to)
	if err != nil {
		return err
	}
	if pod == nil {
		return fmt.Errorf("no pod appeared for file server %s/%s", ns, name)
	}
	phase, err := m.clients.Pod.WaitForPhase(ctx, ns, pod.Name,
		map[corev1.PodPhase]bool{corev1.PodPending: true, corev1.PodUnknown: true}, to)
	if err != nil {
		return err
	}
	if phase == nil || (*phase != corev1.PodRunning && *phase != corev1.PodSucceeded) {
		return fmt.Errorf("file server pod for %s did not start", user.Username)
	}
	return nil
}

func (m *Manager) findPod(ctx context.Context, username string, to *timeout.Timeout) (*corev1.Pod, error) {
	selector := labels.SelectorFromSet(nublabels.ForUser(nublabels.CategoryFileserver, username)).String()
	pods, err := m.clients.Pod.List(ctx, m.cfg.Fileserver.Namespace, selector, to)
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, nil
	}
	return pods[0], nil
}

// Delete tears down a user's file server. Missing objects are silent; a 404
// overall is reported through running=false, which the caller checks.
func (m *Manager) Delete(ctx context.Context, username string) error {
	u := m.user(username)
	u.mu.Lock()
	defer u.mu.Unlock()

	to := timeout.New("file server delete", username, m.cfg.Fileserver.Timeout.Duration)
	err := m.delete(ctx, username, to)
	m.setRunning(username, false)
	return to.Translate(err)
}

// delete removes the objects in dependency order: the GafaelfawrIngress
// first (Foreground, so the expanded Ingress cascades), confirming the
// cascaded Ingress is gone before the Service and Job go.
func (m *Manager) delete(ctx context.Context, username string, to *timeout.Timeout) error {
	ns := m.cfg.Fileserver.Namespace
	name := ObjectName(username)
	foreground := ptr.To(metav1.DeletePropagationForeground)

	if err := m.ingress.Delete(ctx, ns, name, to, kubeclient.DeleteOptions{
		Wait: true, Propagation: foreground,
	}); err != nil {
		return err
	}
	if err := m.clients.Ingress.WaitForDeletion(ctx, ns, name, to); err != nil {
		return err
	}
	if err := m.clients.Service.Delete(ctx, ns, name, to, kubeclient.DeleteOptions{}); err != nil {
		return err
	}
	if err := m.clients.Job.Delete(ctx, ns, name, to, kubeclient.DeleteOptions{
		Wait: true, Propagation: foreground,
	}); err != nil {
		return err
	}

	selector := labels.SelectorFromSet(nublabels.ForUser(nublabels.CategoryFileserver, username)).String()
	pvcs, err := m.clients.PVC.List(ctx, ns, selector, to)
	if err != nil {
		return err
	}
	for _, pvc := range pvcs {
		if err := m.clients.PVC.Delete(ctx, ns, pvc.Name, to, kubeclient.DeleteOptions{}); err != nil {
			return err
		}
	}
	return nil
}
