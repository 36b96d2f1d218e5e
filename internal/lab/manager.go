// Copyright Contributors to the Nublado project

package lab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/image"
	"github.com/lsst-sqre/nublado-controller/internal/kubeclient"
	"github.com/lsst-sqre/nublado-controller/internal/metadata"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// Spawn progress checkpoints. Between podCreated and the event ceiling each
// pod event closes a third of the remaining distance, so progress rises
// quickly at first and never reaches the ceiling early.
const (
	progressStart      = 2
	progressDeletedOld = 20
	progressObjects    = 25
	progressPodCreated = 30
	progressPodEvents  = 75
	progressPodRunning = 90
)

// reapRetention is how long a terminated or failed lab's record stays
// visible before the reaper drops it.
const reapRetention = 10 * time.Minute

// podDeleteGrace is the grace period for the lab pod during deletion. Labs
// hold no state worth a slow shutdown.
const podDeleteGrace = int64(1)

type operation string

const (
	opNone   operation = ""
	opSpawn  operation = "spawn"
	opDelete operation = "delete"
)

// monitor is the per-user record. Its state is mutated only by the single
// goroutine running the current operation; the manager lock guards the
// fields themselves.
type monitor struct {
	state   *State
	stream  *Stream
	op      operation
	cancel  context.CancelFunc
	done    chan struct{}
	settled time.Time
}

// Manager runs the spawn and delete state machines, one in-flight operation
// per user.
type Manager struct {
	cfg     *config.Config
	builder *Builder
	clients *kubeclient.Clients
	images  *image.Service
	alerts  *alert.Sink
	meta    *metadata.Metadata
	log     logr.Logger

	mu       sync.Mutex
	monitors map[string]*monitor
}

func NewManager(
	cfg *config.Config,
	clients *kubeclient.Clients,
	images *image.Service,
	alerts *alert.Sink,
	meta *metadata.Metadata,
	log logr.Logger,
) *Manager {
	return &Manager{
		cfg:      cfg,
		builder:  NewBuilder(&cfg.Lab),
		clients:  clients,
		images:   images,
		alerts:   alerts,
		meta:     meta,
		log:      log,
		monitors: map[string]*monitor{},
	}
}

// Builder exposes the object builder for reconciliation and tests.
func (m *Manager) Builder() *Builder { return m.builder }

// Usernames lists users with a known lab, sorted.
func (m *Manager) Usernames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.monitors))
	for u, mon := range m.monitors {
		if mon.state != nil {
			names = append(names, u)
		}
	}
	sort.Strings(names)
	return names
}

// State returns a copy of a user's lab state. For a nominally running lab
// the pod phase is probed so that an externally killed pod reads as failed.
func (m *Manager) State(ctx context.Context, username string) (*State, error) {
	m.mu.Lock()
	mon, ok := m.monitors[username]
	if !ok || mon.state == nil {
		m.mu.Unlock()
		return nil, nuberr.NewClientError(nuberr.KindUnknownUser, "no lab for %q", username)
	}
	state := *mon.state
	busy := mon.op != opNone
	m.mu.Unlock()

	if state.Status == StatusRunning && !busy {
		phase, err := m.podPhase(ctx, username)
		if err != nil {
			// JupyterHub keeps addressing users at their labs through a
			// flaky control plane; answer from the cache and let the next
			// probe catch up.
			m.log.Error(err, "lab status probe failed", "user", username)
			return &state, nil
		}
		if phase == nil || *phase != corev1.PodRunning {
			m.mu.Lock()
			if cur, ok := m.monitors[username]; ok && cur.op == opNone && cur.state != nil {
				cur.state.Status = StatusFailed
				state = *cur.state
			}
			m.mu.Unlock()
		}
	}
	return &state, nil
}

func (m *Manager) podPhase(ctx context.Context, username string) (*corev1.PodPhase, error) {
	to := timeout.New("lab status", username, 30*time.Second)
	pod, found, err := m.clients.Pod.Read(ctx, m.builder.Namespace(username), m.builder.PodName(username), to)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	phase := pod.Status.Phase
	return &phase, nil
}

// Events returns the live event stream of a user's most recent operation.
func (m *Manager) Events(username string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[username]
	if !ok || mon.stream == nil {
		return nil, nuberr.NewClientError(nuberr.KindUnknownUser, "no lab for %q", username)
	}
	return mon.stream, nil
}

// Spawn starts lab creation for a user and returns once the background
// operation is launched. Progress is reported on the user's event stream.
func (m *Manager) Spawn(user *gafaelfawr.UserInfo, token string, spec *Specification) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	resolved, size, quota, err := m.resolveSpawn(user, spec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mon := m.monitors[user.Username]
	if mon != nil {
		if mon.op != opNone {
			return nuberr.NewClientError(nuberr.KindOperationInProgress,
				"%s already in progress for %q", mon.op, user.Username)
		}
		if mon.state != nil && mon.state.Status.Running() {
			return nuberr.NewClientError(nuberr.KindLabExists, "lab already exists for %q", user.Username)
		}
	} else {
		mon = &monitor{}
		m.monitors[user.Username] = mon
	}

	ctx, cancel := context.WithCancel(context.Background())
	mon.op = opSpawn
	mon.cancel = cancel
	mon.done = make(chan struct{})
	mon.stream = NewStream()
	mon.state = &State{
		User:      *user,
		Options:   spec.Options,
		Image:     resolved.Reference,
		Status:    StatusPending,
		Resources: Resolve(size),
	}
	if quota != nil {
		mon.state.Quota = quota.Notebook
	}

	go m.runSpawn(ctx, mon, user, token, spec, resolved, size)
	return nil
}

// resolveSpawn turns the request into a pinned image, a size definition,
// and a quota check, all before any cluster work.
func (m *Manager) resolveSpawn(user *gafaelfawr.UserInfo, spec *Specification) (ResolvedImage, *config.SizeDefinition, *gafaelfawr.Quota, error) {
	kind, value := spec.Options.Selector()
	var img *image.Image
	var err error
	switch kind {
	case "reference":
		img, err = m.images.ImageForReference(value)
	case "class":
		img, err = m.images.ImageForClass(value)
	default:
		img, err = m.images.ImageForTagName(value)
	}
	if err != nil {
		return ResolvedImage{}, nil, nil, err
	}
	resolved := ResolvedImage{
		Reference:   img.Reference(),
		Tag:         img.Tag.Tag,
		Digest:      img.Digest,
		Description: m.images.Describe(img),
	}
	if img.Digest != "" {
		resolved.Reference = img.ReferenceWithDigest()
	}

	size, ok := m.cfg.Lab.Size(spec.Options.Size)
	if !ok {
		return ResolvedImage{}, nil, nil, nuberr.NewClientErrorAt(nuberr.KindInvalidLabSize,
			"options.size", "unknown size %q", spec.Options.Size)
	}

	if user.Quota != nil && user.Quota.Notebook != nil {
		nq := user.Quota.Notebook
		if size.CPU > nq.CPU || size.MemoryBytes() > nq.Memory {
			return ResolvedImage{}, nil, nil, nuberr.NewClientErrorAt(nuberr.KindInsufficientQuota,
				"options.size", "size %q exceeds quota (%.2f CPU, %d bytes)", spec.Options.Size, nq.CPU, nq.Memory)
		}
	}
	return resolved, size, user.Quota, nil
}

func (m *Manager) runSpawn(
	ctx context.Context,
	mon *monitor,
	user *gafaelfawr.UserInfo,
	token string,
	spec *Specification,
	resolved ResolvedImage,
	size *config.SizeDefinition,
) {
	to := timeout.New("lab spawn", user.Username, m.cfg.Lab.SpawnTimeout.Duration)
	err := m.spawn(ctx, mon, user, token, spec, resolved, size, to)
	err = to.Translate(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	mon.op = opNone
	mon.cancel = nil
	close(mon.done)
	if err != nil {
		if ctx.Err() != nil {
			// Canceled by a delete; the stream still gets its terminal
			// event for readers who followed the spawn.
			mon.stream.Publish(Event{Type: EventFailed, Message: "Lab creation canceled"})
			return
		}
		m.log.Error(err, "lab spawn failed", "user", user.Username)
		m.alerts.Error(ctx, err, fmt.Sprintf("Lab spawn failed for %s", user.Username))
		mon.state.Status = StatusFailed
		mon.settled = time.Now()
		mon.stream.Publish(Event{Type: EventFailed, Message: err.Error()})
		return
	}
	mon.state.Status = StatusRunning
	mon.state.InternalURL = m.builder.InternalURL(user.Username)
	mon.stream.Publish(Event{Type: EventComplete, Message: "Lab Kubernetes pod started", Progress: 100})
}

func (m *Manager) spawn(
	ctx context.Context,
	mon *monitor,
	user *gafaelfawr.UserInfo,
	token string,
	spec *Specification,
	resolved ResolvedImage,
	size *config.SizeDefinition,
	to *timeout.Timeout,
) error {
	username := user.Username
	ns := m.builder.Namespace(username)
	mon.stream.Publish(Event{Type: EventInfo,
		Message: fmt.Sprintf("Starting lab creation for %s", username), Progress: progressStart})

	// Leftovers of a previous lab are torn down inside the same budget.
	_, found, err := m.clients.Namespace.Read(ctx, "", ns, to)
	if err != nil {
		return err
	}
	if found {
		mon.stream.Publish(Event{Type: EventInfo,
			Message: "Deleting stale lab namespace", Progress: progressStart + 3})
		if err := m.deleteNamespace(ctx, username, to); err != nil {
			return err
		}
		mon.stream.Publish(Event{Type: EventInfo,
			Message: "Deleted stale lab namespace", Progress: progressDeletedOld})
	}

	secretData, pullSecret, err := m.gatherSecrets(ctx, to)
	if err != nil {
		return err
	}
	objects, err := m.builder.Build(user, spec, resolved, size, token, secretData, pullSecret)
	if err != nil {
		return err
	}
	if err := m.apply(ctx, objects, to); err != nil {
		return err
	}
	mon.stream.Publish(Event{Type: EventInfo, Message: "Created lab objects", Progress: progressObjects})
	mon.stream.Publish(Event{Type: EventInfo,
		Message: fmt.Sprintf("Created lab pod for %s", username), Progress: progressPodCreated})

	// Pod events narrate scheduling and image pull while we wait for the
	// pod to leave Pending.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go m.narratePodEvents(watchCtx, mon, ns, m.builder.PodName(username), to)

	phase, err := m.clients.Pod.WaitForPhase(ctx, ns, m.builder.PodName(username),
		map[corev1.PodPhase]bool{corev1.PodPending: true, corev1.PodUnknown: true}, to)
	if err != nil {
		return err
	}
	cancelWatch()
	if phase == nil {
		return fmt.Errorf("lab pod for %s disappeared while starting", username)
	}
	if *phase != corev1.PodRunning {
		return fmt.Errorf("lab pod for %s entered phase %s", username, *phase)
	}
	mon.stream.Publish(Event{Type: EventInfo, Message: "Lab pod running", Progress: progressPodRunning})
	return nil
}

// narratePodEvents forwards pod events to the stream, each one closing a
// third of the distance to the event ceiling.
func (m *Manager) narratePodEvents(ctx context.Context, mon *monitor, ns, name string, to *timeout.Timeout) {
	progress := progressPodCreated
	err := m.clients.Pod.WatchEvents(ctx, ns, name, to, func(message string) (bool, error) {
		progress = nextProgress(progress)
		mon.stream.Publish(Event{Type: EventInfo, Message: message, Progress: progress})
		return false, nil
	})
	if err != nil && ctx.Err() == nil && !nuberr.IsTimeout(err) {
		m.log.V(1).Info("pod event watch ended", "namespace", ns, "pod", name, "error", err.Error())
	}
}

// nextProgress advances an event-driven progress value a third of the
// remaining distance to the ceiling.
func nextProgress(progress int) int {
	return progress + (progressPodEvents-progress)/3
}

// gatherSecrets reads every configured source secret from the controller's
// namespace and merges the named keys, plus the pull secret if one is
// configured.
func (m *Manager) gatherSecrets(ctx context.Context, to *timeout.Timeout) (map[string][]byte, *corev1.Secret, error) {
	data := map[string][]byte{}
	for _, ref := range m.cfg.Lab.Secrets {
		secret, found, err := m.clients.Secret.Read(ctx, m.meta.Namespace, ref.SecretName, to)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, nil, fmt.Errorf("source secret %s/%s not found", m.meta.Namespace, ref.SecretName)
		}
		value, ok := secret.Data[ref.SecretKey]
		if !ok {
			return nil, nil, fmt.Errorf("source secret %s/%s has no key %q",
				m.meta.Namespace, ref.SecretName, ref.SecretKey)
		}
		data[ref.SecretKey] = value
	}

	var pullSecret *corev1.Secret
	if m.cfg.Lab.PullSecret != "" {
		secret, found, err := m.clients.Secret.Read(ctx, m.meta.Namespace, m.cfg.Lab.PullSecret, to)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, nil, fmt.Errorf("pull secret %s/%s not found", m.meta.Namespace, m.cfg.Lab.PullSecret)
		}
		pullSecret = secret
	}
	return data, pullSecret, nil
}

// apply creates the object set in dependency order, replacing any
// conflicting leftovers.
func (m *Manager) apply(ctx context.Context, set *ObjectSet, to *timeout.Timeout) error {
	replace := kubeclient.CreateOptions{Replace: true}
	if err := m.clients.Namespace.Create(ctx, "", set.Namespace, to, replace); err != nil {
		return err
	}
	ns := set.Namespace.Name
	for _, pvc := range set.PVCs {
		if err := m.clients.PVC.Create(ctx, ns, pvc, to, replace); err != nil {
			return err
		}
	}
	if err := m.clients.ConfigMap.Create(ctx, ns, set.EnvConfigMap, to, replace); err != nil {
		return err
	}
	for _, cm := range set.ConfigMaps {
		if err := m.clients.ConfigMap.Create(ctx, ns, cm, to, replace); err != nil {
			return err
		}
	}
	for _, secret := range set.Secrets {
		if err := m.clients.Secret.Create(ctx, ns, secret, to, replace); err != nil {
			return err
		}
	}
	if set.Quota != nil {
		if err := m.clients.Quota.Create(ctx, ns, set.Quota, to, replace); err != nil {
			return err
		}
	}
	if err := m.clients.NetworkPolicy.Create(ctx, ns, set.NetworkPolicy, to, replace); err != nil {
		return err
	}
	if err := m.clients.Service.Create(ctx, ns, set.Service, to, replace); err != nil {
		return err
	}
	return m.clients.Pod.Create(ctx, ns, set.Pod, to, replace)
}

// Delete removes a user's lab. A delete during a spawn cancels the spawn
// first; a delete during a delete joins the one in flight. The call blocks
// until the lab is gone.
func (m *Manager) Delete(ctx context.Context, username string) error {
	for {
		m.mu.Lock()
		mon, ok := m.monitors[username]
		if !ok || mon.state == nil {
			m.mu.Unlock()
			return nuberr.NewClientError(nuberr.KindUnknownUser, "no lab for %q", username)
		}
		switch mon.op {
		case opDelete:
			done := mon.done
			m.mu.Unlock()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case opSpawn:
			mon.cancel()
			done := mon.done
			m.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		mon.op = opDelete
		mon.done = make(chan struct{})
		mon.stream = NewStream()
		mon.state.Status = StatusTerminating
		mon.state.InternalURL = ""
		stream := mon.stream
		m.mu.Unlock()
		return m.runDelete(ctx, mon, username, stream)
	}
}

func (m *Manager) runDelete(ctx context.Context, mon *monitor, username string, stream *Stream) error {
	to := timeout.New("lab delete", username, m.cfg.Lab.DeleteTimeout.Duration)
	stream.Publish(Event{Type: EventInfo,
		Message: fmt.Sprintf("Deleting lab for %s", username), Progress: 25})
	err := m.deleteNamespace(ctx, username, to)
	err = to.Translate(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	mon.op = opNone
	close(mon.done)
	mon.settled = time.Now()
	if err != nil {
		m.log.Error(err, "lab delete failed", "user", username)
		m.alerts.Error(ctx, err, fmt.Sprintf("Lab deletion failed for %s", username))
		mon.state.Status = StatusFailed
		stream.Publish(Event{Type: EventFailed, Message: err.Error()})
		return err
	}
	mon.state.Status = StatusTerminated
	stream.Publish(Event{Type: EventInfo, Message: "Lab namespace deleted", Progress: 50})
	stream.Publish(Event{Type: EventComplete, Message: "Lab deleted", Progress: 100})
	// A terminated lab has no record; GET answers 404. Readers of the
	// stream keep their reference and drain it to the terminal event.
	delete(m.monitors, username)
	return nil
}

// deleteNamespace tears a lab down: pod first with a short grace period so
// the namespace deletion does not stall behind a slow lab shutdown, then
// the namespace itself, waiting until it is gone.
func (m *Manager) deleteNamespace(ctx context.Context, username string, to *timeout.Timeout) error {
	ns := m.builder.Namespace(username)
	err := m.clients.Pod.Delete(ctx, ns, m.builder.PodName(username), to, kubeclient.DeleteOptions{
		Wait:        true,
		GracePeriod: ptr.To(podDeleteGrace),
	})
	if err != nil {
		return err
	}
	return m.clients.Namespace.Delete(ctx, "", ns, to, kubeclient.DeleteOptions{
		Wait:        true,
		Propagation: ptr.To(metav1.DeletePropagationForeground),
	})
}

// Reap drops records of terminated and failed labs once they have been
// settled longer than the retention window. Their event streams stay
// readable until then.
func (m *Manager) Reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-reapRetention)
	for username, mon := range m.monitors {
		if mon.op != opNone || mon.state == nil {
			continue
		}
		if mon.state.Status.Running() {
			continue
		}
		if mon.settled.Before(cutoff) {
			delete(m.monitors, username)
		}
	}
}

// adopt installs a reconstructed state for a user with no in-flight
// operation. Used by reconciliation.
func (m *Manager) adopt(username string, state *State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon := m.monitors[username]
	if mon == nil {
		m.monitors[username] = &monitor{state: state, stream: NewStream()}
		return true
	}
	if mon.op != opNone {
		return false
	}
	mon.state = state
	return true
}

// busyUsers returns the set of users with an operation in flight.
func (m *Manager) busyUsers() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	busy := map[string]bool{}
	for username, mon := range m.monitors {
		if mon.op != opNone {
			busy[username] = true
		}
	}
	return busy
}

// knownUsers snapshots the key set of the lab map.
func (m *Manager) knownUsers() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := map[string]bool{}
	for username := range m.monitors {
		known[username] = true
	}
	return known
}

// usersChanged reports whether the lab map's key set differs from an
// earlier snapshot.
func (m *Manager) usersChanged(known map[string]bool) bool {
	current := m.knownUsers()
	if len(current) != len(known) {
		return true
	}
	for username := range current {
		if !known[username] {
			return true
		}
	}
	return false
}

// setStatus overwrites a user's stored status if no operation is in
// flight. Used by reconciliation.
func (m *Manager) setStatus(username string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon := m.monitors[username]
	if mon == nil || mon.op != opNone || mon.state == nil {
		return
	}
	if mon.state.Status != status {
		mon.state.Status = status
		if !status.Running() {
			mon.settled = time.Now()
		}
	}
}

// settledUsers lists users whose stored status is terminated or failed
// with no operation in flight.
func (m *Manager) settledUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []string
	for username, mon := range m.monitors {
		if mon.op != opNone || mon.state == nil {
			continue
		}
		if mon.state.Status == StatusTerminated || mon.state.Status == StatusFailed {
			users = append(users, username)
		}
	}
	sort.Strings(users)
	return users
}

// watchPending resumes supervision of a lab observed mid-spawn, waiting for
// its pod to leave Pending the way the spawn that created it would have.
func (m *Manager) watchPending(username string) {
	m.mu.Lock()
	mon := m.monitors[username]
	if mon == nil || mon.op != opNone || mon.state == nil || mon.state.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	mon.op = opSpawn
	mon.cancel = cancel
	mon.done = make(chan struct{})
	if mon.stream == nil {
		mon.stream = NewStream()
	}
	stream := mon.stream
	m.mu.Unlock()

	to := timeout.New("lab spawn", username, m.cfg.Lab.SpawnTimeout.Duration)
	phase, err := m.clients.Pod.WaitForPhase(ctx, m.builder.Namespace(username), m.builder.PodName(username),
		map[corev1.PodPhase]bool{corev1.PodPending: true, corev1.PodUnknown: true}, to)
	err = to.Translate(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	mon.op = opNone
	mon.cancel = nil
	close(mon.done)
	if ctx.Err() != nil {
		stream.Publish(Event{Type: EventFailed, Message: "Lab creation canceled"})
		return
	}
	if err == nil && phase != nil && *phase == corev1.PodRunning {
		mon.state.Status = StatusRunning
		mon.state.InternalURL = m.builder.InternalURL(username)
		stream.Publish(Event{Type: EventComplete, Message: "Lab Kubernetes pod started", Progress: 100})
		return
	}
	if err != nil {
		m.log.Error(err, "pending lab watch failed", "user", username)
	}
	mon.state.Status = StatusFailed
	mon.settled = time.Now()
	stream.Publish(Event{Type: EventFailed,
		Message: fmt.Sprintf("Lab pod for %s did not start", username)})
}
