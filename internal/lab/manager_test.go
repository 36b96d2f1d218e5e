// Copyright Contributors to the Nublado project

//go:build !integration

package lab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/image"
	"github.com/lsst-sqre/nublado-controller/internal/kubeclient"
	"github.com/lsst-sqre/nublado-controller/internal/metadata"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
)

type fakeSource struct {
	tags map[string]string
}

func (s *fakeSource) ListTags(context.Context) (map[string]string, error) {
	return s.tags, nil
}

// newTestManager wires a manager against the fake clientset with one known
// image and the source secret present.
func newTestManager(t *testing.T, cs *fake.Clientset) *Manager {
	t.Helper()
	cfg := &config.Config{
		Name:    "nublado",
		BaseURL: "https://data.example.org",
		Images: config.ImagesConfig{
			Registry:   "registry.example.org",
			Repository: "sciplat/lab",
		},
		Lab: *testLabConfig(),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	_, err := cs.CoreV1().Secrets("nublado").Create(context.Background(), &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "nublado", Namespace: "nublado"},
		Data:       map[string][]byte{"aws-credentials.ini": []byte("creds")},
	}, metav1.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	images := image.NewService(&cfg.Images, &fakeSource{
		tags: map[string]string{"w_2026_30": "sha256:aaa"},
	}, cs, logr.Discard())
	if err := images.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	return NewManager(cfg, kubeclient.NewClients(cs), images,
		alert.New("", logr.Discard()), &metadata.Metadata{Namespace: "nublado"}, logr.Discard())
}

// runningPodReactor makes every created pod immediately Running, as a
// healthy kubelet would.
func runningPodReactor(cs *fake.Clientset) {
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodRunning
		return false, nil, nil
	})
}

func spawnSpec() *Specification {
	return &Specification{
		Options: Options{
			ImageList: "registry.example.org/sciplat/lab:w_2026_30",
			Size:      config.SizeSmall,
		},
		Env: map[string]string{"JUPYTERHUB_SERVICE_PREFIX": "/nb/user/rachel/"},
	}
}

// awaitTerminal follows the user's event stream to its terminal event.
func awaitTerminal(t *testing.T, m *Manager, username string) Event {
	t.Helper()
	stream, err := m.Events(username)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var last Event
	if err := stream.Follow(ctx, func(ev Event) error {
		last = ev
		return nil
	}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	return last
}

func TestSpawnHappyPath(t *testing.T) {
	cs := fake.NewSimpleClientset()
	runningPodReactor(cs)
	m := newTestManager(t, cs)

	if err := m.Spawn(testUser(), "gt-token", spawnSpec()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	last := awaitTerminal(t, m, "rachel")
	if last.Type != EventComplete || last.Progress != 100 {
		t.Fatalf("terminal event = %+v", last)
	}

	state, err := m.State(context.Background(), "rachel")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Status != StatusRunning {
		t.Errorf("status = %s, want running", state.Status)
	}
	if state.InternalURL != "http://lab.nublado-rachel:8888" {
		t.Errorf("internal url = %q", state.InternalURL)
	}
	// Image references resolve to the digest-pinned form.
	if state.Image != "registry.example.org/sciplat/lab:w_2026_30@sha256:aaa" {
		t.Errorf("image = %q", state.Image)
	}

	pod, err := cs.CoreV1().Pods("nublado-rachel").Get(context.Background(), "nb-rachel", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("lab pod: %v", err)
	}
	if pod.Spec.Containers[0].Env[0].ValueFrom.SecretKeyRef.Key != "token" {
		t.Errorf("pod env = %+v", pod.Spec.Containers[0].Env)
	}
	if names := m.Usernames(); len(names) != 1 || names[0] != "rachel" {
		t.Errorf("usernames = %v", names)
	}
}

func TestSpawnConflicts(t *testing.T) {
	cs := fake.NewSimpleClientset()
	release := make(chan struct{})
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		<-release
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodRunning
		return false, nil, nil
	})
	m := newTestManager(t, cs)

	if err := m.Spawn(testUser(), "gt-token", spawnSpec()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// While the first spawn is blocked in pod creation a second one must
	// be refused as in progress.
	err := m.Spawn(testUser(), "gt-token", spawnSpec())
	var ce *nuberr.ClientError
	if !errors.As(err, &ce) || ce.Kind != nuberr.KindOperationInProgress {
		t.Fatalf("concurrent spawn error = %v, want operation_in_progress", err)
	}

	close(release)
	if last := awaitTerminal(t, m, "rachel"); last.Type != EventComplete {
		t.Fatalf("terminal event = %+v", last)
	}

	// Against a running lab the refusal changes kind.
	err = m.Spawn(testUser(), "gt-token", spawnSpec())
	if !errors.As(err, &ce) || ce.Kind != nuberr.KindLabExists {
		t.Errorf("spawn over running lab error = %v, want lab_exists", err)
	}
}

func TestSpawnRejectsBadRequests(t *testing.T) {
	cs := fake.NewSimpleClientset()
	m := newTestManager(t, cs)

	tests := []struct {
		name     string
		mutate   func(*Specification, *gafaelfawr.UserInfo)
		wantKind nuberr.ErrorKind
		wantPath string
	}{
		{
			name: "unknown image",
			mutate: func(s *Specification, _ *gafaelfawr.UserInfo) {
				s.Options.ImageList = "registry.example.org/sciplat/lab:no_such_tag"
			},
			wantKind: nuberr.KindUnknownImage,
		},
		{
			name: "unknown size",
			mutate: func(s *Specification, _ *gafaelfawr.UserInfo) {
				s.Options.Size = config.SizeGargantuan
			},
			wantKind: nuberr.KindInvalidLabSize,
			wantPath: "options.size",
		},
		{
			name: "quota too small",
			mutate: func(_ *Specification, u *gafaelfawr.UserInfo) {
				u.Quota.Notebook.CPU = 0.5
			},
			wantKind: nuberr.KindInsufficientQuota,
			wantPath: "options.size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := spawnSpec()
			user := testUser()
			tt.mutate(spec, user)
			err := m.Spawn(user, "gt-token", spec)
			var ce *nuberr.ClientError
			if !errors.As(err, &ce) || ce.Kind != tt.wantKind {
				t.Fatalf("Spawn error = %v, want kind %s", err, tt.wantKind)
			}
			if ce.Path != tt.wantPath {
				t.Errorf("error path = %q, want %q", ce.Path, tt.wantPath)
			}
		})
	}
}

func TestSpawnFailureLeavesFailedState(t *testing.T) {
	cs := fake.NewSimpleClientset()
	runningPodReactor(cs)
	m := newTestManager(t, cs)
	// Remove the source secret so secret gathering fails.
	if err := cs.CoreV1().Secrets("nublado").Delete(context.Background(), "nublado", metav1.DeleteOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := m.Spawn(testUser(), "gt-token", spawnSpec()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if last := awaitTerminal(t, m, "rachel"); last.Type != EventFailed {
		t.Fatalf("terminal event = %+v, want failed", last)
	}
	state, err := m.State(context.Background(), "rachel")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %s, want failed", state.Status)
	}

	// A failed lab does not block a fresh spawn.
	if _, err := cs.CoreV1().Secrets("nublado").Create(context.Background(), &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "nublado", Namespace: "nublado"},
		Data:       map[string][]byte{"aws-credentials.ini": []byte("creds")},
	}, metav1.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Spawn(testUser(), "gt-token", spawnSpec()); err != nil {
		t.Fatalf("respawn after failure: %v", err)
	}
	if last := awaitTerminal(t, m, "rachel"); last.Type != EventComplete {
		t.Errorf("respawn terminal event = %+v", last)
	}
}

func TestDeleteRemovesLab(t *testing.T) {
	cs := fake.NewSimpleClientset()
	runningPodReactor(cs)
	m := newTestManager(t, cs)

	if err := m.Spawn(testUser(), "gt-token", spawnSpec()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if last := awaitTerminal(t, m, "rachel"); last.Type != EventComplete {
		t.Fatalf("spawn terminal = %+v", last)
	}
	if err := m.Delete(context.Background(), "rachel"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// The record is gone: status and a second delete answer unknown_user.
	var ce *nuberr.ClientError
	_, err := m.State(context.Background(), "rachel")
	if !errors.As(err, &ce) || ce.Kind != nuberr.KindUnknownUser {
		t.Errorf("State after delete = %v, want unknown_user", err)
	}
	err = m.Delete(context.Background(), "rachel")
	if !errors.As(err, &ce) || ce.Kind != nuberr.KindUnknownUser {
		t.Errorf("second Delete = %v, want unknown_user", err)
	}

	if _, err := cs.CoreV1().Namespaces().Get(context.Background(), "nublado-rachel", metav1.GetOptions{}); err == nil {
		t.Error("lab namespace survived deletion")
	}
}

func TestDeleteCancelsSpawn(t *testing.T) {
	cs := fake.NewSimpleClientset()
	started := make(chan struct{})
	release := make(chan struct{})
	var once bool
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if !once {
			once = true
			close(started)
		}
		<-release
		return false, nil, errors.New("spawn canceled under the reactor")
	})
	m := newTestManager(t, cs)

	if err := m.Spawn(testUser(), "gt-token", spawnSpec()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-started
	spawnStream, err := m.Events("rachel")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error)
	go func() { done <- m.Delete(context.Background(), "rachel") }()
	// The delete first cancels the spawn; unblock the reactor so the
	// spawn goroutine can observe the cancellation and settle.
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Delete did not finish")
	}

	// The canceled spawn's stream ends in a failed event for its readers.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var last Event
	if err := spawnStream.Follow(ctx, func(ev Event) error {
		last = ev
		return nil
	}); err != nil {
		t.Fatalf("Follow spawn stream: %v", err)
	}
	if last.Type != EventFailed || last.Message != "Lab creation canceled" {
		t.Errorf("spawn terminal = %+v", last)
	}

	var ce *nuberr.ClientError
	_, err = m.State(context.Background(), "rachel")
	if !errors.As(err, &ce) || ce.Kind != nuberr.KindUnknownUser {
		t.Errorf("State after delete = %v, want unknown_user", err)
	}
}

func TestStateProbesPod(t *testing.T) {
	cs := fake.NewSimpleClientset()
	runningPodReactor(cs)
	m := newTestManager(t, cs)

	if err := m.Spawn(testUser(), "gt-token", spawnSpec()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if last := awaitTerminal(t, m, "rachel"); last.Type != EventComplete {
		t.Fatalf("spawn terminal = %+v", last)
	}

	// Kill the pod out from under the manager; the next status read must
	// notice.
	if err := cs.CoreV1().Pods("nublado-rachel").Delete(context.Background(), "nb-rachel", metav1.DeleteOptions{}); err != nil {
		t.Fatal(err)
	}
	state, err := m.State(context.Background(), "rachel")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %s, want failed after pod loss", state.Status)
	}
}

func TestStateSurvivesProbeFailure(t *testing.T) {
	cs := fake.NewSimpleClientset()
	runningPodReactor(cs)
	m := newTestManager(t, cs)

	if err := m.Spawn(testUser(), "gt-token", spawnSpec()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if last := awaitTerminal(t, m, "rachel"); last.Type != EventComplete {
		t.Fatalf("spawn terminal = %+v", last)
	}

	// With the control plane down the cached state must still be served,
	// so JupyterHub keeps routing users to their labs.
	cs.PrependReactor("get", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unavailable")
	})
	state, err := m.State(context.Background(), "rachel")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Status != StatusRunning {
		t.Errorf("status = %s, want running from cache", state.Status)
	}
}

func TestProgressNeverPassesEventCeiling(t *testing.T) {
	progress := progressPodCreated
	for i := 0; i < 50; i++ {
		next := nextProgress(progress)
		if next < progress || next > progressPodEvents {
			t.Fatalf("progress stepped from %d to %d", progress, next)
		}
		progress = next
	}
	if progress >= progressPodEvents {
		t.Errorf("progress = %d, must stay below %d", progress, progressPodEvents)
	}
}

func TestReapRetainsRecentRecords(t *testing.T) {
	cs := fake.NewSimpleClientset()
	m := newTestManager(t, cs)

	m.adopt("rachel", &State{Status: StatusFailed})
	m.mu.Lock()
	m.monitors["rachel"].settled = time.Now()
	m.mu.Unlock()
	m.Reap()
	if _, err := m.State(context.Background(), "rachel"); err != nil {
		t.Error("fresh settled record reaped early")
	}

	m.mu.Lock()
	m.monitors["rachel"].settled = time.Now().Add(-2 * reapRetention)
	m.mu.Unlock()
	m.Reap()
	if _, err := m.State(context.Background(), "rachel"); err == nil {
		t.Error("stale record survived the reaper")
	}
}

func TestReapKeepsRunningLabs(t *testing.T) {
	cs := fake.NewSimpleClientset()
	m := newTestManager(t, cs)

	m.adopt("rachel", &State{Status: StatusRunning})
	m.mu.Lock()
	m.monitors["rachel"].settled = time.Now().Add(-2 * reapRetention)
	m.mu.Unlock()
	m.Reap()
	m.mu.Lock()
	_, ok := m.monitors["rachel"]
	m.mu.Unlock()
	if !ok {
		t.Error("running lab reaped")
	}
}
