// Copyright Contributors to the Nublado project

//go:build !integration

package lab

import (
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/ptr"

	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/labels"
)

func testLabConfig() *config.LabConfig {
	cfg := &config.LabConfig{
		NamespacePrefix: "nublado",
		Sizes: []config.SizeDefinition{
			{Size: config.SizeSmall, CPU: 1, Memory: "4Gi"},
		},
		Env:         map[string]string{"AUTO_REPO_SPECS": "https://github.com/lsst-sqre/tutorial@main"},
		ExternalURL: "https://data.example.org",
		BasePasswd:  "root:x:0:0:root:/root:/bin/bash\n",
		BaseGroup:   "root:x:0:\n",
		Secrets: []config.LabSecret{
			{SecretName: "nublado", SecretKey: "aws-credentials.ini", Path: "/etc/aws.ini"},
		},
		Volumes: []config.LabVolume{
			{Name: "home", ContainerPath: "/home", NFS: &config.NFSSource{Server: "nfs1", ServerPath: "/share1/home"}},
			{Name: "scratch", ContainerPath: "/scratch", PVC: &config.PVCSource{
				StorageClassName: "standard", AccessModes: []string{"ReadWriteOnce"}, Size: "10Gi",
			}},
		},
		InitContainers: []config.LabInitContainer{
			{Name: "provisioner", Image: "example/provisioner:1", Privileged: true, Volumes: []string{"home"}},
		},
		HubSelector: map[string]string{"app": "jupyterhub"},
	}
	// Validation parses the memory quantities the builder needs.
	c := &config.Config{
		Name:    "nublado",
		BaseURL: "https://data.example.org",
		Images:  config.ImagesConfig{Registry: "r", Repository: "p"},
		Lab:     *cfg,
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return &c.Lab
}

func testUser() *gafaelfawr.UserInfo {
	return &gafaelfawr.UserInfo{
		Username: "rachel",
		Name:     "Rachel Example",
		UID:      1101,
		GID:      1101,
		Groups: []gafaelfawr.Group{
			{Name: "rachel", ID: ptr.To(int64(1101))},
			{Name: "lsst", ID: ptr.To(int64(2000))},
			{Name: "unmapped"},
		},
		Quota: &gafaelfawr.Quota{
			Notebook: &gafaelfawr.NotebookQuota{CPU: 4, Memory: 16 * 1024 * 1024 * 1024},
		},
	}
}

func testImage() ResolvedImage {
	return ResolvedImage{
		Reference:   "registry.hub.docker.com/lsstsqre/sciplat-lab:w_2026_30@sha256:abcd",
		Tag:         "w_2026_30",
		Digest:      "sha256:abcd",
		Description: "Weekly 2026_30",
	}
}

func testSpec() *Specification {
	return &Specification{
		Options: Options{ImageList: "registry.hub.docker.com/lsstsqre/sciplat-lab:w_2026_30", Size: config.SizeSmall},
		Env:     map[string]string{"JUPYTERHUB_SERVICE_PREFIX": "/nb/user/rachel/"},
	}
}

func buildTestLab(t *testing.T) (*Builder, *ObjectSet) {
	t.Helper()
	cfg := testLabConfig()
	b := NewBuilder(cfg)
	size, ok := cfg.Size(config.SizeSmall)
	if !ok {
		t.Fatal("small size missing")
	}
	set, err := b.Build(testUser(), testSpec(), testImage(), size, "gt-token",
		map[string][]byte{"aws-credentials.ini": []byte("secret")}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return b, set
}

func TestBuildNaming(t *testing.T) {
	b, set := buildTestLab(t)
	if set.Namespace.Name != "nublado-rachel" {
		t.Errorf("namespace = %q, want nublado-rachel", set.Namespace.Name)
	}
	if got := b.Username("nublado-rachel"); got != "rachel" {
		t.Errorf("Username = %q, want rachel", got)
	}
	if got := b.Username("somewhere-else"); got != "" {
		t.Errorf("Username(non-lab) = %q, want empty", got)
	}
	if set.Pod.Name != "nb-rachel" {
		t.Errorf("pod = %q, want nb-rachel", set.Pod.Name)
	}
	if set.EnvConfigMap.Name != "nb-rachel-env" {
		t.Errorf("env configmap = %q, want nb-rachel-env", set.EnvConfigMap.Name)
	}
	if set.Service.Name != "lab" {
		t.Errorf("service = %q, want lab", set.Service.Name)
	}
	if len(set.PVCs) != 1 || set.PVCs[0].Name != "nb-rachel-pvc-scratch" {
		t.Errorf("pvcs = %+v, want one nb-rachel-pvc-scratch", set.PVCs)
	}
	if got := b.InternalURL("rachel"); got != "http://lab.nublado-rachel:8888" {
		t.Errorf("InternalURL = %q", got)
	}
}

func TestBuildEnvMerge(t *testing.T) {
	b, _ := buildTestLab(t)
	spec := testSpec()
	spec.Options.EnableDebug = true
	spec.Env["CUSTOM"] = "user-set"
	// A request variable colliding with operator config loses.
	spec.Env["AUTO_REPO_SPECS"] = "overridden-by-user"

	size, _ := b.cfg.Size(config.SizeSmall)
	env := b.buildEnv(spec, testImage(), Resolve(size))

	if env["CUSTOM"] != "user-set" {
		t.Errorf("CUSTOM = %q", env["CUSTOM"])
	}
	if env["DEBUG"] != "TRUE" {
		t.Errorf("DEBUG = %q, want TRUE", env["DEBUG"])
	}
	if _, ok := env["RESET_USER_ENV"]; ok {
		t.Error("RESET_USER_ENV set without the flag")
	}
	if env["JUPYTER_IMAGE_SPEC"] != testImage().Reference {
		t.Errorf("JUPYTER_IMAGE_SPEC = %q", env["JUPYTER_IMAGE_SPEC"])
	}
	if env["CPU_LIMIT"] != "1" {
		t.Errorf("CPU_LIMIT = %q, want 1", env["CPU_LIMIT"])
	}
	if env["CPU_GUARANTEE"] != "0.25" {
		t.Errorf("CPU_GUARANTEE = %q, want 0.25", env["CPU_GUARANTEE"])
	}
	if env["MEM_LIMIT"] != "4294967296" {
		t.Errorf("MEM_LIMIT = %q", env["MEM_LIMIT"])
	}
	if env["EXTERNAL_INSTANCE_URL"] != "https://data.example.org" {
		t.Errorf("EXTERNAL_INSTANCE_URL = %q", env["EXTERNAL_INSTANCE_URL"])
	}
	if env["AUTO_REPO_SPECS"] != "https://github.com/lsst-sqre/tutorial@main" {
		t.Errorf("operator env did not win: %q", env["AUTO_REPO_SPECS"])
	}
}

func TestBuildNSSFiles(t *testing.T) {
	_, set := buildTestLab(t)
	var files *corev1.ConfigMap
	for _, cm := range set.ConfigMaps {
		if cm.Name == "nb-rachel-files" {
			files = cm
		}
	}
	if files == nil {
		t.Fatal("files configmap missing")
	}
	passwd := files.Data["passwd"]
	if !strings.Contains(passwd, "rachel:x:1101:1101:Rachel Example:/home/rachel:/bin/bash") {
		t.Errorf("passwd missing user line:\n%s", passwd)
	}
	group := files.Data["group"]
	// Primary group omits the member, supplemental group lists the user,
	// group without a GID is dropped.
	if !strings.Contains(group, "rachel:x:1101:\n") {
		t.Errorf("group missing primary line:\n%s", group)
	}
	if !strings.Contains(group, "lsst:x:2000:rachel") {
		t.Errorf("group missing supplemental line:\n%s", group)
	}
	if strings.Contains(group, "unmapped") {
		t.Errorf("group contains GID-less entry:\n%s", group)
	}
}

func TestBuildSecretReservesToken(t *testing.T) {
	b, _ := buildTestLab(t)
	if _, err := b.buildSecret("rachel", "gt-token", map[string][]byte{"token": []byte("x")}); err == nil {
		t.Error("buildSecret accepted a token key, want error")
	}
	secret, err := b.buildSecret("rachel", "gt-token", map[string][]byte{"k": []byte("v")})
	if err != nil {
		t.Fatalf("buildSecret: %v", err)
	}
	if string(secret.Data["token"]) != "gt-token" {
		t.Errorf("token = %q", secret.Data["token"])
	}
}

func TestBuildPod(t *testing.T) {
	_, set := buildTestLab(t)
	pod := set.Pod

	if pod.Spec.SecurityContext == nil || *pod.Spec.SecurityContext.RunAsUser != 1101 {
		t.Fatal("pod security context missing user")
	}
	gids := pod.Spec.SecurityContext.SupplementalGroups
	if len(gids) != 2 || gids[0] != 1101 || gids[1] != 2000 {
		t.Errorf("supplemental groups = %v", gids)
	}
	if pod.Annotations[labels.UserGroups] == "" {
		t.Error("user-groups annotation missing")
	}

	nb := pod.Spec.Containers[0]
	if nb.Name != "notebook" {
		t.Fatalf("container = %q", nb.Name)
	}
	if !*nb.SecurityContext.ReadOnlyRootFilesystem {
		t.Error("root filesystem is writable")
	}
	wantMounts := map[string]string{
		"/home":                              "home",
		"/scratch":                           "scratch",
		"/etc/passwd":                        "nss",
		"/etc/group":                         "nss",
		secretsMountPath:                     "secrets",
		"/etc/aws.ini":                       "secrets",
		"/tmp":                               "tmp",
		runtimeMountPath:                     "runtime",
	}
	seen := map[string]string{}
	for _, m := range nb.VolumeMounts {
		seen[m.MountPath] = m.Name
	}
	for path, vol := range wantMounts {
		if seen[path] != vol {
			t.Errorf("mount %s = %q, want %q", path, seen[path], vol)
		}
	}

	init := pod.Spec.InitContainers
	if len(init) != 1 {
		t.Fatalf("init containers = %d, want 1", len(init))
	}
	if !*init[0].SecurityContext.Privileged || *init[0].SecurityContext.RunAsUser != 0 {
		t.Error("privileged init container does not run as root")
	}
}

func TestBuildQuota(t *testing.T) {
	_, set := buildTestLab(t)
	if set.Quota == nil {
		t.Fatal("quota missing")
	}
	hard := set.Quota.Spec.Hard
	if cpu := hard[corev1.ResourceLimitsCPU]; cpu.MilliValue() != 4000 {
		t.Errorf("limits.cpu = %v", cpu.String())
	}
	if mem := hard[corev1.ResourceLimitsMemory]; mem.Value() != 16*1024*1024*1024 {
		t.Errorf("limits.memory = %v", mem.String())
	}
}

func TestRecreateLabStateRoundTrip(t *testing.T) {
	b, set := buildTestLab(t)
	set.Pod.Status.Phase = corev1.PodRunning

	state := b.RecreateLabState("rachel", set.EnvConfigMap, set.Quota, set.Pod)
	if state == nil {
		t.Fatal("RecreateLabState returned nil for a coherent lab")
	}
	if state.User.Username != "rachel" || state.User.UID != 1101 || state.User.GID != 1101 {
		t.Errorf("user = %+v", state.User)
	}
	if len(state.User.Groups) != 3 {
		t.Errorf("groups = %+v", state.User.Groups)
	}
	if state.Image != testImage().Reference {
		t.Errorf("image = %q", state.Image)
	}
	if state.Options.Size != config.SizeSmall {
		t.Errorf("size = %q, want the size the lab was built with", state.Options.Size)
	}
	if state.Status != StatusRunning {
		t.Errorf("status = %q, want running", state.Status)
	}
	if state.Resources.Limits.CPU != 1 || state.Resources.Limits.Memory != 4*1024*1024*1024 {
		t.Errorf("limits = %+v", state.Resources.Limits)
	}
	if state.Resources.Requests.CPU != 0.25 {
		t.Errorf("requests = %+v", state.Resources.Requests)
	}
	if state.Quota == nil || state.Quota.CPU != 4 {
		t.Errorf("quota = %+v", state.Quota)
	}
	if state.InternalURL != "http://lab.nublado-rachel:8888" {
		t.Errorf("internal url = %q", state.InternalURL)
	}
}

func TestRecreateLabStateUnmatchedEnvelope(t *testing.T) {
	b, set := buildTestLab(t)
	set.Pod.Status.Phase = corev1.PodSucceeded
	cm := set.EnvConfigMap.DeepCopy()
	cm.Data["CPU_LIMIT"] = "3"

	// An envelope matching no configured size reads back as custom, and an
	// exited pod as terminated.
	state := b.RecreateLabState("rachel", cm, set.Quota, set.Pod)
	if state == nil {
		t.Fatal("RecreateLabState returned nil for a coherent lab")
	}
	if state.Options.Size != config.SizeCustom {
		t.Errorf("size = %q, want custom", state.Options.Size)
	}
	if state.Status != StatusTerminated {
		t.Errorf("status = %q, want terminated", state.Status)
	}
}

func TestRecreateLabStateIncoherent(t *testing.T) {
	b, set := buildTestLab(t)
	tests := []struct {
		name string
		run  func() *State
	}{
		{"missing env configmap", func() *State {
			return b.RecreateLabState("rachel", nil, set.Quota, set.Pod)
		}},
		{"missing pod", func() *State {
			return b.RecreateLabState("rachel", set.EnvConfigMap, set.Quota, nil)
		}},
		{"missing image", func() *State {
			cm := set.EnvConfigMap.DeepCopy()
			delete(cm.Data, "JUPYTER_IMAGE_SPEC")
			return b.RecreateLabState("rachel", cm, set.Quota, set.Pod)
		}},
		{"bad cpu limit", func() *State {
			cm := set.EnvConfigMap.DeepCopy()
			cm.Data["CPU_LIMIT"] = "much"
			return b.RecreateLabState("rachel", cm, set.Quota, set.Pod)
		}},
		{"missing groups annotation", func() *State {
			pod := set.Pod.DeepCopy()
			delete(pod.Annotations, labels.UserGroups)
			return b.RecreateLabState("rachel", set.EnvConfigMap, set.Quota, pod)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if state := tt.run(); state != nil {
				t.Errorf("got state %+v, want nil", state)
			}
		})
	}
}

func TestSpecificationValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Specification
		wantErr bool
	}{
		{
			name: "valid",
			spec: Specification{
				Options: Options{ImageList: "ref", Size: config.SizeSmall},
				Env:     map[string]string{"JUPYTERHUB_SERVICE_PREFIX": "/nb/"},
			},
		},
		{
			name: "no image selector",
			spec: Specification{
				Options: Options{Size: config.SizeSmall},
				Env:     map[string]string{"JUPYTERHUB_SERVICE_PREFIX": "/nb/"},
			},
			wantErr: true,
		},
		{
			name: "two image selectors",
			spec: Specification{
				Options: Options{ImageList: "a", ImageTag: "b", Size: config.SizeSmall},
				Env:     map[string]string{"JUPYTERHUB_SERVICE_PREFIX": "/nb/"},
			},
			wantErr: true,
		},
		{
			name: "missing size",
			spec: Specification{
				Options: Options{ImageList: "ref"},
				Env:     map[string]string{"JUPYTERHUB_SERVICE_PREFIX": "/nb/"},
			},
			wantErr: true,
		},
		{
			name: "missing service prefix",
			spec: Specification{
				Options: Options{ImageList: "ref", Size: config.SizeSmall},
				Env:     map[string]string{},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
