// Copyright Contributors to the Nublado project

package lab

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/labels"
)

const (
	labPort = 8888

	runtimeMountPath = "/opt/lsst/software/jupyterlab/runtime"
	secretsMountPath = "/opt/lsst/software/jupyterlab/secrets"

	// spawnRequestRatio divides limits to produce requests, matching the
	// empirical headroom a lab needs to start versus to run flat out.
	spawnRequestRatio = 4
)

// ResolvedImage is the image information the builder needs, already pinned
// to a digest by the catalog.
type ResolvedImage struct {
	// Reference is the registry/repo:tag@digest form.
	Reference string
	Tag       string
	Digest    string
	// Description is the human-readable display name.
	Description string
}

// ObjectSet is every Kubernetes object making up one user's lab, in the
// order they must be applied.
type ObjectSet struct {
	Namespace     *corev1.Namespace
	PVCs          []*corev1.PersistentVolumeClaim
	EnvConfigMap  *corev1.ConfigMap
	ConfigMaps    []*corev1.ConfigMap
	Secrets       []*corev1.Secret
	Quota         *corev1.ResourceQuota
	NetworkPolicy *networkingv1.NetworkPolicy
	Service       *corev1.Service
	Pod           *corev1.Pod
}

// Builder maps (user, request, image, secrets) onto the lab's object set.
// All methods are pure; nothing here talks to the cluster.
type Builder struct {
	cfg *config.LabConfig
}

func NewBuilder(cfg *config.LabConfig) *Builder {
	return &Builder{cfg: cfg}
}

// Namespace returns the lab namespace for a user.
func (b *Builder) Namespace(username string) string {
	return b.cfg.NamespacePrefix + "-" + username
}

// Username extracts the user from a lab namespace name, or "" when the
// namespace is not a lab namespace.
func (b *Builder) Username(namespace string) string {
	user, ok := strings.CutPrefix(namespace, b.cfg.NamespacePrefix+"-")
	if !ok {
		return ""
	}
	return user
}

// PodName returns the lab pod name for a user.
func (b *Builder) PodName(username string) string {
	return "nb-" + username
}

func (b *Builder) envConfigMapName(username string) string   { return "nb-" + username + "-env" }
func (b *Builder) filesConfigMapName(username string) string { return "nb-" + username + "-files" }
func (b *Builder) secretName(username string) string         { return "nb-" + username }

func (b *Builder) objectMeta(name, username string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:        name,
		Namespace:   b.Namespace(username),
		Labels:      labels.ForUser(labels.CategoryLab, username),
		Annotations: labels.Annotations(),
	}
}

// Resources computes the lab resource envelope for a size definition.
func Resolve(size *config.SizeDefinition) Resources {
	return Resources{
		Limits: ResourceAmounts{CPU: size.CPU, Memory: size.MemoryBytes()},
		Requests: ResourceAmounts{
			CPU:    size.CPU / spawnRequestRatio,
			Memory: size.MemoryBytes() / spawnRequestRatio,
		},
	}
}

// Build produces the complete object set for one lab.
func (b *Builder) Build(
	user *gafaelfawr.UserInfo,
	spec *Specification,
	img ResolvedImage,
	size *config.SizeDefinition,
	token string,
	secretData map[string][]byte,
	pullSecret *corev1.Secret,
) (*ObjectSet, error) {
	resources := Resolve(size)
	env := b.buildEnv(spec, img, resources)

	set := &ObjectSet{
		Namespace:     b.buildNamespace(user.Username),
		PVCs:          b.buildPVCs(user.Username),
		EnvConfigMap:  b.buildEnvConfigMap(user.Username, env),
		NetworkPolicy: b.buildNetworkPolicy(user.Username),
		Service:       b.buildService(user.Username),
	}
	set.ConfigMaps = append(set.ConfigMaps, b.buildFilesConfigMap(user))
	if extra := b.buildExtraFilesConfigMap(user.Username); extra != nil {
		set.ConfigMaps = append(set.ConfigMaps, extra)
	}

	secret, err := b.buildSecret(user.Username, token, secretData)
	if err != nil {
		return nil, err
	}
	set.Secrets = append(set.Secrets, secret)
	if pullSecret != nil {
		set.Secrets = append(set.Secrets, b.clonePullSecret(user.Username, pullSecret))
	}

	if user.Quota != nil && user.Quota.Notebook != nil {
		set.Quota = b.buildQuota(user.Username, user.Quota.Notebook)
	}

	pod, err := b.buildPod(user, spec, img, resources)
	if err != nil {
		return nil, err
	}
	set.Pod = pod
	return set, nil
}

func (b *Builder) buildNamespace(username string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        b.Namespace(username),
			Labels:      labels.ForUser(labels.CategoryLab, username),
			Annotations: labels.Annotations(),
		},
	}
}

// buildEnv performs the deterministic four-layer merge of the lab
// environment: request env, then flag variables, then controller-computed
// variables, then operator-configured env, later layers winning.
func (b *Builder) buildEnv(spec *Specification, img ResolvedImage, resources Resources) map[string]string {
	env := map[string]string{}
	for k, v := range spec.Env {
		env[k] = v
	}
	if spec.Options.EnableDebug {
		env["DEBUG"] = "TRUE"
	}
	if spec.Options.ResetUserEnv {
		env["RESET_USER_ENV"] = "TRUE"
	}
	env["JUPYTER_IMAGE"] = img.Reference
	env["JUPYTER_IMAGE_SPEC"] = img.Reference
	env["IMAGE_DIGEST"] = img.Digest
	env["IMAGE_DESCRIPTION"] = img.Description
	env["CPU_LIMIT"] = formatCPU(resources.Limits.CPU)
	env["CPU_GUARANTEE"] = formatCPU(resources.Requests.CPU)
	env["MEM_LIMIT"] = strconv.FormatInt(resources.Limits.Memory, 10)
	env["MEM_GUARANTEE"] = strconv.FormatInt(resources.Requests.Memory, 10)
	env["EXTERNAL_INSTANCE_URL"] = b.cfg.ExternalURL
	for k, v := range b.cfg.Env {
		env[k] = v
	}
	return env
}

func (b *Builder) buildEnvConfigMap(username string, env map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: b.objectMeta(b.envConfigMapName(username), username),
		Data:       env,
	}
}

// buildFilesConfigMap renders /etc/passwd and /etc/group for the lab. The
// user is appended to the base passwd; each named group with a GID gets a
// line, with the user as member of every supplemental group.
func (b *Builder) buildFilesConfigMap(user *gafaelfawr.UserInfo) *corev1.ConfigMap {
	displayName := user.Name
	if displayName == "" {
		displayName = user.Username
	}
	passwd := strings.TrimRight(b.cfg.BasePasswd, "\n") + "\n" +
		fmt.Sprintf("%s:x:%d:%d:%s:/home/%s:/bin/bash\n",
			user.Username, user.UID, user.GID, displayName, user.Username)

	group := strings.TrimRight(b.cfg.BaseGroup, "\n") + "\n"
	for _, g := range user.Groups {
		if g.ID == nil {
			continue
		}
		member := user.Username
		if *g.ID == user.GID {
			member = ""
		}
		group += fmt.Sprintf("%s:x:%d:%s\n", g.Name, *g.ID, member)
	}

	return &corev1.ConfigMap{
		ObjectMeta: b.objectMeta(b.filesConfigMapName(user.Username), user.Username),
		Data:       map[string]string{"passwd": passwd, "group": group},
	}
}

func (b *Builder) buildExtraFilesConfigMap(username string) *corev1.ConfigMap {
	if len(b.cfg.Files) == 0 {
		return nil
	}
	data := map[string]string{}
	for _, f := range b.cfg.Files {
		data[fileKey(f.Path)] = f.Contents
	}
	return &corev1.ConfigMap{
		ObjectMeta: b.objectMeta("nb-"+username+"-extra-files", username),
		Data:       data,
	}
}

// buildSecret merges the fetched secret data with the reserved token key.
func (b *Builder) buildSecret(username, token string, secretData map[string][]byte) (*corev1.Secret, error) {
	data := map[string][]byte{}
	for k, v := range secretData {
		if k == "token" {
			return nil, fmt.Errorf("secret key %q is reserved", k)
		}
		data[k] = v
	}
	data["token"] = []byte(token)
	return &corev1.Secret{
		ObjectMeta: b.objectMeta(b.secretName(username), username),
		Type:       corev1.SecretTypeOpaque,
		Data:       data,
	}, nil
}

func (b *Builder) clonePullSecret(username string, source *corev1.Secret) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: b.objectMeta("pull-secret", username),
		Type:       source.Type,
		Data:       source.Data,
	}
}

func (b *Builder) buildQuota(username string, quota *gafaelfawr.NotebookQuota) *corev1.ResourceQuota {
	return &corev1.ResourceQuota{
		ObjectMeta: b.objectMeta(b.PodName(username), username),
		Spec: corev1.ResourceQuotaSpec{
			Hard: corev1.ResourceList{
				corev1.ResourceLimitsCPU:    *resource.NewMilliQuantity(int64(quota.CPU*1000), resource.DecimalSI),
				corev1.ResourceLimitsMemory: *resource.NewQuantity(quota.Memory, resource.BinarySI),
			},
		},
	}
}

func intstrPort(port int32) intstr.IntOrString {
	return intstr.FromInt32(port)
}

// buildNetworkPolicy allows ingress only from pods in the lab's own
// namespace and from the JupyterHub pod.
func (b *Builder) buildNetworkPolicy(username string) *networkingv1.NetworkPolicy {
	port := intstrPort(labPort)
	return &networkingv1.NetworkPolicy{
		ObjectMeta: b.objectMeta(b.PodName(username), username),
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					From: []networkingv1.NetworkPolicyPeer{
						{PodSelector: &metav1.LabelSelector{}},
						{
							NamespaceSelector: &metav1.LabelSelector{},
							PodSelector:       &metav1.LabelSelector{MatchLabels: b.cfg.HubSelector},
						},
					},
					Ports: []networkingv1.NetworkPolicyPort{{Port: &port}},
				},
			},
		},
	}
}

func (b *Builder) buildService(username string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: b.objectMeta("lab", username),
		Spec: corev1.ServiceSpec{
			Selector: labels.ForUser(labels.CategoryLab, username),
			Ports: []corev1.ServicePort{
				{Name: "jupyterlab", Port: labPort, TargetPort: intstrPort(labPort)},
			},
		},
	}
}

// InternalURL is the cluster-internal address JupyterHub proxies to.
func (b *Builder) InternalURL(username string) string {
	return fmt.Sprintf("http://lab.%s:%d", b.Namespace(username), labPort)
}

func (b *Builder) buildPVCs(username string) []*corev1.PersistentVolumeClaim {
	var pvcs []*corev1.PersistentVolumeClaim
	for _, vol := range b.cfg.Volumes {
		if vol.PVC == nil {
			continue
		}
		modes := make([]corev1.PersistentVolumeAccessMode, 0, len(vol.PVC.AccessModes))
		for _, m := range vol.PVC.AccessModes {
			modes = append(modes, corev1.PersistentVolumeAccessMode(m))
		}
		pvcs = append(pvcs, &corev1.PersistentVolumeClaim{
			ObjectMeta: b.objectMeta("nb-"+username+"-pvc-"+vol.Name, username),
			Spec: corev1.PersistentVolumeClaimSpec{
				StorageClassName: ptr.To(vol.PVC.StorageClassName),
				AccessModes:      modes,
				Resources: corev1.VolumeResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceStorage: resource.MustParse(vol.PVC.Size),
					},
				},
			},
		})
	}
	return pvcs
}

// volumeFor maps one configured volume onto its pod volume source.
func (b *Builder) volumeFor(username string, vol *config.LabVolume) corev1.Volume {
	v := corev1.Volume{Name: vol.Name}
	switch {
	case vol.NFS != nil:
		v.VolumeSource = corev1.VolumeSource{
			NFS: &corev1.NFSVolumeSource{
				Server:   vol.NFS.Server,
				Path:     vol.NFS.ServerPath,
				ReadOnly: vol.ReadOnly,
			},
		}
	case vol.HostPath != nil:
		v.VolumeSource = corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: vol.HostPath.Path},
		}
	case vol.PVC != nil:
		v.VolumeSource = corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: "nb-" + username + "-pvc-" + vol.Name,
				ReadOnly:  vol.ReadOnly,
			},
		}
	}
	return v
}

func (b *Builder) buildPod(user *gafaelfawr.UserInfo, spec *Specification, img ResolvedImage, resources Resources) (*corev1.Pod, error) {
	username := user.Username

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for i := range b.cfg.Volumes {
		vol := &b.cfg.Volumes[i]
		volumes = append(volumes, b.volumeFor(username, vol))
		mounts = append(mounts, corev1.VolumeMount{
			Name:      vol.Name,
			MountPath: vol.ContainerPath,
			ReadOnly:  vol.ReadOnly,
		})
	}

	// passwd and group are projected over the image's own copies.
	volumes = append(volumes, corev1.Volume{
		Name: "nss",
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{
					Name: b.filesConfigMapName(username),
				},
			},
		},
	})
	mounts = append(mounts,
		corev1.VolumeMount{Name: "nss", MountPath: "/etc/passwd", SubPath: "passwd", ReadOnly: true},
		corev1.VolumeMount{Name: "nss", MountPath: "/etc/group", SubPath: "group", ReadOnly: true},
	)

	if len(b.cfg.Files) > 0 {
		volumes = append(volumes, corev1.Volume{
			Name: "extra-files",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{
						Name: "nb-" + username + "-extra-files",
					},
				},
			},
		})
		for _, f := range b.cfg.Files {
			mounts = append(mounts, corev1.VolumeMount{
				Name:      "extra-files",
				MountPath: f.Path,
				SubPath:   fileKey(f.Path),
				ReadOnly:  true,
			})
		}
	}

	// The whole merged secret is available as a directory; individual keys
	// that requested a path get their own projection.
	volumes = append(volumes, corev1.Volume{
		Name: "secrets",
		VolumeSource: corev1.VolumeSource{
			Secret: &corev1.SecretVolumeSource{SecretName: b.secretName(username)},
		},
	})
	mounts = append(mounts, corev1.VolumeMount{
		Name: "secrets", MountPath: secretsMountPath, ReadOnly: true,
	})
	for _, s := range b.cfg.Secrets {
		if s.Path == "" {
			continue
		}
		mounts = append(mounts, corev1.VolumeMount{
			Name:      "secrets",
			MountPath: s.Path,
			SubPath:   s.SecretKey,
			ReadOnly:  true,
		})
	}

	// tmpfs /tmp at a quarter of the memory limit, counted against it.
	tmpSize := resource.NewQuantity(resources.Limits.Memory/4, resource.BinarySI)
	volumes = append(volumes, corev1.Volume{
		Name: "tmp",
		VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{
				Medium:    corev1.StorageMediumMemory,
				SizeLimit: tmpSize,
			},
		},
	})
	mounts = append(mounts, corev1.VolumeMount{Name: "tmp", MountPath: "/tmp"})

	// Resource limits exposed as files via the downward API.
	volumes = append(volumes, corev1.Volume{
		Name: "runtime",
		VolumeSource: corev1.VolumeSource{
			DownwardAPI: &corev1.DownwardAPIVolumeSource{
				Items: []corev1.DownwardAPIVolumeFile{
					{
						Path: "cpu_limit",
						ResourceFieldRef: &corev1.ResourceFieldSelector{
							ContainerName: "notebook",
							Resource:      "limits.cpu",
						},
					},
					{
						Path: "mem_limit",
						ResourceFieldRef: &corev1.ResourceFieldSelector{
							ContainerName: "notebook",
							Resource:      "limits.memory",
						},
					},
				},
			},
		},
	})
	mounts = append(mounts, corev1.VolumeMount{
		Name: "runtime", MountPath: runtimeMountPath, ReadOnly: true,
	})

	initContainers, err := b.buildInitContainers(user)
	if err != nil {
		return nil, err
	}

	groupsJSON, err := json.Marshal(user.Groups)
	if err != nil {
		return nil, fmt.Errorf("serializing groups for %s: %w", username, err)
	}

	notebook := corev1.Container{
		Name:  "notebook",
		Image: img.Reference,
		Ports: []corev1.ContainerPort{{Name: "jupyterlab", ContainerPort: labPort}},
		EnvFrom: []corev1.EnvFromSource{
			{
				ConfigMapRef: &corev1.ConfigMapEnvSource{
					LocalObjectReference: corev1.LocalObjectReference{
						Name: b.envConfigMapName(username),
					},
				},
			},
		},
		Env: []corev1.EnvVar{
			{
				Name: "ACCESS_TOKEN",
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{
							Name: b.secretName(username),
						},
						Key: "token",
					},
				},
			},
		},
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    formatCPUQuantity(resources.Limits.CPU),
				corev1.ResourceMemory: *resource.NewQuantity(resources.Limits.Memory, resource.BinarySI),
			},
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    formatCPUQuantity(resources.Requests.CPU),
				corev1.ResourceMemory: *resource.NewQuantity(resources.Requests.Memory, resource.BinarySI),
			},
		},
		SecurityContext: &corev1.SecurityContext{
			RunAsUser:                ptr.To(user.UID),
			RunAsGroup:               ptr.To(user.GID),
			RunAsNonRoot:             ptr.To(true),
			ReadOnlyRootFilesystem:   ptr.To(true),
			AllowPrivilegeEscalation: ptr.To(false),
		},
		VolumeMounts: mounts,
		WorkingDir:   "/home/" + username,
	}

	meta := b.objectMeta(b.PodName(username), username)
	meta.Annotations[labels.UserGroups] = string(groupsJSON)
	if user.Name != "" {
		meta.Annotations[labels.UserName] = user.Name
	}

	supplemental := user.SupplementalGroups()
	return &corev1.Pod{
		ObjectMeta: meta,
		Spec: corev1.PodSpec{
			InitContainers: initContainers,
			Containers:     []corev1.Container{notebook},
			Volumes:        volumes,
			RestartPolicy:  corev1.RestartPolicyOnFailure,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsUser:          ptr.To(user.UID),
				RunAsGroup:         ptr.To(user.GID),
				FSGroup:            ptr.To(user.GID),
				SupplementalGroups: supplemental,
			},
			ImagePullSecrets:   b.pullSecretRefs(),
			EnableServiceLinks: ptr.To(false),
		},
	}, nil
}

func (b *Builder) pullSecretRefs() []corev1.LocalObjectReference {
	if b.cfg.PullSecret == "" {
		return nil
	}
	return []corev1.LocalObjectReference{{Name: "pull-secret"}}
}

// buildInitContainers produces one container per configured init-container
// spec. Privileged ones run as root with the privilege flag set; the rest
// run as the user.
func (b *Builder) buildInitContainers(user *gafaelfawr.UserInfo) ([]corev1.Container, error) {
	var containers []corev1.Container
	for _, ic := range b.cfg.InitContainers {
		var mounts []corev1.VolumeMount
		for _, volName := range ic.Volumes {
			vol := b.findVolume(volName)
			if vol == nil {
				return nil, fmt.Errorf("init container %s references unknown volume %s", ic.Name, volName)
			}
			mounts = append(mounts, corev1.VolumeMount{
				Name:      vol.Name,
				MountPath: vol.ContainerPath,
			})
		}
		sc := &corev1.SecurityContext{
			AllowPrivilegeEscalation: ptr.To(ic.Privileged),
			Privileged:               ptr.To(ic.Privileged),
		}
		if ic.Privileged {
			sc.RunAsUser = ptr.To(int64(0))
			sc.RunAsNonRoot = ptr.To(false)
		} else {
			sc.RunAsUser = ptr.To(user.UID)
			sc.RunAsGroup = ptr.To(user.GID)
			sc.RunAsNonRoot = ptr.To(true)
		}
		containers = append(containers, corev1.Container{
			Name:            ic.Name,
			Image:           ic.Image,
			SecurityContext: sc,
			VolumeMounts:    mounts,
			Env: []corev1.EnvVar{
				{Name: "NUBLADO_HOME", Value: "/home/" + user.Username},
				{Name: "NUBLADO_UID", Value: strconv.FormatInt(user.UID, 10)},
				{Name: "NUBLADO_GID", Value: strconv.FormatInt(user.GID, 10)},
			},
		})
	}
	return containers, nil
}

func (b *Builder) findVolume(name string) *config.LabVolume {
	for i := range b.cfg.Volumes {
		if b.cfg.Volumes[i].Name == name {
			return &b.cfg.Volumes[i]
		}
	}
	return nil
}

// fileKey converts a file path to a legal ConfigMap key.
func fileKey(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "-")
}

func formatCPU(cpu float64) string {
	return strconv.FormatFloat(cpu, 'f', -1, 64)
}

func formatCPUQuantity(cpu float64) resource.Quantity {
	return *resource.NewMilliQuantity(int64(cpu*1000), resource.DecimalSI)
}

// sortedKeys is used by tests and the form renderer for stable iteration.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
