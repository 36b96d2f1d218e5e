// Copyright Contributors to the Nublado project

package lab

import (
	"encoding/json"
	"strconv"

	corev1 "k8s.io/api/core/v1"

	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/labels"
)

// RecreateLabState rebuilds the in-memory state of a lab found in the
// cluster after a controller restart. It inverts Build as far as the
// objects allow: the environment ConfigMap supplies the image and resource
// envelope, the pod supplies identity and phase, and an optional quota
// supplies the notebook quota. Returns nil when the objects are not a
// coherent lab, in which case the caller should delete the namespace.
func (b *Builder) RecreateLabState(
	username string,
	envCM *corev1.ConfigMap,
	quota *corev1.ResourceQuota,
	pod *corev1.Pod,
) *State {
	if envCM == nil || pod == nil {
		return nil
	}
	env := envCM.Data

	image := env["JUPYTER_IMAGE_SPEC"]
	if image == "" {
		return nil
	}

	resources, ok := recreateResources(env)
	if !ok {
		return nil
	}

	user, ok := recreateUser(username, pod)
	if !ok {
		return nil
	}
	if quota != nil {
		user.Quota = recreateQuota(quota)
	}

	state := &State{
		User: *user,
		Options: Options{
			ImageList:    image,
			Size:         b.sizeForResources(resources),
			EnableDebug:  env["DEBUG"] == "TRUE",
			ResetUserEnv: env["RESET_USER_ENV"] == "TRUE",
		},
		Image:       image,
		Status:      statusForPhase(pod.Status.Phase),
		InternalURL: b.InternalURL(username),
		Resources:   resources,
	}
	if user.Quota != nil {
		state.Quota = user.Quota.Notebook
	}
	return state
}

// sizeForResources recovers the named size whose envelope produced these
// resources, falling back to custom when none matches.
func (b *Builder) sizeForResources(resources Resources) config.LabSize {
	for i := range b.cfg.Sizes {
		def := &b.cfg.Sizes[i]
		if def.CPU == resources.Limits.CPU && def.MemoryBytes() == resources.Limits.Memory {
			return def.Size
		}
	}
	return config.SizeCustom
}

func recreateResources(env map[string]string) (Resources, bool) {
	cpuLimit, err := strconv.ParseFloat(env["CPU_LIMIT"], 64)
	if err != nil {
		return Resources{}, false
	}
	memLimit, err := strconv.ParseInt(env["MEM_LIMIT"], 10, 64)
	if err != nil {
		return Resources{}, false
	}
	cpuRequest, err := strconv.ParseFloat(env["CPU_GUARANTEE"], 64)
	if err != nil {
		cpuRequest = cpuLimit / spawnRequestRatio
	}
	memRequest, err := strconv.ParseInt(env["MEM_GUARANTEE"], 10, 64)
	if err != nil {
		memRequest = memLimit / spawnRequestRatio
	}
	return Resources{
		Limits:   ResourceAmounts{CPU: cpuLimit, Memory: memLimit},
		Requests: ResourceAmounts{CPU: cpuRequest, Memory: memRequest},
	}, true
}

// recreateUser rebuilds the identity from the pod's security context and
// the group and display-name annotations stamped at build time.
func recreateUser(username string, pod *corev1.Pod) (*gafaelfawr.UserInfo, bool) {
	sc := pod.Spec.SecurityContext
	if sc == nil || sc.RunAsUser == nil || sc.RunAsGroup == nil {
		return nil, false
	}
	user := &gafaelfawr.UserInfo{
		Username: username,
		Name:     pod.Annotations[labels.UserName],
		UID:      *sc.RunAsUser,
		GID:      *sc.RunAsGroup,
	}
	raw, ok := pod.Annotations[labels.UserGroups]
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal([]byte(raw), &user.Groups); err != nil {
		return nil, false
	}
	return user, true
}

func recreateQuota(quota *corev1.ResourceQuota) *gafaelfawr.Quota {
	hard := quota.Spec.Hard
	cpu, hasCPU := hard[corev1.ResourceLimitsCPU]
	mem, hasMem := hard[corev1.ResourceLimitsMemory]
	if !hasCPU || !hasMem {
		return nil
	}
	return &gafaelfawr.Quota{
		Notebook: &gafaelfawr.NotebookQuota{
			CPU:    float64(cpu.MilliValue()) / 1000,
			Memory: mem.Value(),
		},
	}
}

func statusForPhase(phase corev1.PodPhase) Status {
	switch phase {
	case corev1.PodPending, corev1.PodUnknown:
		return StatusPending
	case corev1.PodRunning:
		return StatusRunning
	case corev1.PodSucceeded:
		return StatusTerminated
	default:
		return StatusFailed
	}
}
