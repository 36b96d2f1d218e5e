// Copyright Contributors to the Nublado project

// Package fileserver manages the on-demand per-user file servers: a Job
// serving the user's home directories over WebDAV, fronted by a
// GafaelfawrIngress so only the owning user can reach it.
package fileserver

import (
	"fmt"
	"net/url"
	"strconv"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/labels"
)

const serverPort = 8000

// ObjectName is the shared name of a user's file-server Job, Service, and
// GafaelfawrIngress.
func ObjectName(username string) string {
	return username + "-fs"
}

// Builder produces the Kubernetes objects for one user's file server. Pure;
// nothing here talks to the cluster.
type Builder struct {
	cfg  *config.FileserverConfig
	host string
	path string
}

func NewBuilder(cfg *config.FileserverConfig, baseURL string) (*Builder, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", baseURL, err)
	}
	path := cfg.PathPrefix
	if path == "" {
		path = "/files"
	}
	return &Builder{cfg: cfg, host: parsed.Host, path: path}, nil
}

// URL is the user-facing address of a user's file server.
func (b *Builder) URL(username string) string {
	return "https://" + b.host + b.path + "/" + username
}

func (b *Builder) objectMeta(username string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:        ObjectName(username),
		Namespace:   b.cfg.Namespace,
		Labels:      labels.ForUser(labels.CategoryFileserver, username),
		Annotations: labels.Annotations(),
	}
}

// BuildIngress renders the GafaelfawrIngress custom object. Gafaelfawr
// expands it into an authenticated Ingress of the same name, restricted to
// the owning user.
func (b *Builder) BuildIngress(username string) *unstructured.Unstructured {
	meta := b.objectMeta(username)
	pathType := "Prefix"
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "gafaelfawr.lsst.io/v1alpha1",
		"kind":       "GafaelfawrIngress",
		"metadata": map[string]any{
			"name":        meta.Name,
			"namespace":   meta.Namespace,
			"labels":      toAnyMap(meta.Labels),
			"annotations": toAnyMap(meta.Annotations),
		},
		"config": map[string]any{
			"baseUrl":       "https://" + b.host,
			"scopes":        map[string]any{"all": []any{"exec:notebook"}},
			"loginRedirect": false,
			"authType":      "basic",
			"username":      username,
		},
		"template": map[string]any{
			"metadata": map[string]any{
				"name":   meta.Name,
				"labels": toAnyMap(meta.Labels),
			},
			"spec": map[string]any{
				"rules": []any{
					map[string]any{
						"host": b.host,
						"http": map[string]any{
							"paths": []any{
								map[string]any{
									"path":     b.path + "/" + username,
									"pathType": pathType,
									"backend": map[string]any{
										"service": map[string]any{
											"name": meta.Name,
											"port": map[string]any{"number": int64(serverPort)},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}}
}

func (b *Builder) BuildService(username string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: b.objectMeta(username),
		Spec: corev1.ServiceSpec{
			Selector: labels.ForUser(labels.CategoryFileserver, username),
			Ports: []corev1.ServicePort{
				{Name: "http", Port: serverPort, TargetPort: intstrPort(serverPort)},
			},
		},
	}
}

// BuildJob renders the file-server Job. The pod runs as the user with all
// configured volumes mounted, and exits on its own after the idle timeout.
func (b *Builder) BuildJob(user *gafaelfawr.UserInfo) *batchv1.Job {
	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for i := range b.cfg.Volumes {
		vol := &b.cfg.Volumes[i]
		volumes = append(volumes, volumeFor(user.Username, vol))
		mounts = append(mounts, corev1.VolumeMount{
			Name:      vol.Name,
			MountPath: "/mnt" + vol.ContainerPath,
			ReadOnly:  vol.ReadOnly,
		})
	}

	meta := b.objectMeta(user.Username)
	podMeta := b.objectMeta(user.Username)
	podMeta.Name = ""

	return &batchv1.Job{
		ObjectMeta: meta,
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: podMeta,
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "fileserver",
							Image: b.cfg.Image,
							Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: serverPort}},
							Env: []corev1.EnvVar{
								{Name: "WORBLEHAT_BASE_HREF", Value: b.path + "/" + user.Username},
								{Name: "WORBLEHAT_TIMEOUT", Value: strconv.FormatInt(int64(b.cfg.IdleTimeout.Duration.Seconds()), 10)},
								{Name: "WORBLEHAT_DIR", Value: "/mnt"},
							},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("100m"),
									corev1.ResourceMemory: resource.MustParse("128Mi"),
								},
							},
							SecurityContext: &corev1.SecurityContext{
								RunAsUser:                ptr.To(user.UID),
								RunAsGroup:               ptr.To(user.GID),
								RunAsNonRoot:             ptr.To(true),
								AllowPrivilegeEscalation: ptr.To(false),
							},
							VolumeMounts: mounts,
						},
					},
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser:          ptr.To(user.UID),
						RunAsGroup:         ptr.To(user.GID),
						SupplementalGroups: user.SupplementalGroups(),
					},
					Volumes: volumes,
				},
			},
		},
	}
}

// BuildPVCs renders the claims backing any PVC-sourced volumes.
func (b *Builder) BuildPVCs(username string) []*corev1.PersistentVolumeClaim {
	var pvcs []*corev1.PersistentVolumeClaim
	for _, vol := range b.cfg.Volumes {
		if vol.PVC == nil {
			continue
		}
		modes := make([]corev1.PersistentVolumeAccessMode, 0, len(vol.PVC.AccessModes))
		for _, m := range vol.PVC.AccessModes {
			modes = append(modes, corev1.PersistentVolumeAccessMode(m))
		}
		meta := b.objectMeta(username)
		meta.Name = ObjectName(username) + "-" + vol.Name
		pvcs = append(pvcs, &corev1.PersistentVolumeClaim{
			ObjectMeta: meta,
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

func volumeFor(username string, vol *config.LabVolume) corev1.Volume {
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
				ClaimName: ObjectName(username) + "-" + vol.Name,
				ReadOnly:  vol.ReadOnly,
			},
		}
	}
	return v
}

func intstrPort(port int32) intstr.IntOrString {
	return intstr.FromInt32(port)
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
