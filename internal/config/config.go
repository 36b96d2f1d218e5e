// Copyright Contributors to the Nublado project

// Package config loads and validates the controller configuration. All
// validation that can fail (reserved environment variables, reserved mount
// paths, duplicate secret keys, malformed quantities) happens at parse time
// so the control loops never see a half-usable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// LabSize is a named size on the spawner form.
type LabSize string

const (
	SizeFine       LabSize = "fine"
	SizeDiminutive LabSize = "diminutive"
	SizeTiny       LabSize = "tiny"
	SizeSmall      LabSize = "small"
	SizeMedium     LabSize = "medium"
	SizeLarge      LabSize = "large"
	SizeHuge       LabSize = "huge"
	SizeGargantuan LabSize = "gargantuan"
	SizeColossal   LabSize = "colossal"
	SizeCustom     LabSize = "custom"
)

// ReservedEnv lists environment variables the controller computes itself;
// configuring them is rejected at load time.
var ReservedEnv = []string{
	"ACCESS_TOKEN",
	"CPU_GUARANTEE",
	"CPU_LIMIT",
	"DEBUG",
	"EXTERNAL_INSTANCE_URL",
	"IMAGE_DESCRIPTION",
	"IMAGE_DIGEST",
	"JUPYTER_IMAGE",
	"JUPYTER_IMAGE_SPEC",
	"MEM_GUARANTEE",
	"MEM_LIMIT",
	"RESET_USER_ENV",
}

// ReservedPaths lists mount points the lab pod claims for itself.
var ReservedPaths = []string{
	"/etc/group",
	"/etc/passwd",
	"/opt/lsst/software/jupyterlab/runtime",
	"/opt/lsst/software/jupyterlab/secrets",
	"/tmp",
}

// Config is the root configuration object.
type Config struct {
	Name       string           `yaml:"name"`
	BaseURL    string           `yaml:"baseUrl"`
	Port       int              `yaml:"port"`
	Images     ImagesConfig     `yaml:"images"`
	Lab        LabConfig        `yaml:"lab"`
	Fileserver FileserverConfig `yaml:"fileserver"`
	Slack      SlackConfig      `yaml:"slack"`
	Gafaelfawr GafaelfawrConfig `yaml:"gafaelfawr"`
	// MetadataPath is the downward-API mount directory.
	MetadataPath string `yaml:"metadataPath"`
}

// SlackConfig configures the alert sink. An empty webhook disables alerts.
type SlackConfig struct {
	WebhookURL string `yaml:"webhookUrl"`
}

// GafaelfawrConfig locates the identity service.
type GafaelfawrConfig struct {
	BaseURL string `yaml:"baseUrl"`
	// Token is the controller's own service token, used for admin routes
	// and registry-independent calls.
	TokenPath string `yaml:"tokenPath"`
}

// ImagesConfig drives the catalog and prepuller.
type ImagesConfig struct {
	// Source selects the registry adapter: "docker" or "google".
	Source          string   `yaml:"source"`
	Registry        string   `yaml:"registry"`
	Repository      string   `yaml:"repository"`
	CredentialsPath string   `yaml:"credentialsPath"`
	RecommendedTag  string   `yaml:"recommendedTag"`
	NumReleases     int      `yaml:"numReleases"`
	NumWeeklies     int      `yaml:"numWeeklies"`
	NumDailies      int      `yaml:"numDailies"`
	Cycle           int      `yaml:"cycle"`
	Pin             []string `yaml:"pin"`
	AliasTags       []string `yaml:"aliasTags"`
	RefreshInterval Duration `yaml:"refreshInterval"`
	// Tolerations mirror the lab pod's tolerations; nodes whose taints
	// are not covered here are ineligible for labs and prepulls.
	Tolerations []Toleration `yaml:"tolerations"`
}

// Toleration is the YAML shape of a pod toleration.
type Toleration struct {
	Key      string `yaml:"key"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
	Effect   string `yaml:"effect"`
}

// LabVolume describes one mount in the lab pod. PVC-backed volumes get a
// per-user PersistentVolumeClaim; the rest are NFS or host-path mounts.
type LabVolume struct {
	Name          string `yaml:"name"`
	ContainerPath string `yaml:"containerPath"`
	ReadOnly      bool   `yaml:"readOnly"`
	// Exactly one of the following sources is set.
	NFS      *NFSSource      `yaml:"nfs,omitempty"`
	HostPath *HostPathSource `yaml:"hostPath,omitempty"`
	PVC      *PVCSource      `yaml:"pvc,omitempty"`
}

type NFSSource struct {
	Server     string `yaml:"server"`
	ServerPath string `yaml:"serverPath"`
}

type HostPathSource struct {
	Path string `yaml:"path"`
}

type PVCSource struct {
	StorageClassName string   `yaml:"storageClassName"`
	AccessModes      []string `yaml:"accessModes"`
	Size             string   `yaml:"size"`
}

// LabInitContainer is one init container run before the notebook container.
type LabInitContainer struct {
	Name       string   `yaml:"name"`
	Image      string   `yaml:"image"`
	Privileged bool     `yaml:"privileged"`
	Volumes    []string `yaml:"volumes"`
}

// LabSecret names one key to copy from a source secret into the merged lab
// secret.
type LabSecret struct {
	SecretName string `yaml:"secretName"`
	SecretKey  string `yaml:"secretKey"`
	// Path, when set, additionally mounts the key as a file.
	Path string `yaml:"path,omitempty"`
}

// LabFile is an extra file projected into the lab pod.
type LabFile struct {
	Path     string `yaml:"path"`
	Contents string `yaml:"contents"`
	Modify   bool   `yaml:"modify"`
}

// SizeDefinition is the resource envelope of one lab size. Limits come from
// the definition; requests are limits divided by the spawn ratio.
type SizeDefinition struct {
	Size   LabSize `yaml:"size"`
	CPU    float64 `yaml:"cpu"`
	Memory string  `yaml:"memory"`

	memoryBytes int64
}

// MemoryBytes returns the parsed memory limit.
func (s *SizeDefinition) MemoryBytes() int64 { return s.memoryBytes }

// LabConfig drives the lab manager and builder.
type LabConfig struct {
	NamespacePrefix   string             `yaml:"namespacePrefix"`
	Sizes             []SizeDefinition   `yaml:"sizes"`
	Env               map[string]string  `yaml:"env"`
	Secrets           []LabSecret        `yaml:"secrets"`
	Files             []LabFile          `yaml:"files"`
	Volumes           []LabVolume        `yaml:"volumes"`
	InitContainers    []LabInitContainer `yaml:"initContainers"`
	PullSecret        string             `yaml:"pullSecret"`
	BasePasswd        string             `yaml:"basePasswd"`
	BaseGroup         string             `yaml:"baseGroup"`
	SpawnTimeout      Duration           `yaml:"spawnTimeout"`
	DeleteTimeout     Duration           `yaml:"deleteTimeout"`
	ReconcileInterval Duration           `yaml:"reconcileInterval"`
	// ExternalURL is presented to the lab as EXTERNAL_INSTANCE_URL.
	ExternalURL string `yaml:"externalUrl"`
	// HubSelector matches the JupyterHub pod for the network policy.
	HubSelector map[string]string `yaml:"hubSelector"`
}

// FileserverConfig drives the file server manager. Enabled=false turns the
// whole feature off; its routes then answer 404 not_configured.
type FileserverConfig struct {
	Enabled           bool        `yaml:"enabled"`
	Namespace         string      `yaml:"namespace"`
	Image             string      `yaml:"image"`
	Timeout           Duration    `yaml:"timeout"`
	IdleTimeout       Duration    `yaml:"idleTimeout"`
	PathPrefix        string      `yaml:"pathPrefix"`
	Volumes           []LabVolume `yaml:"volumes"`
	ReconcileInterval Duration    `yaml:"reconcileInterval"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Validate applies defaults and rejects configurations the control loops
// cannot honor.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Lab.SpawnTimeout.Duration == 0 {
		c.Lab.SpawnTimeout = Duration{10 * time.Minute}
	}
	if c.Lab.DeleteTimeout.Duration == 0 {
		c.Lab.DeleteTimeout = c.Lab.SpawnTimeout
	}
	if c.Lab.ReconcileInterval.Duration == 0 {
		c.Lab.ReconcileInterval = Duration{time.Minute}
	}
	if c.Fileserver.ReconcileInterval.Duration == 0 {
		c.Fileserver.ReconcileInterval = Duration{time.Hour}
	}
	if c.Images.RefreshInterval.Duration == 0 {
		c.Images.RefreshInterval = Duration{5 * time.Minute}
	}
	if c.Images.Source == "" {
		c.Images.Source = "docker"
	}
	if c.Images.Source != "docker" && c.Images.Source != "google" {
		return fmt.Errorf("images.source: unknown source %q", c.Images.Source)
	}
	if c.Images.Registry == "" || c.Images.Repository == "" {
		return fmt.Errorf("images: registry and repository are required")
	}
	if c.Images.RecommendedTag == "" {
		c.Images.RecommendedTag = "recommended"
	}
	if c.Lab.NamespacePrefix == "" {
		return fmt.Errorf("lab.namespacePrefix is required")
	}
	if err := c.Lab.validate(); err != nil {
		return err
	}
	if c.Fileserver.Enabled {
		if c.Fileserver.Namespace == "" || c.Fileserver.Image == "" {
			return fmt.Errorf("fileserver: namespace and image are required when enabled")
		}
		if c.Fileserver.Timeout.Duration == 0 {
			c.Fileserver.Timeout = Duration{time.Minute}
		}
	}
	return nil
}

func (l *LabConfig) validate() error {
	reservedEnv := map[string]bool{}
	for _, name := range ReservedEnv {
		reservedEnv[name] = true
	}
	for name := range l.Env {
		if reservedEnv[name] {
			return fmt.Errorf("lab.env: %s is reserved", name)
		}
	}

	reservedPaths := map[string]bool{}
	for _, p := range ReservedPaths {
		reservedPaths[p] = true
	}
	seenPaths := map[string]string{}
	for _, v := range l.Volumes {
		if reservedPaths[v.ContainerPath] {
			return fmt.Errorf("lab.volumes: %s mounts reserved path %s", v.Name, v.ContainerPath)
		}
		if prev, ok := seenPaths[v.ContainerPath]; ok {
			return fmt.Errorf("lab.volumes: %s and %s both mount %s", prev, v.Name, v.ContainerPath)
		}
		seenPaths[v.ContainerPath] = v.Name
		sources := 0
		if v.NFS != nil {
			sources++
		}
		if v.HostPath != nil {
			sources++
		}
		if v.PVC != nil {
			sources++
		}
		if sources != 1 {
			return fmt.Errorf("lab.volumes: %s must have exactly one source", v.Name)
		}
	}
	for _, f := range l.Files {
		if reservedPaths[f.Path] {
			return fmt.Errorf("lab.files: %s is a reserved path", f.Path)
		}
	}

	seenKeys := map[string]string{"token": "(reserved)"}
	for _, s := range l.Secrets {
		if prev, ok := seenKeys[s.SecretKey]; ok {
			return fmt.Errorf("lab.secrets: key %s from %s duplicates %s", s.SecretKey, s.SecretName, prev)
		}
		seenKeys[s.SecretKey] = s.SecretName
	}

	seenSizes := map[LabSize]bool{}
	for i := range l.Sizes {
		def := &l.Sizes[i]
		if seenSizes[def.Size] {
			return fmt.Errorf("lab.sizes: %s defined twice", def.Size)
		}
		seenSizes[def.Size] = true
		if def.CPU <= 0 {
			return fmt.Errorf("lab.sizes: %s has nonpositive cpu", def.Size)
		}
		q, err := resource.ParseQuantity(def.Memory)
		if err != nil {
			return fmt.Errorf("lab.sizes: %s memory %q: %w", def.Size, def.Memory, err)
		}
		def.memoryBytes = q.Value()
	}
	if len(l.Sizes) == 0 {
		return fmt.Errorf("lab.sizes: at least one size is required")
	}
	return nil
}

// Size looks up a size definition by name.
func (l *LabConfig) Size(name LabSize) (*SizeDefinition, bool) {
	for i := range l.Sizes {
		if l.Sizes[i].Size == name {
			return &l.Sizes[i], true
		}
	}
	return nil, false
}

// SizeNames returns the configured size names in declaration order, which
// is the order they appear on the spawner form.
func (l *LabConfig) SizeNames() []string {
	names := make([]string, 0, len(l.Sizes))
	for i := range l.Sizes {
		names = append(names, string(l.Sizes[i].Size))
	}
	return names
}
