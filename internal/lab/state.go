// Copyright Contributors to the Nublado project

// Package lab owns the per-user lab lifecycle: the spawn/delete state
// machine, the pure object builders, incremental progress events, and the
// reconciliation of in-memory state against the cluster.
package lab

import (
	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/gafaelfawr"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
)

// Status is the lifecycle phase of a user's lab. Terminated and failed both
// mean "not running"; the distinction matters only for delete-first logic
// and reporting.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusFailed      Status = "failed"
)

// Running reports whether the status counts as a live lab.
func (s Status) Running() bool {
	return s == StatusPending || s == StatusRunning || s == StatusTerminating
}

// Options is the user's spawn request. Exactly one image selector must be
// set; validation enforces it.
type Options struct {
	ImageList     string         `json:"image_list,omitempty"`
	ImageDropdown string         `json:"image_dropdown,omitempty"`
	ImageClass    string         `json:"image_class,omitempty"`
	ImageTag      string         `json:"image_tag,omitempty"`
	Size          config.LabSize `json:"size"`
	EnableDebug   bool           `json:"enable_debug,omitempty"`
	ResetUserEnv  bool           `json:"reset_user_env,omitempty"`
}

// Specification is the body of a lab creation request.
type Specification struct {
	Options Options           `json:"options"`
	Env     map[string]string `json:"env"`
}

// Validate rejects structurally bad spawn requests before any cluster work
// happens.
func (s *Specification) Validate() error {
	selectors := 0
	for _, sel := range []string{s.Options.ImageList, s.Options.ImageDropdown, s.Options.ImageClass, s.Options.ImageTag} {
		if sel != "" {
			selectors++
		}
	}
	if selectors != 1 {
		return nuberr.NewClientErrorAt(nuberr.KindInvalidImageRef, "options",
			"exactly one image selector must be given, got %d", selectors)
	}
	if s.Options.Size == "" {
		return nuberr.NewClientErrorAt(nuberr.KindInvalidLabSize, "options.size", "size is required")
	}
	if _, ok := s.Env["JUPYTERHUB_SERVICE_PREFIX"]; !ok {
		return nuberr.NewClientErrorAt(nuberr.KindInvalidImageRef, "env",
			"JUPYTERHUB_SERVICE_PREFIX must be set")
	}
	return nil
}

// Selector returns the single configured image selector as (kind, value).
func (o *Options) Selector() (string, string) {
	switch {
	case o.ImageList != "":
		return "reference", o.ImageList
	case o.ImageDropdown != "":
		return "reference", o.ImageDropdown
	case o.ImageClass != "":
		return "class", o.ImageClass
	default:
		return "tag", o.ImageTag
	}
}

// ResourceAmounts is one side (requests or limits) of a resource envelope.
type ResourceAmounts struct {
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory"`
}

// Resources is the lab pod's resource envelope. Requests are limits scaled
// down by spawnRequestRatio.
type Resources struct {
	Requests ResourceAmounts `json:"requests"`
	Limits   ResourceAmounts `json:"limits"`
}

// State is the authoritative in-memory record for one user's lab. It is
// mutated only by the owning monitor goroutine; readers get copies.
type State struct {
	User        gafaelfawr.UserInfo       `json:"user"`
	Options     Options                   `json:"options"`
	Image       string                    `json:"image"`
	Status      Status                    `json:"status"`
	InternalURL string                    `json:"internal_url,omitempty"`
	Resources   Resources                 `json:"resources"`
	Quota       *gafaelfawr.NotebookQuota `json:"quota,omitempty"`
}
