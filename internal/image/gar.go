// Copyright Contributors to the Nublado project

package image

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/google"
)

// GARSource lists a Google Artifact Registry repository. Unlike the plain
// Docker protocol, the GAR listing extension returns digests alongside tags,
// so one call covers the whole repository.
type GARSource struct {
	repo name.Repository
	log  logr.Logger
}

// NewGARSource builds a source for registry/repository.
func NewGARSource(registry, repository string, log logr.Logger) (*GARSource, error) {
	repo, err := name.NewRepository(registry + "/" + repository)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %s/%s: %w", registry, repository, err)
	}
	return &GARSource{repo: repo, log: log}, nil
}

// ListTags implements Source.
func (s *GARSource) ListTags(ctx context.Context) (map[string]string, error) {
	listing, err := google.List(s.repo,
		google.WithContext(ctx),
		google.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.repo, err)
	}
	out := map[string]string{}
	for digest, manifest := range listing.Manifests {
		for _, tag := range manifest.Tags {
			out[tag] = digest
		}
	}
	return out, nil
}
