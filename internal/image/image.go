// Copyright Contributors to the Nublado project

package image

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Image is a tag bound to a digest in a registry, plus the set of nodes that
// currently hold the image cached. Within a Collection the digest identifies
// an image uniquely; several tag names may share a digest, one of which is
// the canonical name.
type Image struct {
	Tag        Tag
	Registry   string
	Repository string
	Digest     string
	// Nodes is the set of node names with the image cached. Mutable;
	// updated optimistically by MarkPrepulled and rebuilt on refresh.
	Nodes sets.Set[string]
	// AliasTarget is the canonical tag this alias resolves to, empty for
	// non-alias images and for aliases with no known target.
	AliasTarget string
}

// NewImage binds a parsed tag to registry coordinates.
func NewImage(tag Tag, registry, repository, digest string) *Image {
	return &Image{
		Tag:        tag,
		Registry:   registry,
		Repository: repository,
		Digest:     digest,
		Nodes:      sets.New[string](),
	}
}

// Reference is the pullable registry/repository:tag form.
func (i *Image) Reference() string {
	return fmt.Sprintf("%s/%s:%s", i.Registry, i.Repository, i.Tag.Tag)
}

// ReferenceWithDigest pins the reference to the digest.
func (i *Image) ReferenceWithDigest() string {
	return fmt.Sprintf("%s/%s:%s@%s", i.Registry, i.Repository, i.Tag.Tag, i.Digest)
}

// DisplayName is the menu entry for the image. Aliases with a resolved
// target append the target's display name.
func (i *Image) DisplayName(resolve func(tag string) *Image) string {
	if i.Tag.Type == TagAlias && i.AliasTarget != "" && resolve != nil {
		if target := resolve(i.AliasTarget); target != nil {
			return fmt.Sprintf("%s (%s)", i.Tag.DisplayName, target.Tag.DisplayName)
		}
	}
	return i.Tag.DisplayName
}
