// Copyright Contributors to the Nublado project

package image

import (
	"sort"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Collection is a set of images indexed by tag name, digest, and category.
// Iteration within a category yields newest first.
type Collection struct {
	byTag    map[string]*Image
	byDigest map[string][]*Image
	byType   map[TagType][]*Image
}

// NewCollection indexes the given images. Aliases are resolved against the
// rest of the set: an alias whose digest matches a non-alias image records
// that image's tag as its target.
func NewCollection(images []*Image) *Collection {
	c := &Collection{
		byTag:    make(map[string]*Image, len(images)),
		byDigest: make(map[string][]*Image),
		byType:   make(map[TagType][]*Image),
	}
	for _, img := range images {
		c.add(img)
	}
	c.resolveAliases()
	return c
}

func (c *Collection) add(img *Image) {
	if _, ok := c.byTag[img.Tag.Tag]; ok {
		return
	}
	c.byTag[img.Tag.Tag] = img
	c.byDigest[img.Digest] = append(c.byDigest[img.Digest], img)
	bucket := c.byType[img.Tag.Type]
	// Insert keeping newest-first order. Unparseable comparisons cannot
	// happen here since the bucket holds a single category.
	idx := sort.Search(len(bucket), func(i int) bool {
		cmp, err := img.Tag.Compare(bucket[i].Tag)
		return err == nil && cmp > 0
	})
	bucket = append(bucket, nil)
	copy(bucket[idx+1:], bucket[idx:])
	bucket[idx] = img
	c.byType[img.Tag.Type] = bucket
}

// resolveAliases points every alias at the canonical non-alias image that
// shares its digest, and folds the alias's node knowledge into it.
func (c *Collection) resolveAliases() {
	for _, alias := range c.byType[TagAlias] {
		for _, other := range c.byDigest[alias.Digest] {
			if other.Tag.Type == TagAlias {
				continue
			}
			alias.AliasTarget = other.Tag.Tag
			break
		}
	}
}

// ByTag looks an image up by tag name.
func (c *Collection) ByTag(tag string) (*Image, bool) {
	img, ok := c.byTag[tag]
	return img, ok
}

// ByDigest returns the canonical image for a digest: the one whose tag
// category sorts earliest in the menu order, preferring non-aliases.
func (c *Collection) ByDigest(digest string) (*Image, bool) {
	images := c.byDigest[digest]
	if len(images) == 0 {
		return nil, false
	}
	for _, typ := range tagTypeOrder {
		if typ == TagAlias {
			continue
		}
		for _, img := range images {
			if img.Tag.Type == typ {
				return img, true
			}
		}
	}
	return images[0], true
}

// Latest returns the newest image of a category.
func (c *Collection) Latest(typ TagType) (*Image, bool) {
	bucket := c.byType[typ]
	if len(bucket) == 0 {
		return nil, false
	}
	return bucket[0], true
}

// All iterates every image in menu order: aliases first, then each category
// newest first, unknown tags last.
func (c *Collection) All() []*Image {
	var out []*Image
	for _, typ := range tagTypeOrder {
		out = append(out, c.byType[typ]...)
	}
	return out
}

// Len returns the number of distinct tags.
func (c *Collection) Len() int { return len(c.byTag) }

// Subset returns a new collection holding the newest releases/weeklies/
// dailies up to the given counts, every alias, and everything named in
// include. The source images are shared, not copied.
func (c *Collection) Subset(releases, weeklies, dailies int, include sets.Set[string]) *Collection {
	var picked []*Image
	picked = append(picked, lo.Subset(c.byType[TagRelease], 0, uint(releases))...)
	picked = append(picked, lo.Subset(c.byType[TagWeekly], 0, uint(weeklies))...)
	picked = append(picked, lo.Subset(c.byType[TagDaily], 0, uint(dailies))...)
	picked = append(picked, c.byType[TagAlias]...)
	for tag := range include {
		if img, ok := c.byTag[tag]; ok {
			picked = append(picked, img)
		}
	}
	sub := &Collection{
		byTag:    make(map[string]*Image),
		byDigest: make(map[string][]*Image),
		byType:   make(map[TagType][]*Image),
	}
	for _, img := range picked {
		sub.add(img)
	}
	return sub
}

// FilterByCycle returns a new collection dropping every image whose SAL
// cycle does not match exactly. Images without a cycle are dropped too.
func (c *Collection) FilterByCycle(cycle int) *Collection {
	sub := &Collection{
		byTag:    make(map[string]*Image),
		byDigest: make(map[string][]*Image),
		byType:   make(map[TagType][]*Image),
	}
	for _, img := range c.All() {
		if img.Tag.Cycle != nil && *img.Tag.Cycle == cycle {
			sub.add(img)
		}
	}
	sub.resolveAliases()
	return sub
}
