// Copyright Contributors to the Nublado project

// Package image implements the image taxonomy, catalog, and registry source
// adapters used by the spawner menu and the prepuller.
package image

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// TagType is the classification of a tag within the taxonomy. Ordering is
// defined only between tags of the same type.
type TagType string

const (
	TagAlias        TagType = "alias"
	TagRelease      TagType = "release"
	TagWeekly       TagType = "weekly"
	TagDaily        TagType = "daily"
	TagCandidate    TagType = "candidate"
	TagExperimental TagType = "experimental"
	TagUnknown      TagType = "unknown"
)

// tagTypeOrder is the display order of categories in a merged menu. Aliases
// always come first; unknown tags always come last.
var tagTypeOrder = []TagType{
	TagAlias, TagRelease, TagWeekly, TagDaily, TagCandidate, TagExperimental, TagUnknown,
}

var (
	releaseRegexp = regexp.MustCompile(`^r(\d+)_(\d+)_(\d+)(?:_rc(\d+))?`)
	weeklyRegexp  = regexp.MustCompile(`^w_(\d+)_(\d+)`)
	dailyRegexp   = regexp.MustCompile(`^d_(\d+)_(\d+)_(\d+)`)
	cycleRegexp   = regexp.MustCompile(`_c(\d+)\.(\d+)`)
	rspRegexp     = regexp.MustCompile(`_rsp(\d+)`)
)

// Tag is one parsed image tag.
type Tag struct {
	// Tag is the literal tag string.
	Tag string
	// Type is the taxonomy category.
	Type TagType
	// Version carries the comparable version for release, candidate,
	// weekly (year.week.0), and daily (year.month.day) tags, and for
	// experimental tags wrapping one of those. Nil otherwise.
	Version *semver.Version
	// Cycle and CycleBuild record a trailing _cNNNN.NNN SAL fragment.
	Cycle      *int
	CycleBuild *int
	// RSPBuild records a trailing _rspNN fragment.
	RSPBuild *int
	// DisplayName is the human-readable menu entry for the tag.
	DisplayName string

	// extra is any residual _suffix, display-only.
	extra string
}

// ParseTag classifies a tag string. Unparseable tags come back with
// Type=TagUnknown and DisplayName equal to the tag itself, never an error.
func ParseTag(tag string, aliases map[string]bool) Tag {
	if aliases[tag] || strings.Contains(tag, "recommended") || strings.Contains(tag, "latest") {
		return Tag{
			Tag:         tag,
			Type:        TagAlias,
			DisplayName: titleCase(tag),
		}
	}
	if strings.HasPrefix(tag, "exp_") {
		inner := ParseTag(strings.TrimPrefix(tag, "exp_"), nil)
		t := Tag{
			Tag:        tag,
			Type:       TagExperimental,
			Version:    inner.Version,
			Cycle:      inner.Cycle,
			CycleBuild: inner.CycleBuild,
			RSPBuild:   inner.RSPBuild,
			extra:      inner.extra,
		}
		if inner.Type == TagUnknown {
			t.Version = nil
			t.DisplayName = "Experimental " + strings.TrimPrefix(tag, "exp_")
		} else {
			t.DisplayName = "Experimental " + inner.DisplayName
		}
		return t
	}

	if m := releaseRegexp.FindStringSubmatch(tag); m != nil {
		major, minor, patch := mustInt(m[1]), mustInt(m[2]), mustInt(m[3])
		rest := tag[len(m[0]):]
		if m[4] != "" {
			rc := mustInt(m[4])
			v := semver.New(uint64(major), uint64(minor), uint64(patch), fmt.Sprintf("rc.%d", rc), "")
			t := Tag{Tag: tag, Type: TagCandidate, Version: v}
			t.parseFragments(rest)
			t.DisplayName = decorate(fmt.Sprintf("Release Candidate r%d.%d.%d-rc%d", major, minor, patch, rc), &t)
			return t
		}
		v := semver.New(uint64(major), uint64(minor), uint64(patch), "", "")
		t := Tag{Tag: tag, Type: TagRelease, Version: v}
		t.parseFragments(rest)
		t.DisplayName = decorate(fmt.Sprintf("Release r%d.%d.%d", major, minor, patch), &t)
		return t
	}
	if m := weeklyRegexp.FindStringSubmatch(tag); m != nil {
		year, week := mustInt(m[1]), mustInt(m[2])
		v := semver.New(uint64(year), uint64(week), 0, "", "")
		t := Tag{Tag: tag, Type: TagWeekly, Version: v}
		t.parseFragments(tag[len(m[0]):])
		t.DisplayName = decorate(fmt.Sprintf("Weekly %d_%02d", year, week), &t)
		return t
	}
	if m := dailyRegexp.FindStringSubmatch(tag); m != nil {
		year, month, day := mustInt(m[1]), mustInt(m[2]), mustInt(m[3])
		v := semver.New(uint64(year), uint64(month), uint64(day), "", "")
		t := Tag{Tag: tag, Type: TagDaily, Version: v}
		t.parseFragments(tag[len(m[0]):])
		t.DisplayName = decorate(fmt.Sprintf("Daily %d_%02d_%02d", year, month, day), &t)
		return t
	}
	return Tag{Tag: tag, Type: TagUnknown, DisplayName: tag}
}

// parseFragments strips the optional trailing fragments (_cNNNN.NNN,
// _rspNN, residual _extra) off rest and records them.
func (t *Tag) parseFragments(rest string) {
	if m := cycleRegexp.FindStringSubmatch(rest); m != nil {
		cycle, build := mustInt(m[1]), mustInt(m[2])
		t.Cycle = &cycle
		t.CycleBuild = &build
		rest = strings.Replace(rest, m[0], "", 1)
	}
	if m := rspRegexp.FindStringSubmatch(rest); m != nil {
		build := mustInt(m[1])
		t.RSPBuild = &build
		rest = strings.Replace(rest, m[0], "", 1)
	}
	t.extra = strings.TrimPrefix(rest, "_")
}

// decorate appends the parenthesized cycle fragment and bracketed extra to a
// base display name.
func decorate(base string, t *Tag) string {
	if t.RSPBuild != nil {
		base = fmt.Sprintf("%s (RSP Build %d)", base, *t.RSPBuild)
	}
	if t.Cycle != nil {
		base = fmt.Sprintf("%s (SAL Cycle %04d, Build %03d)", base, *t.Cycle, *t.CycleBuild)
	}
	if t.extra != "" {
		base = fmt.Sprintf("%s [%s]", base, t.extra)
	}
	return base
}

// Compare orders two tags of the same type, newest (highest) first being the
// positive direction: it returns >0 when t is newer than other. Comparing
// tags of different types is undefined and returns an error.
func (t Tag) Compare(other Tag) (int, error) {
	if t.Type != other.Type {
		return 0, fmt.Errorf("cannot compare %s tag %q with %s tag %q",
			t.Type, t.Tag, other.Type, other.Tag)
	}
	if t.Version != nil && other.Version != nil {
		if c := t.Version.Compare(other.Version); c != 0 {
			return c, nil
		}
	} else if (t.Version == nil) != (other.Version == nil) {
		// A versioned tag outranks an unversioned one of the same type
		// (only possible for experimentals).
		if t.Version != nil {
			return 1, nil
		}
		return -1, nil
	}
	if c := compareIntPtr(t.RSPBuild, other.RSPBuild); c != 0 {
		return c, nil
	}
	if c := compareIntPtr(t.Cycle, other.Cycle); c != 0 {
		return c, nil
	}
	if c := compareIntPtr(t.CycleBuild, other.CycleBuild); c != 0 {
		return c, nil
	}
	if t.extra != other.extra {
		// Extra compares ascending: the lexically smaller extra is newer.
		if t.extra < other.extra {
			return 1, nil
		}
		return -1, nil
	}
	if t.Tag != other.Tag {
		if t.Tag < other.Tag {
			return 1, nil
		}
		return -1, nil
	}
	return 0, nil
}

func compareIntPtr(a, b *int) int {
	av, bv := 0, 0
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	switch {
	case av > bv:
		return 1
	case av < bv:
		return -1
	default:
		return 0
	}
}

func mustInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		// Guarded by the regexps; digits only.
		panic(err)
	}
	return n
}

func titleCase(tag string) string {
	words := strings.Split(strings.ReplaceAll(tag, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
