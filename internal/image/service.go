// Copyright Contributors to the Nublado project

package image

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/kubernetes"

	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
)

// Class keywords accepted by the spawn request image selector.
const (
	ClassRecommended   = "recommended"
	ClassLatestRelease = "latest-release"
	ClassLatestWeekly  = "latest-weekly"
	ClassLatestDaily   = "latest-daily"
)

// Info is the external representation of one image for the /images route
// and the spawner menu.
type Info struct {
	Reference string `json:"reference"`
	Tag       string `json:"tag"`
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	Prepulled bool   `json:"prepulled"`
}

// Menu is the spawner form payload: prepulled menu entries first, then a
// dropdown of everything known, both policy-filtered.
type Menu struct {
	Menu     []Info `json:"menu"`
	Dropdown []Info `json:"dropdown"`
}

// NodeStatus is the per-node portion of the prepull status report.
type NodeStatus struct {
	Name     string   `json:"name"`
	Eligible bool     `json:"eligible"`
	Comment  string   `json:"comment,omitempty"`
	Cached   []string `json:"cached"`
}

// PrepullImageStatus reports one to-prepull image's node coverage.
type PrepullImageStatus struct {
	Reference string   `json:"reference"`
	Tag       string   `json:"tag"`
	Name      string   `json:"name"`
	Digest    string   `json:"digest"`
	Nodes     []string `json:"nodes"`
	Missing   []string `json:"missing,omitempty"`
}

// PrepullStatus is the full /prepulls payload.
type PrepullStatus struct {
	Prepulled []PrepullImageStatus `json:"prepulled"`
	Pending   []PrepullImageStatus `json:"pending"`
	Nodes     []NodeStatus         `json:"nodes"`
}

// Service owns the controller's knowledge of remote images and node caches.
// Refresh is single-flight; readers see a consistent snapshot under the
// state lock.
type Service struct {
	cfg         *config.ImagesConfig
	source      Source
	clientset   kubernetes.Interface
	tolerations []corev1.Toleration
	log         logr.Logger

	refreshMu sync.Mutex

	mu        sync.RWMutex
	remote    *Collection
	toPrepull *Collection
	nodes     map[string]*Node

	// signal wakes the prepuller after each refresh; buffered so a
	// refresh never blocks on a slow consumer.
	signal chan struct{}
}

// NewService builds the image service. Call Refresh before use.
func NewService(cfg *config.ImagesConfig, source Source, clientset kubernetes.Interface, log logr.Logger) *Service {
	tolerations := make([]corev1.Toleration, 0, len(cfg.Tolerations))
	for _, t := range cfg.Tolerations {
		tolerations = append(tolerations, corev1.Toleration{
			Key:      t.Key,
			Operator: corev1.TolerationOperator(t.Operator),
			Value:    t.Value,
			Effect:   corev1.TaintEffect(t.Effect),
		})
	}
	return &Service{
		cfg:         cfg,
		source:      source,
		clientset:   clientset,
		tolerations: tolerations,
		log:         log,
		remote:      NewCollection(nil),
		toPrepull:   NewCollection(nil),
		nodes:       map[string]*Node{},
		signal:      make(chan struct{}, 1),
	}
}

// Refreshed returns the channel signaled after every successful refresh.
func (s *Service) Refreshed() <-chan struct{} { return s.signal }

// Refresh rebuilds the catalog: node inventory, remote tag listing, prepull
// subset. Concurrent callers serialize; state is swapped atomically.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	nodeList, err := s.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nuberr.WrapKubernetes(err, "list", "Node", "", "")
	}
	nodes := make(map[string]*Node, len(nodeList.Items))
	for i := range nodeList.Items {
		n := NewNode(&nodeList.Items[i], s.tolerations, s.cfg.Registry, s.cfg.Repository)
		nodes[n.Name] = n
	}

	tags, err := s.source.ListTags(ctx)
	if err != nil {
		return fmt.Errorf("listing remote tags: %w", err)
	}
	aliases := map[string]bool{s.cfg.RecommendedTag: true}
	for _, a := range s.cfg.AliasTags {
		aliases[a] = true
	}
	images := make([]*Image, 0, len(tags))
	for tag, digest := range tags {
		img := NewImage(ParseTag(tag, aliases), s.cfg.Registry, s.cfg.Repository, digest)
		for _, n := range nodes {
			if n.Digests.Has(digest) || n.Tags.Has(tag) {
				img.Nodes.Insert(n.Name)
			}
		}
		images = append(images, img)
	}
	remote := NewCollection(images)

	policied := remote
	if s.cfg.Cycle != 0 {
		policied = remote.FilterByCycle(s.cfg.Cycle)
	}
	include := sets.New[string](s.cfg.RecommendedTag)
	include.Insert(s.cfg.Pin...)
	toPrepull := policied.Subset(s.cfg.NumReleases, s.cfg.NumWeeklies, s.cfg.NumDailies, include)

	s.mu.Lock()
	s.remote = remote
	s.toPrepull = toPrepull
	s.nodes = nodes
	s.mu.Unlock()

	s.log.Info("image catalog refreshed",
		"remote", remote.Len(), "toPrepull", toPrepull.Len(), "nodes", len(nodes))
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

// ImageForReference resolves registry/repo[:tag][@digest] against the known
// remote set.
func (s *Service) ImageForReference(ref string) (*Image, error) {
	parsed, err := name.ParseReference(ref, name.StrictValidation)
	if err != nil {
		return nil, nuberr.NewClientError(nuberr.KindInvalidImageRef, "cannot parse %q: %v", ref, err)
	}
	repo := parsed.Context()
	if repo.RegistryStr() != s.cfg.Registry || repo.RepositoryStr() != s.cfg.Repository {
		return nil, nuberr.NewClientError(nuberr.KindInvalidImageRef,
			"%q is not in %s/%s", ref, s.cfg.Registry, s.cfg.Repository)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if digest, ok := parsed.(name.Digest); ok {
		if img, ok := s.remote.ByDigest(digest.DigestStr()); ok {
			return img, nil
		}
		return nil, nuberr.NewClientError(nuberr.KindUnknownImage, "no image with digest %s", digest.DigestStr())
	}
	if tag, ok := parsed.(name.Tag); ok {
		return s.imageForTagLocked(tag.TagStr())
	}
	return nil, nuberr.NewClientError(nuberr.KindInvalidImageRef, "%q has neither tag nor digest", ref)
}

// ImageForTagName resolves a bare tag name.
func (s *Service) ImageForTagName(tag string) (*Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.imageForTagLocked(tag)
}

func (s *Service) imageForTagLocked(tag string) (*Image, error) {
	if img, ok := s.remote.ByTag(tag); ok {
		return img, nil
	}
	return nil, nuberr.NewClientError(nuberr.KindUnknownImage, "no image with tag %q", tag)
}

// ImageForClass returns the currently-prepulled image of a class keyword.
func (s *Service) ImageForClass(class string) (*Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch class {
	case ClassRecommended:
		if img, ok := s.toPrepull.ByTag(s.cfg.RecommendedTag); ok {
			return img, nil
		}
		return nil, nuberr.NewClientError(nuberr.KindUnknownImage,
			"recommended tag %q not in prepulled set", s.cfg.RecommendedTag)
	case ClassLatestRelease:
		return s.latestLocked(TagRelease, class)
	case ClassLatestWeekly:
		return s.latestLocked(TagWeekly, class)
	case ClassLatestDaily:
		return s.latestLocked(TagDaily, class)
	default:
		return nil, nuberr.NewClientError(nuberr.KindInvalidImageRef, "unknown image class %q", class)
	}
}

func (s *Service) latestLocked(typ TagType, class string) (*Image, error) {
	if img, ok := s.toPrepull.Latest(typ); ok {
		return img, nil
	}
	return nil, nuberr.NewClientError(nuberr.KindUnknownImage, "no prepulled image for class %q", class)
}

// eligibleLocked returns the names of eligible nodes.
func (s *Service) eligibleLocked() sets.Set[string] {
	eligible := sets.New[string]()
	for _, n := range s.nodes {
		if n.Eligible {
			eligible.Insert(n.Name)
		}
	}
	return eligible
}

// Images is the full menu payload, one entry per known image, flagged
// prepulled when the image is cached on every eligible node.
func (s *Service) Images() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eligible := s.eligibleLocked()
	out := make([]Info, 0, s.remote.Len())
	for _, img := range s.remote.All() {
		out = append(out, s.infoLocked(img, eligible))
	}
	return out
}

func (s *Service) infoLocked(img *Image, eligible sets.Set[string]) Info {
	return Info{
		Reference: img.ReferenceWithDigest(),
		Tag:       img.Tag.Tag,
		Name:      img.DisplayName(s.resolveLocked),
		Digest:    img.Digest,
		Prepulled: eligible.Len() > 0 && img.Nodes.IsSuperset(eligible),
	}
}

func (s *Service) resolveLocked(tag string) *Image {
	img, _ := s.remote.ByTag(tag)
	return img
}

// Describe returns the display name of an image with alias targets
// resolved.
func (s *Service) Describe(img *Image) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return img.DisplayName(s.resolveLocked)
}

// MenuImages returns the two spawner lists: menu (the prepull set with the
// recommended image forced first) and dropdown (everything known, filtered
// by policy).
func (s *Service) MenuImages() Menu {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eligible := s.eligibleLocked()

	var menu []Info
	for _, img := range s.toPrepull.All() {
		info := s.infoLocked(img, eligible)
		if img.Tag.Tag == s.cfg.RecommendedTag {
			menu = append([]Info{info}, menu...)
		} else {
			menu = append(menu, info)
		}
	}

	dropdown := s.remote
	if s.cfg.Cycle != 0 {
		dropdown = s.remote.FilterByCycle(s.cfg.Cycle)
	}
	drop := make([]Info, 0, dropdown.Len())
	for _, img := range dropdown.All() {
		drop = append(drop, s.infoLocked(img, eligible))
	}
	return Menu{Menu: menu, Dropdown: drop}
}

// MissingImagesByNode returns, per eligible node, the to-prepull images the
// node does not yet cache.
func (s *Service) MissingImagesByNode() map[string][]*Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string][]*Image{}
	for _, n := range s.nodes {
		if !n.Eligible {
			continue
		}
		var missing []*Image
		for _, img := range s.toPrepull.All() {
			if img.Tag.Type == TagAlias && img.AliasTarget != "" {
				// The alias pulls the same layers as its target.
				continue
			}
			if !img.Nodes.Has(n.Name) {
				missing = append(missing, img)
			}
		}
		out[n.Name] = missing
	}
	return out
}

// MarkPrepulled records that node now caches img, so the menu reflects a
// successful prepull before the next refresh.
func (s *Service) MarkPrepulled(img *Image, node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img.Nodes.Insert(node)
	if n, ok := s.nodes[node]; ok {
		n.Digests.Insert(img.Digest)
		n.Tags.Insert(img.Tag.Tag)
	}
	// Other tag names for the same digest are equally present now.
	for _, other := range s.remote.byDigest[img.Digest] {
		other.Nodes.Insert(node)
	}
}

// Status is the /prepulls payload.
func (s *Service) Status() PrepullStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eligible := s.eligibleLocked()

	st := PrepullStatus{Prepulled: []PrepullImageStatus{}, Pending: []PrepullImageStatus{}}
	for _, img := range s.toPrepull.All() {
		entry := PrepullImageStatus{
			Reference: img.Reference(),
			Tag:       img.Tag.Tag,
			Name:      img.DisplayName(s.resolveLocked),
			Digest:    img.Digest,
			Nodes:     sets.List(img.Nodes.Intersection(eligible)),
			Missing:   sets.List(eligible.Difference(img.Nodes)),
		}
		if len(entry.Missing) == 0 {
			st.Prepulled = append(st.Prepulled, entry)
		} else {
			st.Pending = append(st.Pending, entry)
		}
	}
	for _, n := range s.nodes {
		cached := make([]string, 0, n.Tags.Len())
		for _, img := range s.toPrepull.All() {
			if img.Nodes.Has(n.Name) {
				cached = append(cached, img.Reference())
			}
		}
		sort.Strings(cached)
		st.Nodes = append(st.Nodes, NodeStatus{
			Name:     n.Name,
			Eligible: n.Eligible,
			Comment:  n.Comment,
			Cached:   cached,
		})
	}
	sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i].Name < st.Nodes[j].Name })
	return st
}

// SanitizeTag converts an image tag to a DNS-safe pod name fragment.
func SanitizeTag(tag string) string {
	return strings.ToLower(strings.NewReplacer("_", "-", ".", "-", "@", "-", "+", "-").Replace(tag))
}
