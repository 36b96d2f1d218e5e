// Copyright Contributors to the Nublado project

package image

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Node is the controller's view of one worker node: whether labs (and thus
// prepulls) can land on it, and which of our images it has cached.
type Node struct {
	Name     string
	Eligible bool
	// Comment explains ineligibility for the prepull status report.
	Comment string
	// Digests of cached images from the configured repository.
	Digests sets.Set[string]
	// Tags of cached images from the configured repository.
	Tags sets.Set[string]
}

// NewNode derives node data from the Kubernetes node object. Eligibility
// compares the node's taints against the given tolerations; a
// PreferNoSchedule taint never disqualifies a node.
func NewNode(node *corev1.Node, tolerations []corev1.Toleration, registry, repository string) *Node {
	n := &Node{
		Name:     node.Name,
		Eligible: true,
		Digests:  sets.New[string](),
		Tags:     sets.New[string](),
	}
	prefix := registry + "/" + repository
	for _, ci := range node.Status.Images {
		for _, name := range ci.Names {
			rest, ok := strings.CutPrefix(name, prefix)
			if !ok {
				continue
			}
			if digest, ok := strings.CutPrefix(rest, "@"); ok {
				n.Digests.Insert(digest)
			} else if tag, ok := strings.CutPrefix(rest, ":"); ok {
				n.Tags.Insert(tag)
			}
		}
	}
	for _, taint := range node.Spec.Taints {
		if taint.Effect == corev1.TaintEffectPreferNoSchedule {
			continue
		}
		if tolerated(taint, tolerations) {
			continue
		}
		n.Eligible = false
		n.Comment = fmt.Sprintf("node is tainted (%s)", taint.ToString())
		break
	}
	return n
}

func tolerated(taint corev1.Taint, tolerations []corev1.Toleration) bool {
	for i := range tolerations {
		if tolerations[i].ToleratesTaint(&taint) {
			return true
		}
	}
	return false
}
