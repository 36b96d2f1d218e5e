// Copyright Contributors to the Nublado project

// Package metadata reads the controller pod's own identity from the
// downward-API mount. It is read once at startup and cached; every prepull
// pod carries an owner reference derived from it so the cluster garbage
// collector reaps leftovers if the controller goes away.
package metadata

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
)

// DefaultNamespace is used when the downward-API files are absent, which
// happens in local development and in tests.
const DefaultNamespace = "userlabs"

// Metadata is the controller pod's identity.
type Metadata struct {
	Name      string
	Namespace string
	UID       types.UID
}

// Load reads name/uid/namespace from dir. Missing files fall back to an
// empty identity in the default namespace; the fallback is logged since
// running without an owner reference changes garbage-collection behavior.
func Load(dir string, log logr.Logger) *Metadata {
	m := &Metadata{
		Name:      readFile(dir, "name"),
		Namespace: readFile(dir, "namespace"),
		UID:       types.UID(readFile(dir, "uid")),
	}
	if m.Namespace == "" {
		m.Namespace = DefaultNamespace
	}
	if m.Name == "" || m.UID == "" {
		log.Info("downward-API metadata incomplete, prepull pods will not carry owner references",
			"dir", dir)
	}
	return m
}

// OwnerReference returns an owner reference to the controller pod, or nil
// when the identity is incomplete.
func (m *Metadata) OwnerReference() *metav1.OwnerReference {
	if m.Name == "" || m.UID == "" {
		return nil
	}
	return &metav1.OwnerReference{
		APIVersion:         "v1",
		Kind:               "Pod",
		Name:               m.Name,
		UID:                m.UID,
		BlockOwnerDeletion: ptr.To(true),
	}
}

func readFile(dir, name string) string {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
