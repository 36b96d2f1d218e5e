// Copyright Contributors to the Nublado project

// Package labels defines the labels and annotations stamped on every object
// the controller manages. Reconciliation and reaping rely on them, so they
// are mandatory on anything user-scoped.
package labels

// Label keys.
const (
	Category = "nublado.lsst.io/category"
	User     = "nublado.lsst.io/user"
)

// Category values.
const (
	CategoryLab        = "lab"
	CategoryFileserver = "fileserver"
	CategoryPrepuller  = "prepuller"
	CategoryFSAdmin    = "fsadmin"
)

// Annotation keys on lab pods.
const (
	UserGroups = "nublado.lsst.io/user-groups"
	UserName   = "nublado.lsst.io/user-name"
)

// ForUser returns the mandatory labels for a user-scoped object.
func ForUser(category, username string) map[string]string {
	return map[string]string{
		Category: category,
		User:     username,
	}
}

// For returns the mandatory labels for a non-user-scoped managed object.
func For(category string) map[string]string {
	return map[string]string{Category: category}
}

// Argo CD must neither prune controller-created objects nor flag them as
// drift against the deployment chart.
func Annotations() map[string]string {
	return map[string]string{
		"argocd.argoproj.io/compare-options": "IgnoreExtraneous",
		"argocd.argoproj.io/sync-options":    "Prune=false",
	}
}
