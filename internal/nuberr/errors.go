// Copyright Contributors to the Nublado project

// Package nuberr defines the error surfaces shared by the lab controller:
// client errors that map onto HTTP 4xx responses, wrapped Kubernetes API
// errors, and the domain timeout error produced when a cumulative operation
// deadline expires.
package nuberr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// ErrorKind identifies a client-facing failure mode. The kind string is
// returned verbatim in error response bodies.
type ErrorKind string

const (
	KindInvalidToken        ErrorKind = "invalid_token"
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindUnknownUser         ErrorKind = "unknown_user"
	KindLabExists           ErrorKind = "lab_exists"
	KindOperationInProgress ErrorKind = "operation_in_progress"
	KindInsufficientQuota   ErrorKind = "insufficient_quota"
	KindInvalidLabSize      ErrorKind = "invalid_lab_size"
	KindInvalidImageRef     ErrorKind = "invalid_docker_reference"
	KindUnknownImage        ErrorKind = "unknown_image"
	KindNotConfigured       ErrorKind = "not_configured"
)

// statusForKind maps each kind onto the HTTP status used when the error
// escapes to a handler.
var statusForKind = map[ErrorKind]int{
	KindInvalidToken:        http.StatusUnauthorized,
	KindPermissionDenied:    http.StatusForbidden,
	KindUnknownUser:         http.StatusNotFound,
	KindLabExists:           http.StatusConflict,
	KindOperationInProgress: http.StatusConflict,
	KindInsufficientQuota:   http.StatusForbidden,
	KindInvalidLabSize:      http.StatusUnprocessableEntity,
	KindInvalidImageRef:     http.StatusBadRequest,
	KindUnknownImage:        http.StatusBadRequest,
	KindNotConfigured:       http.StatusNotFound,
}

// ClientError is a request failure attributable to the caller.
type ClientError struct {
	Kind    ErrorKind
	Message string
	// Path locates the offending request field (e.g. "options.size"),
	// empty when the error is not tied to a single field.
	Path string
}

func (e *ClientError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status returns the HTTP status code for the error kind.
func (e *ClientError) Status() int {
	if s, ok := statusForKind[e.Kind]; ok {
		return s
	}
	return http.StatusBadRequest
}

// NewClientError constructs a ClientError without a field path.
func NewClientError(kind ErrorKind, format string, args ...any) *ClientError {
	return &ClientError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewClientErrorAt constructs a ClientError tied to a request field.
func NewClientErrorAt(kind ErrorKind, path, format string, args ...any) *ClientError {
	return &ClientError{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...)}
}

// KubernetesError wraps a Kubernetes API failure with the object coordinates
// that produced it so that log lines and alerts can identify the object
// without the caller threading them through.
type KubernetesError struct {
	Op        string
	Kind      string
	Namespace string
	Name      string
	Err       error
}

func (e *KubernetesError) Error() string {
	obj := e.Kind
	if e.Namespace != "" {
		obj += " " + e.Namespace + "/" + e.Name
	} else if e.Name != "" {
		obj += " " + e.Name
	}
	return fmt.Sprintf("kubernetes %s of %s failed: %v", e.Op, obj, e.Err)
}

func (e *KubernetesError) Unwrap() error { return e.Err }

// AlertFields implements the alert sink's rich formatting contract.
func (e *KubernetesError) AlertFields() map[string]string {
	f := map[string]string{"Operation": e.Op, "Kind": e.Kind}
	if e.Namespace != "" {
		f["Namespace"] = e.Namespace
	}
	if e.Name != "" {
		f["Name"] = e.Name
	}
	return f
}

// Retriable reports whether the underlying API failure is worth retrying.
func (e *KubernetesError) Retriable() bool {
	return apierrors.IsServerTimeout(e.Err) || apierrors.IsTimeout(e.Err) ||
		apierrors.IsTooManyRequests(e.Err) || apierrors.IsServiceUnavailable(e.Err)
}

// WrapKubernetes wraps err unless it is nil.
func WrapKubernetes(err error, op, kind, namespace, name string) error {
	if err == nil {
		return nil
	}
	return &KubernetesError{Op: op, Kind: kind, Namespace: namespace, Name: name, Err: err}
}

// TimeoutError reports expiry of a cumulative operation deadline.
type TimeoutError struct {
	Op      string
	User    string
	Start   time.Time
	Expired time.Time
}

func (e *TimeoutError) Error() string {
	elapsed := e.Expired.Sub(e.Start).Round(time.Second)
	if e.User != "" {
		return fmt.Sprintf("%s for %s timed out after %s (started %s)",
			e.Op, e.User, elapsed, e.Start.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s timed out after %s (started %s)",
		e.Op, elapsed, e.Start.Format(time.RFC3339))
}

// AlertFields implements the alert sink's rich formatting contract.
func (e *TimeoutError) AlertFields() map[string]string {
	f := map[string]string{
		"Operation": e.Op,
		"Started":   e.Start.Format(time.RFC3339),
		"Failed":    e.Expired.Format(time.RFC3339),
	}
	if e.User != "" {
		f["User"] = e.User
	}
	return f
}

// IsTimeout reports whether err is (or wraps) a domain timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
