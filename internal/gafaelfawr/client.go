// Copyright Contributors to the Nublado project

// Package gafaelfawr is the thin client for the platform identity service.
// The controller never validates tokens itself; it asks Gafaelfawr who a
// token belongs to and what quota that user carries.
package gafaelfawr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
)

// usernameRegexp is the only username shape the controller accepts.
var usernameRegexp = regexp.MustCompile(`^[a-z0-9]([a-z0-9]|-[a-z0-9])*[a-z]([a-z0-9]|-[a-z0-9])*$`)

// Group is one group membership. Groups without a numeric GID exist in the
// identity service but cannot appear in /etc/group.
type Group struct {
	Name string `json:"name"`
	ID   *int64 `json:"id,omitempty"`
}

// NotebookQuota bounds the resources a user's lab may claim.
type NotebookQuota struct {
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory"`
}

// Quota is the user's platform quota. Only the notebook portion matters to
// the lab controller; API budgets are enforced elsewhere.
type Quota struct {
	Notebook *NotebookQuota   `json:"notebook,omitempty"`
	API      map[string]int64 `json:"api,omitempty"`
}

// UserInfo is the identity service's answer for one token.
type UserInfo struct {
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	UID      int64   `json:"uid"`
	GID      int64   `json:"gid"`
	Groups   []Group `json:"groups,omitempty"`
	Quota    *Quota  `json:"quota,omitempty"`
}

// SupplementalGroups returns the GIDs usable in the lab pod security
// context. Groups without numeric GIDs are dropped.
func (u *UserInfo) SupplementalGroups() []int64 {
	var gids []int64
	for _, g := range u.Groups {
		if g.ID != nil {
			gids = append(gids, *g.ID)
		}
	}
	return gids
}

// ValidUsername reports whether name is acceptable as a lab username.
func ValidUsername(name string) bool {
	return usernameRegexp.MatchString(name)
}

// UpstreamError is a malformed or failed identity-service response; it
// surfaces as a 5xx and keeps the raw body for the alert sink.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity service error: %v", e.Err)
	}
	return fmt.Sprintf("identity service returned %d", e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// AlertFields implements the alert sink's rich formatting contract.
func (e *UpstreamError) AlertFields() map[string]string {
	f := map[string]string{}
	if e.Status != 0 {
		f["Status"] = fmt.Sprintf("%d", e.Status)
	}
	if e.Body != "" {
		f["Response"] = e.Body
	}
	return f
}

// Client calls the identity service.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

// UserInfo resolves a bearer token to its owner.
func (c *Client) UserInfo(ctx context.Context, token string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/auth/api/v1/user-info", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nuberr.NewClientError(nuberr.KindInvalidToken, "token rejected by identity service")
	case resp.StatusCode != http.StatusOK:
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body), Err: err}
	}
	if !ValidUsername(info.Username) {
		return nil, &UpstreamError{
			Status: resp.StatusCode,
			Body:   string(body),
			Err:    fmt.Errorf("invalid username %q", info.Username),
		}
	}
	return &info, nil
}
