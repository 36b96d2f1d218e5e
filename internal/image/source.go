// Copyright Contributors to the Nublado project

package image

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
)

// Source lists the remote repository: every tag with the digest it points
// at. Adapters exist for plain Docker registries and for Google Artifact
// Registry.
type Source interface {
	// ListTags returns tag -> digest for the configured repository.
	ListTags(ctx context.Context) (map[string]string, error)
}

// dockerCredentials is the subset of a Kubernetes-style Docker config file
// the client reads.
type dockerCredentials struct {
	Auths map[string]struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Auth     string `json:"auth"`
	} `json:"auths"`
}

// DockerSource talks the Docker registry v2 protocol directly so that it can
// follow (and defend against) tag-list pagination, with per-host bearer
// tokens memoized between calls.
type DockerSource struct {
	registry   string
	scheme     string
	repository string
	client     *http.Client
	username   string
	password   string
	tokens     *gocache.Cache
	log        logr.Logger
}

// NewDockerSource builds a source for registry/repository, loading
// credentials (optional) from a Docker config file.
func NewDockerSource(registry, repository, credentialsPath string, log logr.Logger) (*DockerSource, error) {
	s := &DockerSource{
		registry:   registry,
		scheme:     "https",
		repository: repository,
		client:     &http.Client{Timeout: 30 * time.Second},
		tokens:     gocache.New(30*time.Minute, 10*time.Minute),
		log:        log,
	}
	if credentialsPath != "" {
		if err := s.loadCredentials(credentialsPath); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DockerSource) loadCredentials(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading docker credentials %s: %w", path, err)
	}
	var creds dockerCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return fmt.Errorf("parsing docker credentials %s: %w", path, err)
	}
	for host, auth := range creds.Auths {
		if host != s.registry && !strings.HasSuffix(s.registry, "."+host) {
			continue
		}
		if auth.Auth != "" {
			decoded, err := base64.StdEncoding.DecodeString(auth.Auth)
			if err != nil {
				return fmt.Errorf("decoding auth for %s: %w", host, err)
			}
			username, password, found := strings.Cut(string(decoded), ":")
			if !found {
				return fmt.Errorf("malformed auth for %s", host)
			}
			s.username, s.password = username, password
		} else {
			s.username, s.password = auth.Username, auth.Password
		}
		return nil
	}
	return nil
}

type tagListPage struct {
	Tags []string `json:"tags"`
}

// ListTags pages through /v2/<repo>/tags/list and resolves each tag to its
// digest. A registry that keeps returning the same next link is broken out
// of: the error is logged and the unique tags seen so far are returned.
func (s *DockerSource) ListTags(ctx context.Context) (map[string]string, error) {
	tags := map[string]bool{}
	next := fmt.Sprintf("%s://%s/v2/%s/tags/list", s.scheme, s.registry, s.repository)
	seen := map[string]bool{}
	for next != "" {
		if seen[next] {
			s.log.Error(nil, "registry pagination loop, returning tags seen so far",
				"url", next, "tags", len(tags))
			break
		}
		seen[next] = true
		var page tagListPage
		linkNext, err := s.get(ctx, next, &page)
		if err != nil {
			return nil, err
		}
		for _, tag := range page.Tags {
			tags[tag] = true
		}
		next = linkNext
	}

	out := make(map[string]string, len(tags))
	for tag := range tags {
		digest, err := s.digestFor(ctx, tag)
		if err != nil {
			s.log.Error(err, "cannot resolve digest, skipping tag", "tag", tag)
			continue
		}
		out[tag] = digest
	}
	return out, nil
}

var linkRegexp = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// get performs an authenticated GET, decodes the JSON body into out, and
// returns the absolute next link from the Link header if there is one.
func (s *DockerSource) get(ctx context.Context, rawURL string, out any) (string, error) {
	resp, err := s.do(ctx, http.MethodGet, rawURL, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("registry %s returned %d: %s", rawURL, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", fmt.Errorf("decoding registry response from %s: %w", rawURL, err)
	}
	if m := linkRegexp.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
		base, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		ref, err := url.Parse(m[1])
		if err != nil {
			return "", fmt.Errorf("malformed Link header from %s: %w", rawURL, err)
		}
		return base.ResolveReference(ref).String(), nil
	}
	return "", nil
}

// digestFor resolves a tag to its manifest digest with a HEAD request.
func (s *DockerSource) digestFor(ctx context.Context, tag string) (string, error) {
	u := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", s.scheme, s.registry, s.repository, tag)
	resp, err := s.do(ctx, http.MethodHead, u,
		"application/vnd.docker.distribution.manifest.v2+json, application/vnd.oci.image.manifest.v1+json, application/vnd.oci.image.index.v1+json")
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("manifest HEAD for %s returned %d", tag, resp.StatusCode)
	}
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("no Docker-Content-Digest header for %s", tag)
	}
	return digest, nil
}

// do issues one request, transparently acquiring a bearer token when the
// registry challenges with 401. Tokens are cached per host+scope.
func (s *DockerSource) do(ctx context.Context, method, rawURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if token, ok := s.tokens.Get(s.registry); ok {
		req.Header.Set("Authorization", "Bearer "+token.(string))
	} else if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	token, err := s.fetchToken(ctx, challenge)
	if err != nil {
		return nil, err
	}
	s.tokens.Set(s.registry, token, gocache.DefaultExpiration)
	req, err = http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return s.client.Do(req)
}

var challengeParam = regexp.MustCompile(`(\w+)="([^"]*)"`)

// fetchToken exchanges credentials for a bearer token per the challenge in a
// WWW-Authenticate header.
func (s *DockerSource) fetchToken(ctx context.Context, challenge string) (string, error) {
	if !strings.HasPrefix(challenge, "Bearer ") {
		return "", fmt.Errorf("unsupported auth challenge %q", challenge)
	}
	params := map[string]string{}
	for _, m := range challengeParam.FindAllStringSubmatch(challenge, -1) {
		params[m[1]] = m[2]
	}
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("auth challenge without realm: %q", challenge)
	}
	u, err := url.Parse(realm)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if params["service"] != "" {
		q.Set("service", params["service"])
	}
	if params["scope"] != "" {
		q.Set("scope", params["scope"])
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint %s returned %d", realm, resp.StatusCode)
	}
	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	if body.AccessToken != "" {
		return body.AccessToken, nil
	}
	return "", fmt.Errorf("token endpoint %s returned no token", realm)
}
