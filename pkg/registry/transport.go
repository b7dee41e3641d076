package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/ocipack/ocipack/pkg/registry/authn"
)

// Token scopes for repository operations.
const (
	PullScope = "pull"
	PushScope = "push,pull"
)

// challenge contains parsed WWW-Authenticate header information.
type challenge struct {
	Realm   string
	Service string
	Scope   string
}

// token is the body of a token endpoint response.
type token struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// parseChallenge parses a Bearer WWW-Authenticate header.
func parseChallenge(header string) challenge {
	result := challenge{}
	header = strings.TrimPrefix(header, "Bearer ")
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.TrimSpace(key) {
		case "realm":
			result.Realm = value
		case "service":
			result.Service = value
		case "scope":
			result.Scope = value
		}
	}
	return result
}

// exchange trades credentials for a bearer token at the challenge realm.
func exchange(ctx context.Context, transport http.RoundTripper, auth authn.Authenticator, scopes []string, ch challenge) (string, error) {
	tokenURL, err := url.Parse(ch.Realm)
	if err != nil {
		return "", fmt.Errorf("parsing realm URL: %w: %v", errdefs.ErrUnauthenticated, err)
	}
	if tokenURL.Scheme != "https" && tokenURL.Scheme != "http" {
		return "", fmt.Errorf("unsupported realm scheme %q: %w", tokenURL.Scheme, errdefs.ErrUnauthenticated)
	}

	q := tokenURL.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	for _, scope := range scopes {
		q.Add("scope", scope)
	}
	tokenURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), http.NoBody)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	if auth != nil {
		cfg, err := auth.Authorization()
		if err != nil {
			return "", fmt.Errorf("getting auth config: %w", err)
		}
		if cfg.RegistryToken != "" {
			return cfg.RegistryToken, nil
		}
		if cfg.Username != "" && cfg.Password != "" {
			req.SetBasicAuth(cfg.Username, cfg.Password)
		}
	}

	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching token: %w: %v", errdefs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token request failed with status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), errdefs.ErrUnauthenticated)
	}

	var tok token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w: %v", errdefs.ErrUnauthenticated, err)
	}
	// Some registries return access_token instead of token.
	if tok.Token == "" {
		tok.Token = tok.AccessToken
	}
	if tok.Token == "" {
		return "", fmt.Errorf("token response contained no token: %w", errdefs.ErrUnauthenticated)
	}
	return tok.Token, nil
}

// authState tracks the token negotiation for one repository session.
type authState int

const (
	stateUnauthenticated authState = iota
	stateTokenRequested
	stateAuthenticated
)

// tokenTransport negotiates bearer tokens per the distribution auth
// flow: the first 401 response's WWW-Authenticate challenge is answered
// by a token exchange, and the original request is retried exactly once
// with the Authorization header set. A second 401 on the same request
// is an authentication failure, not a reason to loop.
type tokenTransport struct {
	inner     http.RoundTripper
	auth      authn.Authenticator
	userAgent string
	scopes    []string

	mu    sync.Mutex
	state authState
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	used := t.currentToken()
	resp, err := t.inner.RoundTrip(t.prepare(req, used))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	ch := parseChallenge(resp.Header.Get("WWW-Authenticate"))
	if ch.Realm == "" {
		// Not a bearer challenge; nothing to negotiate.
		return resp, nil
	}
	resp.Body.Close()

	tok, err := t.refresh(req, ch, used)
	if err != nil {
		return nil, err
	}

	retry, err := t.rewind(req)
	if err != nil {
		return nil, err
	}
	resp, err = t.inner.RoundTrip(t.prepare(retry, tok))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("request to %q still unauthorized after token exchange: %w", req.URL.Host, errdefs.ErrUnauthenticated)
	}
	return resp, nil
}

// refresh obtains a token for the challenge. Concurrent requests that
// were rejected with the same stale token share one exchange: whoever
// arrives first negotiates, the rest reuse the result.
func (t *tokenTransport) refresh(req *http.Request, ch challenge, stale string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateAuthenticated && t.token != "" && t.token != stale {
		return t.token, nil
	}

	t.state = stateTokenRequested
	scopes := t.scopes
	if ch.Scope != "" {
		scopes = []string{ch.Scope}
	}
	tok, err := exchange(req.Context(), t.inner, t.auth, scopes, ch)
	if err != nil {
		t.state = stateUnauthenticated
		return "", fmt.Errorf("authenticating to %q: %w", req.URL.Host, err)
	}
	t.token = tok
	t.state = stateAuthenticated
	return tok, nil
}

func (t *tokenTransport) currentToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateAuthenticated {
		return t.token
	}
	return ""
}

// prepare clones the request, attaching the user agent and the token.
func (t *tokenTransport) prepare(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if t.userAgent != "" {
		out.Header.Set("User-Agent", t.userAgent)
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out
}

// rewind returns a copy of the request whose body is reset to the
// start, for the post-challenge retry.
func (t *tokenTransport) rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry request with non-replayable body after auth challenge")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewinding request body: %w", err)
	}
	out.Body = body
	return out, nil
}
