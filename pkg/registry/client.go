// Package registry implements a client for the OCI Distribution v2
// protocol: bearer token negotiation, manifest and blob download with
// digest verification, blob-exists checks, and monolithic or chunked
// blob upload.
package registry

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ocipack/ocipack/pkg/name"
	"github.com/ocipack/ocipack/pkg/registry/authn"
)

const (
	// DefaultUserAgent identifies the client on the wire.
	DefaultUserAgent = "ocipack"

	// DefaultChunkSize is the upload size above which blobs are pushed
	// in chunks rather than with a single monolithic PUT.
	DefaultChunkSize = int64(16 * 1024 * 1024)

	// DefaultConcurrency bounds parallel blob transfers within one pull
	// or push.
	DefaultConcurrency = 4

	// DefaultRetries is the number of additional attempts made for
	// transient failures of idempotent requests.
	DefaultRetries = uint64(3)
)

// Client talks to OCI registries. The zero value is not usable; use
// NewClient. A Client is safe for concurrent use; per-repository token
// state lives in per-call sessions.
type Client struct {
	transport   http.RoundTripper
	userAgent   string
	keychain    authn.Keychain
	auth        authn.Authenticator
	plainHTTP   bool
	concurrency int
	chunkSize   int64
	retries     uint64
	log         *logrus.Entry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport sets the HTTP transport used for all requests.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		if transport != nil {
			c.transport = transport
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithAuthConfig sets static basic credentials for all registries.
func WithAuthConfig(username, password string) ClientOption {
	return func(c *Client) {
		if username != "" && password != "" {
			c.auth = &authn.Basic{Username: username, Password: password}
		}
	}
}

// WithAuth sets a custom authenticator, overriding the keychain.
func WithAuth(auth authn.Authenticator) ClientOption {
	return func(c *Client) {
		if auth != nil {
			c.auth = auth
		}
	}
}

// WithKeychain sets the keychain used to resolve per-registry credentials.
func WithKeychain(kc authn.Keychain) ClientOption {
	return func(c *Client) {
		if kc != nil {
			c.keychain = kc
		}
	}
}

// WithPlainHTTP forces plain HTTP for all registries, not only
// localhost ones.
func WithPlainHTTP(plain bool) ClientOption {
	return func(c *Client) {
		c.plainHTTP = plain
	}
}

// WithConcurrency bounds parallel blob transfers within one pull or push.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithChunkSize sets the chunked-upload threshold and chunk length.
func WithChunkSize(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithRetries sets the number of additional attempts for transient
// failures of idempotent requests.
func WithRetries(n uint64) ClientOption {
	return func(c *Client) {
		c.retries = n
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(log *logrus.Entry) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient returns a Client with the default transport, keychain and
// transfer limits, modified by the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		transport:   http.DefaultTransport,
		userAgent:   DefaultUserAgent,
		keychain:    authn.DefaultKeychain,
		concurrency: DefaultConcurrency,
		chunkSize:   DefaultChunkSize,
		retries:     DefaultRetries,
		log:         logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// session is the per-repository view of the client: one base URL and
// one token-negotiating HTTP client.
type session struct {
	client  *http.Client
	baseURL *url.URL
	name    name.ImageName
}

// newSession resolves credentials for the name's registry and builds
// the repository-scoped HTTP client.
func (c *Client) newSession(n name.ImageName, scope string) (*session, error) {
	auth := c.auth
	if auth == nil {
		var err error
		auth, err = c.keychain.Resolve(n.Registry())
		if err != nil {
			return nil, fmt.Errorf("resolving credentials for %q: %w", n.Registry(), err)
		}
	}

	base := &url.URL{
		Scheme: c.scheme(n.Registry()),
		Host:   n.Registry(),
	}
	return &session{
		client: &http.Client{
			Transport: &tokenTransport{
				inner:     c.transport,
				auth:      auth,
				userAgent: c.userAgent,
				scopes:    []string{n.Scope(scope)},
			},
		},
		baseURL: base,
		name:    n,
	}, nil
}

// scheme picks the URL scheme for a registry host: HTTPS everywhere,
// except for localhost registries and when plain HTTP is forced.
func (c *Client) scheme(host string) string {
	if c.plainHTTP || isLocalRegistry(host) {
		return "http"
	}
	return "https"
}

// isLocalRegistry reports whether the host is a loopback registry,
// which commonly runs without TLS during development and testing.
func isLocalRegistry(host string) bool {
	hostname, _, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
	}
	return hostname == "localhost" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "127.")
}

// url builds a /v2/ endpoint URL for the session's repository.
func (s *session) url(elem ...string) string {
	u := *s.baseURL
	u.Path = "/v2/" + s.name.Repository() + "/" + strings.Join(elem, "/")
	return u.String()
}
