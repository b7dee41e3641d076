// Package authn resolves registry credentials: explicit basic or bearer
// authenticators, plus a keychain backed by the Docker config file and
// its credential helpers.
package authn

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	credhelper "github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
)

// Authenticator provides authentication credentials for registry operations.
type Authenticator interface {
	// Authorization returns the authentication credentials.
	Authorization() (*AuthConfig, error)
}

// AuthConfig contains authentication credentials.
type AuthConfig struct {
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	Auth          string `json:"auth,omitempty"`
	IdentityToken string `json:"identitytoken,omitempty"`
	RegistryToken string `json:"registrytoken,omitempty"`
}

// Basic implements Authenticator for basic username/password authentication.
type Basic struct {
	Username string
	Password string
}

func (b *Basic) Authorization() (*AuthConfig, error) {
	return &AuthConfig{
		Username: b.Username,
		Password: b.Password,
	}, nil
}

// Bearer implements Authenticator for a pre-issued bearer token.
type Bearer struct {
	Token string
}

func (b *Bearer) Authorization() (*AuthConfig, error) {
	return &AuthConfig{
		RegistryToken: b.Token,
	}, nil
}

// Anonymous implements Authenticator for anonymous access.
type Anonymous struct{}

func (a *Anonymous) Authorization() (*AuthConfig, error) {
	return &AuthConfig{}, nil
}

// Keychain resolves credentials for a registry host.
type Keychain interface {
	// Resolve returns an Authenticator for the given registry host. A
	// host with no known credentials resolves to Anonymous, not an
	// error.
	Resolve(registry string) (Authenticator, error)
}

type defaultKeychain struct{}

// DefaultKeychain resolves credentials from the OCIPACK_USERNAME and
// OCIPACK_PASSWORD environment variables, then from the Docker config
// file (~/.docker/config.json) and its credential helpers.
var DefaultKeychain Keychain = &defaultKeychain{}

func (k *defaultKeychain) Resolve(registry string) (Authenticator, error) {
	if username := os.Getenv("OCIPACK_USERNAME"); username != "" {
		if password := os.Getenv("OCIPACK_PASSWORD"); password != "" {
			return &Basic{Username: username, Password: password}, nil
		}
	}

	auth, err := getAuthFromConfig(registry)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Anonymous{}, nil
		}
		return nil, err
	}
	if auth != nil {
		return auth, nil
	}
	return &Anonymous{}, nil
}

// dockerConfig represents the structure of ~/.docker/config.json.
type dockerConfig struct {
	Auths       map[string]AuthConfig `json:"auths"`
	CredsStore  string                `json:"credsStore,omitempty"`
	CredHelpers map[string]string     `json:"credHelpers,omitempty"`
}

func getAuthFromConfig(registry string) (Authenticator, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(home, ".docker", "config.json"))
	if err != nil {
		return nil, err
	}

	var cfg dockerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return resolveConfigAuth(cfg, registry)
}

func resolveConfigAuth(cfg dockerConfig, registry string) (Authenticator, error) {
	serverAddress := serverAddressForRegistry(registry)

	if helper, ok := cfg.CredHelpers[serverAddress]; ok {
		if auth, err := credentialsFromHelper(helper, serverAddress); err == nil && auth != nil {
			return auth, nil
		}
	}
	if cfg.CredsStore != "" {
		if auth, err := credentialsFromHelper(cfg.CredsStore, serverAddress); err == nil && auth != nil {
			return auth, nil
		}
	}

	for host, auth := range cfg.Auths {
		if !matchRegistry(host, registry) {
			continue
		}
		if auth.Auth != "" {
			creds, err := base64.StdEncoding.DecodeString(auth.Auth)
			if err != nil {
				return nil, err
			}
			if username, password, ok := strings.Cut(string(creds), ":"); ok {
				return &Basic{Username: username, Password: password}, nil
			}
		}
		if auth.Username != "" && auth.Password != "" {
			return &Basic{Username: auth.Username, Password: auth.Password}, nil
		}
		if auth.IdentityToken != "" {
			return &Bearer{Token: auth.IdentityToken}, nil
		}
	}
	return nil, nil
}

// serverAddressForRegistry returns the key used for credential lookup.
// Docker Hub credentials are stored under "https://index.docker.io/v1/".
func serverAddressForRegistry(registry string) string {
	normalized := normalizeRegistry(registry)
	if normalized == "index.docker.io" {
		return "https://index.docker.io/v1/"
	}
	return normalized
}

func credentialsFromHelper(helper, serverAddress string) (Authenticator, error) {
	program := credhelper.NewShellProgramFunc("docker-credential-" + helper)
	creds, err := credhelper.Get(program, serverAddress)
	if err != nil {
		// A helper miss falls through to the other credential sources.
		if credentials.IsErrCredentialsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if creds.Username != "" && creds.Secret != "" {
		return &Basic{Username: creds.Username, Password: creds.Secret}, nil
	}
	return nil, nil
}

func matchRegistry(host, registry string) bool {
	return normalizeRegistry(host) == normalizeRegistry(registry)
}

func normalizeRegistry(registry string) string {
	registry = strings.TrimPrefix(registry, "https://")
	registry = strings.TrimPrefix(registry, "http://")
	registry = strings.TrimSuffix(registry, "/")
	registry = strings.TrimSuffix(registry, "/v1")
	registry = strings.TrimSuffix(registry, "/v2")

	switch registry {
	case "docker.io", "registry-1.docker.io", "index.docker.io":
		return "index.docker.io"
	}
	return registry
}
