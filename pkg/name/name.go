// Package name parses and validates image names of the form
// registry/repository:tag or registry/repository@digest, using the
// registry naming grammar from distribution/reference.
package name

import (
	"fmt"
	"regexp"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

const (
	// DefaultRegistry is assumed when a name carries no registry host.
	DefaultRegistry = "registry-1.docker.io"
	// DefaultTag is assumed when a name carries no tag or digest.
	DefaultTag = "latest"
)

// ImageName identifies an image within a registry. It is immutable once
// constructed and serializes back to its canonical text form.
type ImageName struct {
	host   string
	path   string
	tag    string
	digest digest.Digest
}

// Parse parses and validates an image name. Names without a registry
// host get DefaultRegistry, names without a tag or digest get
// DefaultTag. Malformed names fail with an error matching
// errdefs.IsInvalidArgument.
func Parse(s string) (ImageName, error) {
	ref, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return ImageName{}, fmt.Errorf("parsing image name %q: %w: %v", s, errdefs.ErrInvalidArgument, err)
	}

	n := ImageName{
		host: reference.Domain(ref),
		path: reference.Path(ref),
	}
	if n.host == "docker.io" {
		n.host = DefaultRegistry
	}

	if digested, ok := ref.(reference.Digested); ok {
		d := digest.Digest(digested.Digest())
		if err := d.Validate(); err != nil {
			return ImageName{}, fmt.Errorf("parsing image name %q: %w: %v", s, errdefs.ErrInvalidArgument, err)
		}
		n.digest = d
		return n, nil
	}

	if tagged, ok := ref.(reference.Tagged); ok {
		n.tag = tagged.Tag()
	} else {
		n.tag = DefaultTag
	}
	return n, nil
}

// Random returns a name with a freshly generated UUID repository under
// localhost, used as the default identity for packed archives that were
// given no explicit tag.
func Random() ImageName {
	return ImageName{
		host: "localhost",
		path: uuid.NewString(),
		tag:  DefaultTag,
	}
}

// Registry returns the registry host, including port if any.
func (n ImageName) Registry() string { return n.host }

// Repository returns the repository path within the registry.
func (n ImageName) Repository() string { return n.path }

// IsDigest reports whether the name references a digest rather than a
// mutable tag.
func (n ImageName) IsDigest() bool { return n.digest != "" }

// Tag returns the tag reference, if any.
func (n ImageName) Tag() (string, bool) { return n.tag, n.tag != "" }

// Digest returns the digest reference, if any.
func (n ImageName) Digest() (digest.Digest, bool) { return n.digest, n.digest != "" }

// Reference returns the tag or digest string used on the manifest
// endpoint of the distribution API.
func (n ImageName) Reference() string {
	if n.IsDigest() {
		return n.digest.String()
	}
	return n.tag
}

// String returns the canonical text form of the name.
func (n ImageName) String() string {
	if n.IsDigest() {
		return fmt.Sprintf("%s/%s@%s", n.host, n.path, n.digest)
	}
	return fmt.Sprintf("%s/%s:%s", n.host, n.path, n.tag)
}

// WithDigest returns a copy of the name referencing the given digest
// instead of a tag.
func (n ImageName) WithDigest(d digest.Digest) (ImageName, error) {
	if err := d.Validate(); err != nil {
		return ImageName{}, fmt.Errorf("digest %q: %w: %v", d, errdefs.ErrInvalidArgument, err)
	}
	return ImageName{host: n.host, path: n.path, digest: d}, nil
}

// anchoredTag matches a whole tag; reference.TagRegexp itself is
// unanchored and would accept any string containing a valid tag.
var anchoredTag = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)

// WithTag returns a copy of the name referencing the given tag instead
// of the current tag or digest.
func (n ImageName) WithTag(tag string) (ImageName, error) {
	if !anchoredTag.MatchString(tag) {
		return ImageName{}, fmt.Errorf("tag %q: %w", tag, errdefs.ErrInvalidArgument)
	}
	return ImageName{host: n.host, path: n.path, tag: tag}, nil
}

// Scope returns the token scope for the given action ("pull" or
// "push,pull") on this name's repository.
func (n ImageName) Scope(action string) string {
	return fmt.Sprintf("repository:%s:%s", n.path, action)
}
