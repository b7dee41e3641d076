package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocipack/ocipack/pkg/oci"
)

// mediaTypeDockerManifest is accepted alongside the OCI manifest type
// for interoperability with registries serving Docker schema 2 images.
const mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"

// manifestSizeLimit bounds manifest downloads; real manifests are a few
// kilobytes.
const manifestSizeLimit = 4 * 1024 * 1024

// getManifest fetches the manifest for the session's reference. The
// returned descriptor digest is verified against the reference when the
// name is digest-addressed, and computed from the received bytes when
// it is a mutable tag.
func (s *session) getManifest(ctx context.Context) ([]byte, v1.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url("manifests", s.name.Reference()), http.NoBody)
	if err != nil {
		return nil, v1.Descriptor{}, fmt.Errorf("creating manifest request: %w", err)
	}
	req.Header.Set("Accept", strings.Join([]string{
		v1.MediaTypeImageManifest,
		mediaTypeDockerManifest,
	}, ", "))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, v1.Descriptor{}, fmt.Errorf("fetching manifest for %q: %w", s.name, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, fmt.Sprintf("get manifest %q", s.name), http.StatusOK); err != nil {
		return nil, v1.Descriptor{}, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, manifestSizeLimit))
	if err != nil {
		return nil, v1.Descriptor{}, fmt.Errorf("reading manifest for %q: %w", s.name, err)
	}

	var d digest.Digest
	if want, ok := s.name.Digest(); ok {
		if err := oci.VerifyBytes(raw, want); err != nil {
			return nil, v1.Descriptor{}, fmt.Errorf("manifest for %q: %w", s.name, err)
		}
		d = want
	} else {
		d = digest.Canonical.FromBytes(raw)
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = v1.MediaTypeImageManifest
	}
	return raw, oci.NewDescriptor(mediaType, d, int64(len(raw))), nil
}

// putManifest uploads the manifest under the session's reference. Per
// the distribution protocol this must happen only after every blob the
// manifest references exists remotely.
func (s *session) putManifest(ctx context.Context, raw []byte, mediaType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url("manifests", s.name.Reference()), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("creating manifest upload request: %w", err)
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(raw))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading manifest for %q: %w", s.name, err)
	}
	defer resp.Body.Close()
	return checkResponse(resp, fmt.Sprintf("put manifest %q", s.name), http.StatusCreated, http.StatusOK)
}
