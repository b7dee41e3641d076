// Package oci provides digest and descriptor helpers shared by the
// archive, store and registry packages. It builds on the canonical
// opencontainers types rather than redefining them.
package oci

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// SchemaVersion is the manifest/index schema version this package emits.
const SchemaVersion = 2

// NewDescriptor returns a descriptor for content whose digest and size
// are already known.
func NewDescriptor(mediaType string, dgst digest.Digest, size int64) v1.Descriptor {
	return v1.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      size,
	}
}

// FromBytes returns a descriptor for the given content, computing its
// canonical (sha256) digest and size.
func FromBytes(mediaType string, content []byte) v1.Descriptor {
	return NewDescriptor(mediaType, digest.Canonical.FromBytes(content), int64(len(content)))
}

// NewManifest assembles an OCI image manifest referencing the given config
// and layer descriptors, in append order.
func NewManifest(config v1.Descriptor, layers []v1.Descriptor) v1.Manifest {
	return v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: SchemaVersion},
		MediaType: v1.MediaTypeImageManifest,
		Config:    config,
		Layers:    layers,
	}
}

// MarshalManifest serializes a manifest and returns the bytes together
// with the descriptor addressing them.
func MarshalManifest(m v1.Manifest) ([]byte, v1.Descriptor, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, v1.Descriptor{}, fmt.Errorf("marshal manifest: %w", err)
	}
	return raw, FromBytes(v1.MediaTypeImageManifest, raw), nil
}

// ParseManifest parses raw manifest bytes.
func ParseManifest(raw []byte) (*v1.Manifest, error) {
	m := v1.Manifest{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ParseIndex parses raw index bytes.
func ParseIndex(raw []byte) (*v1.Index, error) {
	idx := v1.Index{}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return &idx, nil
}

// Referenced returns every descriptor a manifest points at: the config
// followed by the layers in manifest order.
func Referenced(m *v1.Manifest) []v1.Descriptor {
	descs := make([]v1.Descriptor, 0, len(m.Layers)+1)
	descs = append(descs, m.Config)
	descs = append(descs, m.Layers...)
	return descs
}
