package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocipack/ocipack/pkg/name"
	"github.com/ocipack/ocipack/pkg/oci"
)

// ImageDir returns the directory holding the index for the given name.
// The mapping is deterministic and collision-free: tag references get a
// "__" prefix and digest references an "@" prefix, so the two never
// overlap, and neither prefix is a valid leading character for
// repository path segments.
func (s *Store) ImageDir(n name.ImageName) string {
	var ref string
	if d, ok := n.Digest(); ok {
		ref = "@" + d.Algorithm().String() + "=" + d.Encoded()
	} else {
		tag, _ := n.Tag()
		ref = "__" + tag
	}
	return filepath.Join(s.imagesDir(), n.Registry(), filepath.FromSlash(n.Repository()), ref)
}

// Insert registers the manifest in the store under the given name,
// serializing it canonically. See InsertRaw.
func (s *Store) Insert(n name.ImageName, manifest v1.Manifest) (v1.Descriptor, error) {
	raw, _, err := oci.MarshalManifest(manifest)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("encode manifest: %w", err)
	}
	return s.InsertRaw(n, raw)
}

// InsertRaw registers the manifest, given as its exact wire bytes, in
// the store under the given name, preserving its digest. The manifest
// is written to the blob pool and the name's index is replaced
// atomically, so a crash never leaves a partially written entry
// visible. Every blob the manifest references must already be in the
// pool; InsertRaw refuses to create a dangling entry otherwise.
// Re-inserting an existing name overwrites it, last writer wins.
func (s *Store) InsertRaw(n name.ImageName, raw []byte) (v1.Descriptor, error) {
	manifest, err := oci.ParseManifest(raw)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("parse manifest for %q: %w", n, err)
	}
	for _, desc := range oci.Referenced(manifest) {
		ok, err := s.HasBlob(desc.Digest)
		if err != nil {
			return v1.Descriptor{}, fmt.Errorf("check blob %q: %w", desc.Digest, err)
		}
		if !ok {
			return v1.Descriptor{}, fmt.Errorf("manifest references blob %q absent from store: %w", desc.Digest, errdefs.ErrNotFound)
		}
	}

	mediaType := manifest.MediaType
	if mediaType == "" {
		mediaType = v1.MediaTypeImageManifest
	}
	desc := oci.FromBytes(mediaType, raw)
	if _, err := s.WriteBlobBytes(raw); err != nil {
		return v1.Descriptor{}, fmt.Errorf("store manifest blob: %w", err)
	}

	desc.Annotations = map[string]string{
		v1.AnnotationRefName: n.String(),
	}
	index := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: oci.SchemaVersion},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{desc},
	}
	rawIndex, err := json.Marshal(index)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("encode index: %w", err)
	}

	dir := s.ImageDir(n)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return v1.Descriptor{}, fmt.Errorf("create image directory: %w", err)
	}
	if err := atomicwriter.WriteFile(filepath.Join(dir, indexFile), rawIndex, 0o644); err != nil {
		return v1.Descriptor{}, fmt.Errorf("write image index: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"name":   n.String(),
		"digest": desc.Digest.String(),
	}).Debug("inserted image")
	return desc, nil
}

// Get looks up the manifest stored under the given name. Unknown names
// fail with an error matching errdefs.IsNotFound.
func (s *Store) Get(n name.ImageName) (*v1.Manifest, v1.Descriptor, error) {
	desc, err := s.lookup(n)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}
	raw, err := s.ReadBlobBytes(desc.Digest)
	if err != nil {
		return nil, v1.Descriptor{}, fmt.Errorf("read manifest blob: %w", err)
	}
	manifest, err := oci.ParseManifest(raw)
	if err != nil {
		return nil, v1.Descriptor{}, fmt.Errorf("parse manifest for %q: %w", n, err)
	}
	return manifest, desc, nil
}

func (s *Store) lookup(n name.ImageName) (v1.Descriptor, error) {
	raw, err := os.ReadFile(filepath.Join(s.ImageDir(n), indexFile))
	if os.IsNotExist(err) {
		return v1.Descriptor{}, fmt.Errorf("image %q: %w", n, errdefs.ErrNotFound)
	}
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("read image index: %w", err)
	}
	index, err := oci.ParseIndex(raw)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("parse image index for %q: %w", n, err)
	}
	if len(index.Manifests) == 0 {
		return v1.Descriptor{}, fmt.Errorf("image index for %q has no manifests: %w", n, errdefs.ErrNotFound)
	}
	return index.Manifests[0], nil
}

// Remove deletes the name's index entry. Blobs stay in the pool since
// they may be shared with other images.
func (s *Store) Remove(n name.ImageName) error {
	dir := s.ImageDir(n)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("image %q: %w", n, errdefs.ErrNotFound)
	}
	return os.RemoveAll(dir)
}

// List enumerates the names of all stored images. Order follows
// directory enumeration and is not guaranteed stable across platforms.
func (s *Store) List() ([]name.ImageName, error) {
	var names []name.ImageName
	err := filepath.WalkDir(s.imagesDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != indexFile {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read image index %q: %w", path, err)
		}
		index, err := oci.ParseIndex(raw)
		if err != nil {
			s.log.WithField("path", path).WithError(err).Warn("skipping unreadable image index")
			return nil
		}
		for _, m := range index.Manifests {
			ref, ok := m.Annotations[v1.AnnotationRefName]
			if !ok {
				continue
			}
			n, err := name.Parse(ref)
			if err != nil {
				s.log.WithField("ref", ref).WithError(err).Warn("skipping malformed image name")
				continue
			}
			names = append(names, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk image directory: %w", err)
	}
	return names, nil
}
