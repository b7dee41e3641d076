package store

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocipack/ocipack/pkg/name"
)

// Unpack extracts the named image's layers into dest, in manifest
// order, so later layers overwrite earlier ones. dest is created if
// missing.
func (s *Store) Unpack(n name.ImageName, dest string) error {
	manifest, _, err := s.Get(n)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o777); err != nil {
		return fmt.Errorf("create destination %q: %w", dest, err)
	}
	for _, layer := range manifest.Layers {
		if err := s.unpackLayer(layer, dest); err != nil {
			return fmt.Errorf("unpack layer %q: %w", layer.Digest, err)
		}
	}
	return nil
}

func (s *Store) unpackLayer(desc v1.Descriptor, dest string) error {
	blob, err := s.ReadBlob(desc.Digest)
	if err != nil {
		return err
	}
	defer blob.Close()

	var r io.Reader = blob
	switch desc.MediaType {
	case v1.MediaTypeImageLayerGzip:
		gz, err := gzip.NewReader(blob)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case v1.MediaTypeImageLayer:
	default:
		return fmt.Errorf("unsupported layer media type %q", desc.MediaType)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if err := extractEntry(dest, hdr, tr); err != nil {
			return err
		}
	}
}

// safeJoin joins name onto dest, rejecting entries that would escape it.
func safeJoin(dest, entry string) (string, error) {
	path := filepath.Join(dest, filepath.FromSlash(entry))
	rel, err := filepath.Rel(dest, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("tar entry %q escapes destination", entry)
	}
	return path, nil
}

// realParent resolves symlinks in the deepest existing ancestor of path
// and reattaches the components that do not exist yet.
func realParent(path string) (string, error) {
	suffix := ""
	for p := path; ; {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolve %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

// checkNoEscape verifies that path still lies under dest after symlinks
// among its existing ancestors are resolved, so an entry cannot
// traverse a symlinked directory extracted earlier.
func checkNoEscape(dest, path string) error {
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", dest, err)
	}
	real, err := realParent(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(realDest, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("tar entry %q escapes destination through a symlink", path)
	}
	return nil
}

func extractEntry(dest string, hdr *tar.Header, r io.Reader) error {
	path, err := safeJoin(dest, hdr.Name)
	if err != nil {
		return err
	}
	if err := checkNoEscape(dest, path); err != nil {
		return err
	}
	mode := hdr.FileInfo().Mode()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(path, mode.Perm()); err != nil {
			return fmt.Errorf("create directory %q: %w", path, err)
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
			return fmt.Errorf("create parent directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
		if err != nil {
			return fmt.Errorf("create file %q: %w", path, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return fmt.Errorf("write file %q: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close file %q: %w", path, err)
		}
	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("tar entry %q has absolute link target %q", hdr.Name, hdr.Linkname)
		}
		// The target must stay inside the extraction root, resolved
		// relative to the entry's own directory.
		if _, err := safeJoin(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
			return err
		}
		os.Remove(path)
		if err := os.Symlink(hdr.Linkname, path); err != nil {
			return fmt.Errorf("create symlink %q: %w", path, err)
		}
	default:
		// Hard links, devices and the like do not occur in archives we
		// produce; skip them rather than failing the whole unpack.
	}
	return nil
}
