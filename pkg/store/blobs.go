package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"

	"github.com/ocipack/ocipack/pkg/oci"
)

var allowedAlgorithms = map[digest.Algorithm]int{
	digest.SHA256: 64,
	digest.SHA512: 128,
}

func isSafeHex(hexLength int, s string) bool {
	if len(s) != hexLength {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// validateDigest ensures the digest components are safe for filesystem paths.
func validateDigest(d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", d, err)
	}
	hexLength, ok := allowedAlgorithms[d.Algorithm()]
	if !ok {
		return fmt.Errorf("invalid digest algorithm: %q not in allowlist", d.Algorithm())
	}
	if !isSafeHex(hexLength, d.Encoded()) {
		return fmt.Errorf("invalid digest hex: contains non-hexadecimal characters or invalid length")
	}
	return nil
}

// BlobPath returns the path where the blob with the given digest lives,
// whether or not it is present.
func (s *Store) BlobPath(d digest.Digest) (string, error) {
	if err := validateDigest(d); err != nil {
		return "", fmt.Errorf("unsafe digest: %w", err)
	}

	path := filepath.Join(s.blobsDir(), d.Algorithm().String(), d.Encoded())

	cleanRoot := filepath.Clean(s.root)
	cleanPath := filepath.Clean(path)
	relPath, err := filepath.Rel(cleanRoot, cleanPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal attempt detected: %s", path)
	}

	return cleanPath, nil
}

// HasBlob reports whether the blob with the given digest is present.
func (s *Store) HasBlob(d digest.Digest) (bool, error) {
	path, err := s.BlobPath(d)
	if err != nil {
		return false, fmt.Errorf("get blob path: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}
	return false, nil
}

// WriteBlob streams the blob into the pool, verifying the bytes against
// the expected digest before the blob becomes visible. If the blob is
// already present it is a no-op and the reader is not consumed. A
// verification failure removes the partial file and returns an error
// matching oci.ErrDigestMismatch.
func (s *Store) WriteBlob(d digest.Digest, r io.Reader) error {
	hasBlob, err := s.HasBlob(d)
	if err != nil {
		return fmt.Errorf("check blob existence: %w", err)
	}
	if hasBlob {
		return nil
	}

	path, err := s.BlobPath(d)
	if err != nil {
		return fmt.Errorf("get blob path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	// Each writer gets its own temp file so concurrent writes of the
	// same digest cannot race on a shared name; content addressing
	// makes it irrelevant whose rename lands last.
	f, err := os.CreateTemp(filepath.Dir(path), d.Encoded()+".incomplete-*")
	if err != nil {
		return fmt.Errorf("create blob file: %w", err)
	}
	incomplete := f.Name()
	defer f.Close()

	verifier := d.Verifier()
	if _, err := io.Copy(io.MultiWriter(f, verifier), r); err != nil {
		os.Remove(incomplete)
		return fmt.Errorf("copy blob %q to store: %w", d, err)
	}
	if !verifier.Verified() {
		os.Remove(incomplete)
		return fmt.Errorf("blob %q: %w", d, oci.ErrDigestMismatch)
	}

	f.Close() // Rename fails on Windows if the file is still open.
	if err := os.Rename(incomplete, path); err != nil {
		os.Remove(incomplete)
		return fmt.Errorf("rename blob file: %w", err)
	}
	return nil
}

// WriteBlobBytes inserts an in-memory blob, returning its digest.
func (s *Store) WriteBlobBytes(content []byte) (digest.Digest, error) {
	d := digest.Canonical.FromBytes(content)
	if err := s.WriteBlob(d, bytes.NewReader(content)); err != nil {
		return "", err
	}
	return d, nil
}

// ReadBlob opens the blob with the given digest for reading. Missing
// blobs fail with an error matching errdefs.IsNotFound.
func (s *Store) ReadBlob(d digest.Digest) (io.ReadCloser, error) {
	path, err := s.BlobPath(d)
	if err != nil {
		return nil, fmt.Errorf("get blob path: %w", err)
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %q: %w", d, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %q: %w", d, err)
	}
	return f, nil
}

// ReadBlobBytes reads the whole blob into memory.
func (s *Store) ReadBlobBytes(d digest.Digest) ([]byte, error) {
	r, err := s.ReadBlob(d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// BlobSize returns the size in bytes of a stored blob.
func (s *Store) BlobSize(d digest.Digest) (int64, error) {
	path, err := s.BlobPath(d)
	if err != nil {
		return 0, fmt.Errorf("get blob path: %w", err)
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("blob %q: %w", d, errdefs.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("stat blob %q: %w", d, err)
	}
	return info.Size(), nil
}
