package oci

import (
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// ErrDigestMismatch is returned when content fails verification against
// its claimed digest. It is always fatal to the operation in progress.
var ErrDigestMismatch = errors.New("digest mismatch")

// VerifyBytes checks content against its claimed digest.
func VerifyBytes(content []byte, want digest.Digest) error {
	if err := want.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", want, err)
	}
	if got := want.Algorithm().FromBytes(content); got != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, want, got)
	}
	return nil
}

// Copy streams src into dst while hashing, and fails with
// ErrDigestMismatch when the streamed bytes do not match want. The
// number of bytes written is returned either way so callers can discard
// partial output.
func Copy(dst io.Writer, src io.Reader, want digest.Digest) (int64, error) {
	if err := want.Validate(); err != nil {
		return 0, fmt.Errorf("invalid digest %q: %w", want, err)
	}
	verifier := want.Verifier()
	n, err := io.Copy(io.MultiWriter(dst, verifier), src)
	if err != nil {
		return n, err
	}
	if !verifier.Verified() {
		return n, fmt.Errorf("%w: content does not match %s", ErrDigestMismatch, want)
	}
	return n, nil
}
