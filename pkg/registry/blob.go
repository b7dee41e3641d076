package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/containerd/errdefs"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocipack/ocipack/pkg/store"
)

// headBlob reports whether the registry already has the blob.
func (s *session) headBlob(ctx context.Context, desc v1.Descriptor) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url("blobs", desc.Digest.String()), http.NoBody)
	if err != nil {
		return false, fmt.Errorf("creating blob head request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking blob %q on %q: %w", desc.Digest, s.name.Registry(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := checkResponse(resp, fmt.Sprintf("head blob %q", desc.Digest), http.StatusOK); err != nil {
		return false, err
	}
	return true, nil
}

// getBlob streams the blob into the store. Verification happens inside
// store.WriteBlob; a corrupt response never becomes visible locally.
func (s *session) getBlob(ctx context.Context, st *store.Store, desc v1.Descriptor) error {
	ok, err := st.HasBlob(desc.Digest)
	if err != nil {
		return fmt.Errorf("check blob existence: %w", err)
	}
	if ok {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url("blobs", desc.Digest.String()), http.NoBody)
	if err != nil {
		return fmt.Errorf("creating blob request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching blob %q from %q: %w", desc.Digest, s.name.Registry(), err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, fmt.Sprintf("get blob %q", desc.Digest), http.StatusOK); err != nil {
		return err
	}
	return st.WriteBlob(desc.Digest, resp.Body)
}

// uploadSession is one resumable blob upload: the server-assigned
// location plus the next byte offset the server expects. Retrying an
// upload restarts the whole session; chunks are never blindly reissued.
type uploadSession struct {
	location *url.URL
	offset   int64
}

// startUpload obtains a new upload session for the repository.
func (s *session) startUpload(ctx context.Context) (*uploadSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url("blobs", "uploads")+"/", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating upload session request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting upload to %q: %w", s.name.Registry(), err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, fmt.Sprintf("start upload to %q", s.name), http.StatusAccepted); err != nil {
		return nil, err
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("upload session response missing Location header: %w", ErrProtocol)
	}
	locURL, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("malformed upload location %q: %w", loc, ErrProtocol)
	}
	return &uploadSession{location: s.baseURL.ResolveReference(locURL)}, nil
}

// uploadBlob pushes one blob from the store, monolithically when it
// fits in a single chunk and as a PATCH sequence plus a closing PUT
// otherwise.
func (s *session) uploadBlob(ctx context.Context, st *store.Store, desc v1.Descriptor, chunkSize int64) error {
	up, err := s.startUpload(ctx)
	if err != nil {
		return err
	}
	if desc.Size <= chunkSize {
		return s.uploadMonolithic(ctx, st, desc, up)
	}
	return s.uploadChunked(ctx, st, desc, up, chunkSize)
}

func (s *session) uploadMonolithic(ctx context.Context, st *store.Store, desc v1.Descriptor, up *uploadSession) error {
	path, err := st.BlobPath(desc.Digest)
	if err != nil {
		return fmt.Errorf("get blob path: %w", err)
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("blob %q: %w", desc.Digest, errdefs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("open blob %q: %w", desc.Digest, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL(up, desc), f)
	if err != nil {
		return fmt.Errorf("creating blob upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = desc.Size
	req.GetBody = func() (io.ReadCloser, error) {
		return os.Open(path)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading blob %q to %q: %w", desc.Digest, s.name.Registry(), err)
	}
	defer resp.Body.Close()
	return checkResponse(resp, fmt.Sprintf("put blob %q", desc.Digest), http.StatusCreated)
}

func (s *session) uploadChunked(ctx context.Context, st *store.Store, desc v1.Descriptor, up *uploadSession, chunkSize int64) error {
	blob, err := st.ReadBlob(desc.Digest)
	if err != nil {
		return err
	}
	defer blob.Close()

	buf := make([]byte, chunkSize)
	for up.offset < desc.Size {
		n, err := io.ReadFull(blob, buf)
		if err == io.EOF {
			return fmt.Errorf("blob %q shorter than descriptor size %d: %w", desc.Digest, desc.Size, ErrProtocol)
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("read blob %q chunk: %w", desc.Digest, err)
		}
		if err := s.patchChunk(ctx, up, buf[:n]); err != nil {
			return err
		}
	}

	// Close the session, associating the digest with the assembled blob.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL(up, desc), http.NoBody)
	if err != nil {
		return fmt.Errorf("creating upload close request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("closing upload of %q: %w", desc.Digest, err)
	}
	defer resp.Body.Close()
	return checkResponse(resp, fmt.Sprintf("close upload of %q", desc.Digest), http.StatusCreated)
}

// patchChunk sends one chunk and advances the session to the offset the
// server confirmed.
func (s *session) patchChunk(ctx context.Context, up *uploadSession, chunk []byte) error {
	start, end := up.offset, up.offset+int64(len(chunk))-1

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, up.location.String(), bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("creating chunk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", start, end))
	req.ContentLength = int64(len(chunk))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading chunk %d-%d: %w", start, end, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, fmt.Sprintf("patch chunk %d-%d", start, end), http.StatusAccepted); err != nil {
		return err
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		locURL, err := url.Parse(loc)
		if err != nil {
			return fmt.Errorf("malformed upload location %q: %w", loc, ErrProtocol)
		}
		up.location = s.baseURL.ResolveReference(locURL)
	}
	// The blob reader has already advanced past end, so a server that
	// committed less than the full chunk cannot be resumed in place.
	if r := resp.Header.Get("Range"); r != "" {
		if confirmed, ok := parseRangeEnd(r); ok && confirmed != end {
			return fmt.Errorf("chunk %d-%d: server committed up to %d: %w", start, end, confirmed, ErrProtocol)
		}
	}
	up.offset = end + 1
	return nil
}

// parseRangeEnd extracts the inclusive end offset from a "0-<end>"
// Range header.
func parseRangeEnd(r string) (int64, bool) {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == '-' {
			end, err := strconv.ParseInt(r[i+1:], 10, 64)
			return end, err == nil
		}
	}
	return 0, false
}

// uploadURL appends the digest parameter that finalizes an upload.
func uploadURL(up *uploadSession, desc v1.Descriptor) string {
	u := *up.location
	q := u.Query()
	q.Set("digest", desc.Digest.String())
	u.RawQuery = q.Encode()
	return u.String()
}
