package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/ocipack/ocipack/pkg/name"
	"github.com/ocipack/ocipack/pkg/oci"
	"github.com/ocipack/ocipack/pkg/store"
)

// Loader expands OCI-layout tar archives into a local store. Every blob
// is verified against its digest before anything becomes visible in the
// store; a corrupt archive leaves the store untouched.
type Loader struct {
	store *store.Store
	log   *logrus.Entry
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the logger used by the loader.
func WithLoaderLogger(log *logrus.Entry) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader returns a Loader inserting into s.
func NewLoader(s *store.Store, opts ...LoaderOption) *Loader {
	l := &Loader{
		store: s,
		log:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// staged holds the contents of one archive, fully read and verified but
// not yet committed to the store.
type staged struct {
	layout []byte
	index  []byte
	blobs  map[digest.Digest][]byte
}

// Load reads the archive at archivePath and registers every image named
// in its index in the store. It returns the registered names. The whole
// archive is validated first: a digest mismatch on any blob fails the
// load before the store is modified.
func (l *Loader) Load(archivePath string) ([]name.ImageName, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive %q: %w", archivePath, err)
	}
	defer f.Close()
	return l.LoadReader(f)
}

// LoadReader is Load over an already opened archive stream.
func (l *Loader) LoadReader(r io.Reader) ([]name.ImageName, error) {
	st, err := stage(r)
	if err != nil {
		return nil, err
	}
	index, err := validate(st)
	if err != nil {
		return nil, err
	}
	return l.commit(st, index)
}

// stage reads the tar sequentially, verifying each blob against the
// digest embedded in its path.
func stage(r io.Reader) (*staged, error) {
	st := &staged{blobs: map[digest.Digest][]byte{}}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive entry: %w", err)
		}
		entry := path.Clean(hdr.Name)
		switch {
		case entry == layoutFile:
			if st.layout, err = io.ReadAll(tr); err != nil {
				return nil, fmt.Errorf("read oci-layout: %w", err)
			}
		case entry == indexFile:
			if st.index, err = io.ReadAll(tr); err != nil {
				return nil, fmt.Errorf("read index.json: %w", err)
			}
		case strings.HasPrefix(entry, "blobs/"):
			d, err := blobDigest(entry)
			if err != nil {
				return nil, err
			}
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read blob %q: %w", d, err)
			}
			if err := oci.VerifyBytes(content, d); err != nil {
				return nil, fmt.Errorf("archive blob %q: %w", entry, err)
			}
			st.blobs[d] = content
		default:
			// Foreign entries such as docker's manifest.json are ignored.
		}
	}
	return st, nil
}

// blobDigest recovers the digest from a blobs/<algorithm>/<hex> path.
func blobDigest(entry string) (digest.Digest, error) {
	parts := strings.Split(entry, "/")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed blob path %q: %w", entry, errdefs.ErrInvalidArgument)
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(parts[1]), parts[2])
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("malformed blob path %q: %w: %v", entry, errdefs.ErrInvalidArgument, err)
	}
	return d, nil
}

// validate checks the layout marker and resolves the index, making sure
// every transitively referenced blob is present in the staged set.
func validate(st *staged) (*v1.Index, error) {
	if st.layout == nil {
		return nil, fmt.Errorf("archive has no oci-layout file: %w", errdefs.ErrInvalidArgument)
	}
	var layout v1.ImageLayout
	if err := json.Unmarshal(st.layout, &layout); err != nil {
		return nil, fmt.Errorf("parse oci-layout: %w: %v", errdefs.ErrInvalidArgument, err)
	}
	if layout.Version != v1.ImageLayoutVersion {
		return nil, fmt.Errorf("unsupported image layout version %q: %w", layout.Version, errdefs.ErrInvalidArgument)
	}
	if st.index == nil {
		return nil, fmt.Errorf("archive has no index.json: %w", errdefs.ErrInvalidArgument)
	}
	index, err := oci.ParseIndex(st.index)
	if err != nil {
		return nil, fmt.Errorf("parse index.json: %w", err)
	}

	for _, desc := range index.Manifests {
		raw, ok := st.blobs[desc.Digest]
		if !ok {
			return nil, fmt.Errorf("index references missing manifest %q: %w", desc.Digest, errdefs.ErrNotFound)
		}
		manifest, err := oci.ParseManifest(raw)
		if err != nil {
			return nil, fmt.Errorf("parse manifest %q: %w", desc.Digest, err)
		}
		for _, ref := range oci.Referenced(manifest) {
			if _, ok := st.blobs[ref.Digest]; !ok {
				return nil, fmt.Errorf("manifest %q references missing blob %q: %w", desc.Digest, ref.Digest, errdefs.ErrNotFound)
			}
		}
	}
	return index, nil
}

// commit inserts the staged blobs into the shared pool and registers
// every named manifest. Blob insertion is idempotent: blobs already in
// the pool are left untouched.
func (l *Loader) commit(st *staged, index *v1.Index) ([]name.ImageName, error) {
	var names []name.ImageName
	for _, desc := range index.Manifests {
		manifest, err := oci.ParseManifest(st.blobs[desc.Digest])
		if err != nil {
			return nil, fmt.Errorf("parse manifest %q: %w", desc.Digest, err)
		}
		for _, ref := range oci.Referenced(manifest) {
			if err := l.store.WriteBlob(ref.Digest, bytes.NewReader(st.blobs[ref.Digest])); err != nil {
				return nil, fmt.Errorf("store blob %q: %w", ref.Digest, err)
			}
		}

		ref, ok := desc.Annotations[v1.AnnotationRefName]
		if !ok {
			l.log.WithField("digest", desc.Digest.String()).Warn("skipping unnamed manifest")
			continue
		}
		n, err := name.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("archive index name %q: %w", ref, err)
		}
		if _, err := l.store.InsertRaw(n, st.blobs[desc.Digest]); err != nil {
			return nil, fmt.Errorf("register %q: %w", n, err)
		}
		l.log.WithField("name", n.String()).Debug("loaded image")
		names = append(names, n)
	}
	return names, nil
}
