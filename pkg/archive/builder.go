// Package archive builds and loads OCI-layout tar archives: a tar
// stream holding an oci-layout marker, an index.json and a
// digest-addressed blob pool, interchangeable with other OCI tooling.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/ocipack/ocipack/pkg/name"
	"github.com/ocipack/ocipack/pkg/oci"
)

const (
	layoutFile = "oci-layout"
	indexFile  = "index.json"
)

var layoutRaw = []byte(`{"imageLayoutVersion":"1.0.0"}`)

// Builder accumulates layers into an OCI-layout tar written to an
// underlying sink. Append layers and optionally a config and a name,
// then Close to finalize the manifest and index. A Builder is not safe
// for concurrent use.
type Builder struct {
	tw   *tar.Writer
	f    *os.File // set when the builder owns the output file
	log  *logrus.Entry
	name name.ImageName

	named   bool
	config  *v1.Descriptor
	layers  []v1.Descriptor
	written map[digest.Digest]struct{}
	closed  bool
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLogger sets the logger used by the builder.
func WithLogger(log *logrus.Entry) BuilderOption {
	return func(b *Builder) {
		b.log = log
	}
}

// NewBuilder returns a Builder writing the archive to w.
func NewBuilder(w io.Writer, opts ...BuilderOption) *Builder {
	b := &Builder{
		tw:      tar.NewWriter(w),
		log:     logrus.NewEntry(logrus.StandardLogger()),
		written: map[digest.Digest]struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFileBuilder creates the archive file at path and returns a Builder
// writing to it. An existing file is never overwritten; the call fails
// with an error matching errdefs.IsAlreadyExists instead. Close closes
// the file.
func NewFileBuilder(path string, opts ...BuilderOption) (*Builder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return nil, fmt.Errorf("output %q: %w", path, errdefs.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("create archive %q: %w", path, err)
	}
	b := NewBuilder(f, opts...)
	b.f = f
	return b, nil
}

// SetName sets the image name recorded in the archive index. Unnamed
// archives get a random locally-unique name at Close.
func (b *Builder) SetName(n name.ImageName) {
	b.name = n
	b.named = true
}

// AppendConfig sets the image configuration. At most one config may be
// appended; archives finalized without one get an empty config blob.
func (b *Builder) AppendConfig(cfg v1.Image) error {
	if b.closed {
		return fmt.Errorf("builder already finalized")
	}
	if b.config != nil {
		return fmt.Errorf("config already appended: %w", errdefs.ErrAlreadyExists)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	desc := oci.FromBytes(v1.MediaTypeImageConfig, raw)
	if err := b.writeBlob(desc, bytes.NewReader(raw)); err != nil {
		return err
	}
	b.config = &desc
	return nil
}

// AppendDirAll packs the whole directory tree rooted at dir into one
// layer, preserving relative paths, permissions and symlinks.
func (b *Builder) AppendDirAll(dir string) error {
	return b.appendLayer(func(tw *tar.Writer) error {
		return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			return addEntry(tw, p, filepath.ToSlash(rel))
		})
	})
}

// AppendFiles packs the given files flat into one layer, keeping only
// their base names.
func (b *Builder) AppendFiles(paths ...string) error {
	return b.appendLayer(func(tw *tar.Writer) error {
		for _, p := range paths {
			if err := addEntry(tw, p, filepath.Base(p)); err != nil {
				return err
			}
		}
		return nil
	})
}

// appendLayer serializes one gzip-compressed tar layer. The layer bytes
// are hashed while they are produced, in the same pass that fills the
// in-memory blob, then written to the sink once.
func (b *Builder) appendLayer(fill func(*tar.Writer) error) error {
	if b.closed {
		return fmt.Errorf("builder already finalized")
	}

	var buf bytes.Buffer
	digester := digest.Canonical.Digester()
	gz := gzip.NewWriter(io.MultiWriter(&buf, digester.Hash()))
	tw := tar.NewWriter(gz)
	if err := fill(tw); err != nil {
		return fmt.Errorf("serialize layer: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize layer tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize layer compression: %w", err)
	}

	desc := oci.NewDescriptor(v1.MediaTypeImageLayerGzip, digester.Digest(), int64(buf.Len()))
	if err := b.writeBlob(desc, &buf); err != nil {
		return err
	}
	b.layers = append(b.layers, desc)
	return nil
}

func addEntry(tw *tar.Writer, fsPath, archPath string) error {
	info, err := os.Lstat(fsPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", fsPath, err)
	}
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(fsPath); err != nil {
			return fmt.Errorf("read symlink %q: %w", fsPath, err)
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("build tar header for %q: %w", fsPath, err)
	}
	hdr.Name = archPath
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %q: %w", archPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(fsPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", fsPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %q into layer: %w", fsPath, err)
	}
	return nil
}

// writeBlob adds one blob entry to the archive, skipping blobs whose
// digest was already written.
func (b *Builder) writeBlob(desc v1.Descriptor, r io.Reader) error {
	if _, ok := b.written[desc.Digest]; ok {
		return nil
	}
	hdr := &tar.Header{
		Name:     path.Join("blobs", desc.Digest.Algorithm().String(), desc.Digest.Encoded()),
		Mode:     0o644,
		Size:     desc.Size,
		Typeflag: tar.TypeReg,
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write blob header: %w", err)
	}
	if _, err := io.CopyN(b.tw, r, desc.Size); err != nil {
		return fmt.Errorf("write blob %q: %w", desc.Digest, err)
	}
	b.written[desc.Digest] = struct{}{}
	return nil
}

func (b *Builder) writeMeta(name string, raw []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(raw)),
		Typeflag: tar.TypeReg,
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := b.tw.Write(raw); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Close finalizes the archive: it writes the config blob (an empty one
// if none was appended), the manifest, the oci-layout marker and the
// index mapping the image name to the manifest digest, then flushes the
// tar stream. The underlying sink is closed only when the builder
// created it (NewFileBuilder).
func (b *Builder) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.config == nil {
		if err := b.appendEmptyConfig(); err != nil {
			return err
		}
	}
	if !b.named {
		b.name = name.Random()
		b.log.WithField("name", b.name.String()).Debug("no name set, generated one")
	}

	manifest := oci.NewManifest(*b.config, b.layers)
	rawManifest, manifestDesc, err := oci.MarshalManifest(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := b.writeBlob(manifestDesc, bytes.NewReader(rawManifest)); err != nil {
		return err
	}

	manifestDesc.Annotations = map[string]string{
		v1.AnnotationRefName: b.name.String(),
	}
	index := v1.Index{
		Versioned: specs.Versioned{SchemaVersion: oci.SchemaVersion},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{manifestDesc},
	}
	rawIndex, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	if err := b.writeMeta(layoutFile, layoutRaw); err != nil {
		return err
	}
	if err := b.writeMeta(indexFile, rawIndex); err != nil {
		return err
	}
	if err := b.tw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	if b.f != nil {
		if err := b.f.Close(); err != nil {
			return fmt.Errorf("close archive file: %w", err)
		}
	}
	return nil
}

func (b *Builder) appendEmptyConfig() error {
	raw, err := json.Marshal(v1.Image{})
	if err != nil {
		return fmt.Errorf("encode empty config: %w", err)
	}
	desc := oci.FromBytes(v1.MediaTypeImageConfig, raw)
	if err := b.writeBlob(desc, bytes.NewReader(raw)); err != nil {
		return err
	}
	b.config = &desc
	return nil
}

// Name returns the image name the archive will be indexed under. Before
// Close it reports whether a name was explicitly set.
func (b *Builder) Name() (name.ImageName, bool) {
	return b.name, b.named
}
