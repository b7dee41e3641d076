package registry

import (
	"context"
	"fmt"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/ocipack/ocipack/pkg/name"
	"github.com/ocipack/ocipack/pkg/oci"
	"github.com/ocipack/ocipack/pkg/store"
)

// GetImage pulls the named image into the store: manifest first, then
// every referenced blob, bounded-parallel and digest-verified. The
// image becomes visible in the store only after all blobs are present.
func (c *Client) GetImage(ctx context.Context, st *store.Store, n name.ImageName) (v1.Descriptor, error) {
	s, err := c.newSession(n, PullScope)
	if err != nil {
		return v1.Descriptor{}, err
	}

	var raw []byte
	var desc v1.Descriptor
	err = retry(c.retries, func() error {
		raw, desc, err = s.getManifest(ctx)
		return err
	})
	if err != nil {
		return v1.Descriptor{}, err
	}
	manifest, err := oci.ParseManifest(raw)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("manifest for %q: %w: %v", n, ErrProtocol, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, ref := range oci.Referenced(manifest) {
		ref := ref
		g.Go(func() error {
			return retry(c.retries, func() error {
				return s.getBlob(gctx, st, ref)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return v1.Descriptor{}, err
	}

	if _, err := st.InsertRaw(n, raw); err != nil {
		return v1.Descriptor{}, fmt.Errorf("register pulled image %q: %w", n, err)
	}
	c.log.WithFields(map[string]interface{}{
		"name":   n.String(),
		"digest": desc.Digest.String(),
		"blobs":  len(manifest.Layers) + 1,
	}).Info("pulled image")
	return desc, nil
}

// PushImage uploads the named image from the store to its registry.
// Blobs the registry already has are skipped; the rest are uploaded
// bounded-parallel. The manifest is put last, strictly after every
// referenced blob is confirmed present remotely.
func (c *Client) PushImage(ctx context.Context, st *store.Store, n name.ImageName) (v1.Descriptor, error) {
	manifest, desc, err := st.Get(n)
	if err != nil {
		return v1.Descriptor{}, err
	}
	raw, err := st.ReadBlobBytes(desc.Digest)
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("read manifest blob: %w", err)
	}

	s, err := c.newSession(n, PushScope)
	if err != nil {
		return v1.Descriptor{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, ref := range oci.Referenced(manifest) {
		ref := ref
		g.Go(func() error {
			var present bool
			err := retry(c.retries, func() error {
				var err error
				present, err = s.headBlob(gctx, ref)
				return err
			})
			if err != nil {
				return err
			}
			if present {
				return nil
			}
			// A failed upload restarts its whole session; chunks are
			// never reissued against a stale session.
			return retry(c.retries, func() error {
				return s.uploadBlob(gctx, st, ref, c.chunkSize)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return v1.Descriptor{}, err
	}

	mediaType := desc.MediaType
	if mediaType == "" {
		mediaType = v1.MediaTypeImageManifest
	}
	if err := s.putManifest(ctx, raw, mediaType); err != nil {
		return v1.Descriptor{}, err
	}
	c.log.WithFields(map[string]interface{}{
		"name":   n.String(),
		"digest": desc.Digest.String(),
	}).Info("pushed image")
	return desc, nil
}
