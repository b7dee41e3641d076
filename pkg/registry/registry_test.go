package registry_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/ocipack/ocipack/pkg/name"
	"github.com/ocipack/ocipack/pkg/oci"
	"github.com/ocipack/ocipack/pkg/registry"
	"github.com/ocipack/ocipack/pkg/registry/authn"
	"github.com/ocipack/ocipack/pkg/registry/registrytest"
	"github.com/ocipack/ocipack/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

// seedImage stores a small image under the given name and returns its
// manifest.
func seedImage(t *testing.T, s *store.Store, n name.ImageName, seed string) v1.Manifest {
	t.Helper()
	config := []byte(`{"architecture":"amd64","os":"linux"}`)
	configDigest, err := s.WriteBlobBytes(config)
	if err != nil {
		t.Fatal(err)
	}
	var layers []v1.Descriptor
	for _, content := range []string{"layer one " + seed, "layer two " + seed} {
		d, err := s.WriteBlobBytes([]byte(content))
		if err != nil {
			t.Fatal(err)
		}
		layers = append(layers, v1.Descriptor{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    d,
			Size:      int64(len(content)),
		})
	}
	manifest := oci.NewManifest(v1.Descriptor{
		MediaType: v1.MediaTypeImageConfig,
		Digest:    configDigest,
		Size:      int64(len(config)),
	}, layers)
	if _, err := s.Insert(n, manifest); err != nil {
		t.Fatal(err)
	}
	return manifest
}

func startRegistry(t *testing.T) (*registrytest.Registry, string) {
	t.Helper()
	reg := registrytest.New()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	return reg, strings.TrimPrefix(srv.URL, "http://")
}

func parseName(t *testing.T, ref string) name.ImageName {
	t.Helper()
	n, err := name.Parse(ref)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestPushPullRoundTrip(t *testing.T) {
	reg, host := startRegistry(t)
	src := newTestStore(t)
	n := parseName(t, host+"/test/image:v1")
	manifest := seedImage(t, src, n, "roundtrip")

	client := registry.NewClient()
	desc, err := client.PushImage(context.Background(), src, n)
	if err != nil {
		t.Fatalf("PushImage: %v", err)
	}
	if !reg.HasBlob(manifest.Config.Digest) {
		t.Error("config blob missing on registry after push")
	}
	if _, ok := reg.Manifest("test/image", "v1"); !ok {
		t.Error("manifest missing on registry after push")
	}

	dst := newTestStore(t)
	pulled, err := client.GetImage(context.Background(), dst, n)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if pulled.Digest != desc.Digest {
		t.Errorf("pulled manifest digest %q, pushed %q", pulled.Digest, desc.Digest)
	}

	got, _, err := dst.Get(n)
	if err != nil {
		t.Fatalf("Get after pull: %v", err)
	}
	for i, layer := range manifest.Layers {
		want, err := src.ReadBlobBytes(layer.Digest)
		if err != nil {
			t.Fatal(err)
		}
		have, err := dst.ReadBlobBytes(got.Layers[i].Digest)
		if err != nil {
			t.Fatalf("layer %d missing after pull: %v", i, err)
		}
		if !bytes.Equal(want, have) {
			t.Errorf("layer %d content differs after round trip", i)
		}
	}
}

func TestPushManifestOrderedLast(t *testing.T) {
	reg, host := startRegistry(t)
	src := newTestStore(t)
	n := parseName(t, host+"/test/ordering:v1")
	seedImage(t, src, n, "ordering")

	client := registry.NewClient()
	if _, err := client.PushImage(context.Background(), src, n); err != nil {
		t.Fatalf("PushImage: %v", err)
	}

	manifestPut := -1
	lastBlobWrite := -1
	for i, r := range reg.Requests() {
		if strings.Contains(r.Path, "/manifests/") && r.Method == http.MethodPut {
			manifestPut = i
		}
		if strings.Contains(r.Path, "/blobs/uploads/") && (r.Method == http.MethodPut || r.Method == http.MethodPatch) {
			lastBlobWrite = i
		}
	}
	if manifestPut == -1 {
		t.Fatal("no manifest PUT issued")
	}
	if lastBlobWrite == -1 {
		t.Fatal("no blob uploads issued")
	}
	if manifestPut < lastBlobWrite {
		t.Errorf("manifest PUT at index %d before last blob write at %d", manifestPut, lastBlobWrite)
	}
}

func TestPushSkipsPresentBlobs(t *testing.T) {
	reg, host := startRegistry(t)
	src := newTestStore(t)
	n := parseName(t, host+"/test/skip:v1")
	manifest := seedImage(t, src, n, "skip")

	// Seed one layer remotely; its upload must be skipped.
	content, err := src.ReadBlobBytes(manifest.Layers[0].Digest)
	if err != nil {
		t.Fatal(err)
	}
	reg.PutBlob(content)

	client := registry.NewClient()
	if _, err := client.PushImage(context.Background(), src, n); err != nil {
		t.Fatalf("PushImage: %v", err)
	}
	for _, r := range reg.Requests() {
		if r.Method == http.MethodPut && strings.Contains(r.Path, "/blobs/uploads/") &&
			strings.Contains(r.Path, manifest.Layers[0].Digest.Encoded()) {
			t.Error("present blob was re-uploaded")
		}
	}
}

func TestPushChunked(t *testing.T) {
	reg, host := startRegistry(t)
	src := newTestStore(t)
	n := parseName(t, host+"/test/chunked:v1")
	manifest := seedImage(t, src, n, strings.Repeat("large layer content ", 64))

	client := registry.NewClient(registry.WithChunkSize(128))
	if _, err := client.PushImage(context.Background(), src, n); err != nil {
		t.Fatalf("PushImage: %v", err)
	}

	var patches int
	for _, r := range reg.Requests() {
		if r.Method == http.MethodPatch {
			patches++
		}
	}
	if patches < 2 {
		t.Errorf("expected a chunked PATCH sequence, got %d PATCH requests", patches)
	}
	// The reassembled blob must be byte-identical.
	for _, layer := range manifest.Layers {
		if !reg.HasBlob(layer.Digest) {
			t.Errorf("layer %q missing or corrupt after chunked upload", layer.Digest)
		}
	}
}

func TestPushChunkShortCommitFails(t *testing.T) {
	reg, host := startRegistry(t)
	reg.ShortCommitOnce = true
	src := newTestStore(t)
	n := parseName(t, host+"/test/shortcommit:v1")
	manifest := seedImage(t, src, n, strings.Repeat("large layer content ", 64))

	// A server confirming less than the sent chunk cannot be resumed:
	// the upload must fail rather than skip or duplicate bytes.
	client := registry.NewClient(registry.WithChunkSize(128))
	if _, err := client.PushImage(context.Background(), src, n); !errors.Is(err, registry.ErrProtocol) {
		t.Fatalf("PushImage = %v, want protocol error", err)
	}
	for _, layer := range manifest.Layers {
		if reg.HasBlob(layer.Digest) {
			t.Error("partially committed layer became visible in the registry")
		}
	}
}

func TestAuthChallengeRetriedOnce(t *testing.T) {
	reg, host := startRegistry(t)
	reg.Token = "secret-token"
	src := newTestStore(t)
	n := parseName(t, host+"/test/auth:v1")
	seedImage(t, src, n, "auth")

	client := registry.NewClient(registry.WithAuthConfig("user", "pass"))
	if _, err := client.PushImage(context.Background(), src, n); err != nil {
		t.Fatalf("PushImage with auth: %v", err)
	}

	// The first data-plane request gets a 401, triggers one token
	// fetch, and is retried exactly once with the Authorization header.
	var manifestPuts []registrytest.Request
	tokenFetches := 0
	for _, r := range reg.Requests() {
		if r.Path == "/token" {
			tokenFetches++
		}
		if r.Method == http.MethodPut && strings.Contains(r.Path, "/manifests/") {
			manifestPuts = append(manifestPuts, r)
		}
	}
	if tokenFetches != 1 {
		t.Errorf("token fetched %d times, want 1", tokenFetches)
	}
	if len(manifestPuts) != 1 {
		t.Fatalf("manifest PUT issued %d times, want 1", len(manifestPuts))
	}
	if manifestPuts[0].Auth != "Bearer secret-token" {
		t.Errorf("manifest PUT authorization = %q", manifestPuts[0].Auth)
	}
}

func TestAuthChallengeRetryPattern(t *testing.T) {
	reg, host := startRegistry(t)
	reg.Token = "secret-token"
	dst := newTestStore(t)
	n := parseName(t, host+"/test/auth:v1")

	// Seed a pullable image server-side.
	src := newTestStore(t)
	seedImage(t, src, n, "auth-pull")
	pushClient := registry.NewClient(registry.WithAuth(&authn.Basic{Username: "u", Password: "p"}))
	if _, err := pushClient.PushImage(context.Background(), src, n); err != nil {
		t.Fatal(err)
	}
	before := len(reg.Requests())

	client := registry.NewClient(registry.WithAuth(&authn.Basic{Username: "u", Password: "p"}))
	if _, err := client.GetImage(context.Background(), dst, n); err != nil {
		t.Fatalf("GetImage: %v", err)
	}

	reqs := reg.Requests()[before:]
	// manifest GET: unauthenticated attempt, token fetch, authenticated retry.
	if len(reqs) < 3 {
		t.Fatalf("too few requests: %v", reqs)
	}
	if reqs[0].Auth != "" || !strings.Contains(reqs[0].Path, "/manifests/") {
		t.Errorf("first request = %+v, want unauthenticated manifest GET", reqs[0])
	}
	if reqs[1].Path != "/token" {
		t.Errorf("second request = %+v, want token fetch", reqs[1])
	}
	if reqs[2].Auth != "Bearer secret-token" || !strings.Contains(reqs[2].Path, "/manifests/") {
		t.Errorf("third request = %+v, want authenticated manifest GET retry", reqs[2])
	}
}

func TestPullRetriesTransientFailures(t *testing.T) {
	reg, host := startRegistry(t)
	src := newTestStore(t)
	n := parseName(t, host+"/test/retry:v1")
	seedImage(t, src, n, "retry")
	client := registry.NewClient()
	if _, err := client.PushImage(context.Background(), src, n); err != nil {
		t.Fatal(err)
	}

	reg.FailFirst = 2
	dst := newTestStore(t)
	if _, err := client.GetImage(context.Background(), dst, n); err != nil {
		t.Fatalf("GetImage with transient failures: %v", err)
	}
	if _, _, err := dst.Get(n); err != nil {
		t.Errorf("image not in store after retried pull: %v", err)
	}
}

func TestPullUnknownManifestIsTerminal(t *testing.T) {
	reg, host := startRegistry(t)
	dst := newTestStore(t)
	n := parseName(t, host+"/test/missing:v1")

	client := registry.NewClient()
	_, err := client.GetImage(context.Background(), dst, n)
	if !errdefs.IsNotFound(err) {
		t.Fatalf("GetImage for unknown manifest = %v, want not found", err)
	}

	// A 404 is terminal; the manifest GET must not have been retried.
	gets := 0
	for _, r := range reg.Requests() {
		if r.Method == http.MethodGet && strings.Contains(r.Path, "/manifests/") {
			gets++
		}
	}
	if gets != 1 {
		t.Errorf("manifest GET issued %d times, want 1", gets)
	}
}

func TestPullVerifiesBlobDigests(t *testing.T) {
	reg, host := startRegistry(t)
	n := parseName(t, host+"/test/corrupt:v1")

	config := []byte(`{}`)
	configDigest := reg.PutBlob(config)
	layer := []byte("layer content to be tampered with")
	layerDigest := reg.PutBlob(layer)
	manifest := oci.NewManifest(
		v1.Descriptor{MediaType: v1.MediaTypeImageConfig, Digest: configDigest, Size: int64(len(config))},
		[]v1.Descriptor{{MediaType: v1.MediaTypeImageLayerGzip, Digest: layerDigest, Size: int64(len(layer))}},
	)
	raw, _, err := oci.MarshalManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}
	reg.PutManifest("test/corrupt", "v1", v1.MediaTypeImageManifest, raw)

	// Corrupt the blob server-side after the manifest recorded its digest.
	if !reg.CorruptBlob(layerDigest) {
		t.Fatal("blob to corrupt not found")
	}

	dst := newTestStore(t)
	client := registry.NewClient(registry.WithRetries(0))
	_, err = client.GetImage(context.Background(), dst, n)
	if err == nil {
		t.Fatal("GetImage accepted a blob whose digest does not match")
	}
	if _, _, err := dst.Get(n); !errdefs.IsNotFound(err) {
		t.Error("corrupt pull left a visible store entry")
	}
}

func TestConcurrentPulls(t *testing.T) {
	_, host := startRegistry(t)
	src := newTestStore(t)
	n1 := parseName(t, host+"/test/first:v1")
	n2 := parseName(t, host+"/test/second:v1")
	seedImage(t, src, n1, "first image")
	seedImage(t, src, n2, "second image")

	client := registry.NewClient()
	for _, n := range []name.ImageName{n1, n2} {
		if _, err := client.PushImage(context.Background(), src, n); err != nil {
			t.Fatal(err)
		}
	}

	dst := newTestStore(t)
	var g errgroup.Group
	for _, n := range []name.ImageName{n1, n2} {
		n := n
		g.Go(func() error {
			_, err := client.GetImage(context.Background(), dst, n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent pulls: %v", err)
	}

	for _, n := range []name.ImageName{n1, n2} {
		manifest, _, err := dst.Get(n)
		if err != nil {
			t.Fatalf("Get(%q): %v", n, err)
		}
		for _, layer := range manifest.Layers {
			if ok, _ := dst.HasBlob(layer.Digest); !ok {
				t.Errorf("blob %q of %q missing after concurrent pulls", layer.Digest, n)
			}
		}
	}
}

func TestPushMissingLocalImage(t *testing.T) {
	_, host := startRegistry(t)
	src := newTestStore(t)
	n := parseName(t, host+"/test/absent:v1")

	client := registry.NewClient()
	if _, err := client.PushImage(context.Background(), src, n); !errdefs.IsNotFound(err) {
		t.Fatalf("PushImage of absent image = %v, want not found", err)
	}
}
