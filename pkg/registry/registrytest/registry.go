// Package registrytest provides an in-memory distribution registry for
// tests: blobs, manifests, chunked upload sessions, an optional bearer
// token flow, and a request log for asserting call ordering.
package registrytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
)

type ociError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ociErrorResponse struct {
	Errors []ociError `json:"errors"`
}

// Request is one logged registry request.
type Request struct {
	Method string
	Path   string
	Auth   string
}

// Registry is an in-memory OCI distribution registry.
type Registry struct {
	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[string]map[string]manifestEntry // repo -> reference -> manifest
	uploads   map[string][]byte                   // upload id -> accumulated bytes
	nextID    int
	log       []Request

	// Token, when set, makes the registry demand bearer auth: requests
	// without "Bearer <Token>" get a 401 challenge pointing at the
	// registry's own /token endpoint.
	Token string
	// FailFirst makes the registry answer that many GET/HEAD requests
	// with 503 before behaving, for retry tests.
	FailFirst int
	// ShortCommitOnce makes the first PATCH commit one byte less than
	// it received and confirm the short range, for upload-consistency
	// tests.
	ShortCommitOnce bool
}

type manifestEntry struct {
	mediaType string
	content   []byte
}

// New returns an empty test registry.
func New() *Registry {
	return &Registry{
		blobs:     map[digest.Digest][]byte{},
		manifests: map[string]map[string]manifestEntry{},
		uploads:   map[string][]byte{},
	}
}

// Requests returns a copy of the request log, token requests included.
func (r *Registry) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.log...)
}

// BlobCount returns the number of stored blobs.
func (r *Registry) BlobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}

// HasBlob reports whether the registry holds the blob.
func (r *Registry) HasBlob(d digest.Digest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blobs[d]
	return ok
}

// PutBlob seeds a blob directly, bypassing the upload protocol.
func (r *Registry) PutBlob(content []byte) digest.Digest {
	d := digest.FromBytes(content)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[d] = content
	return d
}

// CorruptBlob flips the first byte of a stored blob, leaving it
// registered under its original digest. It reports whether the blob
// existed.
func (r *Registry) CorruptBlob(d digest.Digest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.blobs[d]
	if !ok || len(content) == 0 {
		return false
	}
	corrupted := append([]byte(nil), content...)
	corrupted[0] ^= 0xff
	r.blobs[d] = corrupted
	return true
}

// PutManifest seeds a manifest directly under the given reference.
func (r *Registry) PutManifest(repo, reference, mediaType string, content []byte) digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putManifestLocked(repo, reference, mediaType, content)
}

func (r *Registry) putManifestLocked(repo, reference, mediaType string, content []byte) digest.Digest {
	if r.manifests[repo] == nil {
		r.manifests[repo] = map[string]manifestEntry{}
	}
	d := digest.FromBytes(content)
	entry := manifestEntry{mediaType: mediaType, content: content}
	r.manifests[repo][reference] = entry
	r.manifests[repo][d.String()] = entry
	return d
}

// Manifest returns the manifest stored under the reference, if any.
func (r *Registry) Manifest(repo, reference string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.manifests[repo][reference]
	return entry.content, ok
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.log = append(r.log, Request{
		Method: req.Method,
		Path:   req.URL.Path,
		Auth:   req.Header.Get("Authorization"),
	})
	failing := r.FailFirst > 0 && (req.Method == http.MethodGet || req.Method == http.MethodHead)
	if failing {
		r.FailFirst--
	}
	r.mu.Unlock()

	if req.URL.Path == "/token" {
		r.serveToken(w, req)
		return
	}
	if failing {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "simulated transient failure")
		return
	}
	if r.Token != "" && req.Header.Get("Authorization") != "Bearer "+r.Token {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm=%q,service="registrytest"`, "http://"+req.Host+"/token"))
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	path := strings.TrimPrefix(req.URL.Path, "/v2/")
	switch {
	case path == "" || path == "/":
		w.WriteHeader(http.StatusOK)
	case strings.Contains(path, "/blobs/uploads/"):
		r.serveUpload(w, req, path)
	case strings.Contains(path, "/blobs/"):
		r.serveBlob(w, req, path)
	case strings.Contains(path, "/manifests/"):
		r.serveManifest(w, req, path)
	default:
		writeError(w, http.StatusNotFound, "NAME_UNKNOWN", "unknown endpoint")
	}
}

func (r *Registry) serveToken(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": r.Token})
}

func (r *Registry) serveUpload(w http.ResponseWriter, req *http.Request, path string) {
	repo, rest, _ := strings.Cut(path, "/blobs/uploads/")

	switch req.Method {
	case http.MethodPost:
		r.mu.Lock()
		r.nextID++
		id := fmt.Sprintf("upload-%d", r.nextID)
		r.uploads[id] = nil
		r.mu.Unlock()

		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
		w.Header().Set("Docker-Upload-UUID", id)
		w.WriteHeader(http.StatusAccepted)

	case http.MethodPatch:
		id := rest
		content, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "BLOB_UPLOAD_UNKNOWN", err.Error())
			return
		}
		r.mu.Lock()
		acc, ok := r.uploads[id]
		if !ok {
			r.mu.Unlock()
			writeError(w, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN", "no such upload session")
			return
		}
		if cr := req.Header.Get("Content-Range"); cr != "" {
			startStr, _, _ := strings.Cut(cr, "-")
			if start, err := strconv.ParseInt(startStr, 10, 64); err != nil || start != int64(len(acc)) {
				r.mu.Unlock()
				writeError(w, http.StatusRequestedRangeNotSatisfiable, "RANGE_INVALID", "chunk out of order")
				return
			}
		}
		if r.ShortCommitOnce && len(content) > 0 {
			r.ShortCommitOnce = false
			content = content[:len(content)-1]
		}
		acc = append(acc, content...)
		r.uploads[id] = acc
		r.mu.Unlock()

		w.Header().Set("Location", req.URL.Path)
		w.Header().Set("Range", fmt.Sprintf("0-%d", len(acc)-1))
		w.WriteHeader(http.StatusAccepted)

	case http.MethodPut:
		id := rest
		want := digest.Digest(req.URL.Query().Get("digest"))
		if want.Validate() != nil {
			writeError(w, http.StatusBadRequest, "DIGEST_INVALID", "missing or malformed digest")
			return
		}
		final, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "BLOB_UPLOAD_UNKNOWN", err.Error())
			return
		}

		r.mu.Lock()
		acc, ok := r.uploads[id]
		if !ok {
			r.mu.Unlock()
			writeError(w, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN", "no such upload session")
			return
		}
		delete(r.uploads, id)
		acc = append(acc, final...)
		if digest.FromBytes(acc) != want {
			r.mu.Unlock()
			writeError(w, http.StatusBadRequest, "DIGEST_INVALID", "content does not match digest")
			return
		}
		r.blobs[want] = acc
		r.mu.Unlock()

		w.Header().Set("Docker-Content-Digest", want.String())
		w.WriteHeader(http.StatusCreated)

	default:
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
	}
}

func (r *Registry) serveBlob(w http.ResponseWriter, req *http.Request, path string) {
	_, rest, _ := strings.Cut(path, "/blobs/")
	d := digest.Digest(rest)

	r.mu.Lock()
	content, ok := r.blobs[d]
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob unknown to registry")
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Docker-Content-Digest", d.String())
	switch req.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
	}
}

func (r *Registry) serveManifest(w http.ResponseWriter, req *http.Request, path string) {
	repo, reference, _ := strings.Cut(path, "/manifests/")

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		r.mu.Lock()
		entry, ok := r.manifests[repo][reference]
		r.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown to registry")
			return
		}
		w.Header().Set("Content-Type", entry.mediaType)
		w.Header().Set("Content-Length", strconv.Itoa(len(entry.content)))
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(entry.content).String())
		w.WriteHeader(http.StatusOK)
		if req.Method == http.MethodGet {
			w.Write(entry.content)
		}

	case http.MethodPut:
		content, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "MANIFEST_INVALID", err.Error())
			return
		}
		// A manifest referencing an absent blob is invalid; reject it
		// the way real registries do.
		var manifest struct {
			Config struct {
				Digest digest.Digest `json:"digest"`
			} `json:"config"`
			Layers []struct {
				Digest digest.Digest `json:"digest"`
			} `json:"layers"`
		}
		if err := json.Unmarshal(content, &manifest); err != nil {
			writeError(w, http.StatusBadRequest, "MANIFEST_INVALID", err.Error())
			return
		}
		r.mu.Lock()
		missing := ""
		if _, ok := r.blobs[manifest.Config.Digest]; !ok {
			missing = manifest.Config.Digest.String()
		}
		for _, l := range manifest.Layers {
			if _, ok := r.blobs[l.Digest]; !ok {
				missing = l.Digest.String()
			}
		}
		if missing != "" {
			r.mu.Unlock()
			writeError(w, http.StatusBadRequest, "MANIFEST_BLOB_UNKNOWN", "manifest references unknown blob "+missing)
			return
		}
		d := r.putManifestLocked(repo, reference, req.Header.Get("Content-Type"), content)
		r.mu.Unlock()

		w.Header().Set("Docker-Content-Digest", d.String())
		w.WriteHeader(http.StatusCreated)

	default:
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ociErrorResponse{
		Errors: []ociError{{Code: code, Message: message}},
	})
}
