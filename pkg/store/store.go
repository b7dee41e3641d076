// Package store implements the local content-addressable image store: a
// digest-keyed blob pool shared across images, plus one directory per
// image name holding an OCI index that points at the image's manifest.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const (
	blobsDir  = "blobs"
	imagesDir = "images"

	indexFile = "index.json"
)

// Store is a local image store rooted at a single directory. All blob
// and index files under the root are owned by the store; callers go
// through its API rather than touching files directly.
type Store struct {
	root string
	log  *logrus.Entry
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New opens the store rooted at the given path, creating the directory
// layout if it does not exist yet.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root: root,
		log:  logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{s.blobsDir(), s.imagesDir()} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, fmt.Errorf("initialize store layout: %w", err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) blobsDir() string {
	return filepath.Join(s.root, blobsDir)
}

func (s *Store) imagesDir() string {
	return filepath.Join(s.root, imagesDir)
}
