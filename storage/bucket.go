// Package storage holds uploaded chat images in a pebble key-value store and
// exposes them under a public URL.
package storage

import (
	"bytes"
	"context"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// DefaultBucket is the bucket chat images are uploaded to.
const DefaultBucket = "chat-images"

var (
	// ErrNotFound is returned for unknown object paths.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidPath is returned for empty or escaping object paths.
	ErrInvalidPath = errors.New("invalid object path")
)

// separator splits the stored content type from the object bytes.
const separator = 0x00

// An Object is a stored file.
type Object struct {
	ContentType string
	Data        []byte
}

// Bucket is a named set of objects in a pebble database.
type Bucket struct {
	db        *pebble.DB
	name      string
	publicURL string
}

// Open opens (or creates) the pebble database in dir. opts may be nil.
// publicURL is the externally reachable base URL of the API serving the
// bucket.
func Open(dir, name, publicURL string, opts *pebble.Options) (*Bucket, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "storage.Open")
	}
	if name == "" {
		name = DefaultBucket
	}
	return &Bucket{
		db:        db,
		name:      name,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// URL returns the public URL of the object at path.
func (b *Bucket) URL(path string) string {
	return b.publicURL + "/storage/" + b.name + "/" + path
}

// Put stores data at path and returns its public URL.
func (b *Bucket) Put(_ context.Context, path, contentType string, data []byte) (string, error) {
	if err := checkPath(path); err != nil {
		return "", err
	}
	val := make([]byte, 0, len(contentType)+1+len(data))
	val = append(val, contentType...)
	val = append(val, separator)
	val = append(val, data...)
	if err := b.db.Set(b.key(path), val, pebble.Sync); err != nil {
		return "", errors.Wrap(err, "storage.Put.Set")
	}
	return b.URL(path), nil
}

// Get returns the object stored at path.
func (b *Bucket) Get(_ context.Context, path string) (Object, error) {
	if err := checkPath(path); err != nil {
		return Object{}, err
	}
	val, closer, err := b.db.Get(b.key(path))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Object{}, ErrNotFound
		}
		return Object{}, errors.Wrap(err, "storage.Get")
	}
	defer closer.Close()

	i := bytes.IndexByte(val, separator)
	if i < 0 {
		return Object{}, errors.Errorf("storage.Get: corrupt object %q", path)
	}
	data := make([]byte, len(val)-i-1)
	copy(data, val[i+1:])
	return Object{ContentType: string(val[:i]), Data: data}, nil
}

// Close closes the underlying database.
func (b *Bucket) Close() error {
	return b.db.Close()
}

func (b *Bucket) key(path string) []byte {
	return []byte(b.name + "/" + path)
}

func checkPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") {
		return ErrInvalidPath
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}
