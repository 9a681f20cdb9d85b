// Package storage defines the blob store abstraction the dumper persists
// artifacts through. Implementations live in the local, gcs and memory
// subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject for a missing object.
var ErrNotFound = errors.New("object not found")

// BlobStore persists artifacts under slash separated object paths.
type BlobStore interface {
	// PutObject writes the object, replacing any previous content, and
	// returns a URI describing where it landed.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject reads a whole object. It returns ErrNotFound when absent.
	GetObject(ctx context.Context, path string) ([]byte, error)
	// Exists reports whether the object is present.
	Exists(ctx context.Context, path string) (bool, error)
}

// Content types used for dump artifacts.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)
