package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an archived blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is an abstraction for the version-archive sink. Attribute records
// pruned past the retention limit are written here before their on-disk
// offsets become reclaimable garbage.
//
// Blobs are immutable: Put with an existing name overwrites atomically.
type Store interface {
	// Put writes a blob under name.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads the blob stored under name.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes the blob stored under name. Deleting a missing blob is
	// not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
