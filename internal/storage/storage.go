// Package storage is the blob store boundary: object storage addressed by
// path, optionally versioned. The queue core treats it as opaque.
package storage

import (
	"context"
	"time"
)

// ObjectInfo is the metadata of one stored object (or object version).
type ObjectInfo struct {
	Path         string
	VersionID    string
	Size         int64
	ETag         string
	LastModified time.Time
}

type Storage interface {
	// Put stores bytes under path and returns the created version.
	Put(ctx context.Context, path string, data []byte, metadata map[string]string) (*ObjectInfo, error)
	// Get fetches the latest version of an object.
	Get(ctx context.Context, path string) ([]byte, error)
	// GetVersion fetches a specific version of an object.
	GetVersion(ctx context.Context, path, versionID string) ([]byte, error)
	// Head returns metadata without the body.
	Head(ctx context.Context, path string) (*ObjectInfo, error)
	// List returns the objects under a prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete removes an object, or one version of it if versionID is set.
	Delete(ctx context.Context, path, versionID string) error

	Close()
}
