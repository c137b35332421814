// Package cache is a small byte-oriented cache used for hot-path lookups
// such as deltafile content hashes. Backed by freecache in-process or redis.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

type Cache interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close()
}

// DeltaContentKey caches the stored content hash of a delta id.
func DeltaContentKey(deltaID string) string {
	return "delta_sha:" + deltaID
}
