package freecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	fc "github.com/coocood/freecache"
	"github.com/opengisch/fieldq/internal/cache"
)

type FreeCache struct {
	cache *fc.Cache
}

func New(sizeBytes int) cache.Cache {
	return &FreeCache{
		cache: fc.NewCache(sizeBytes),
	}
}

func (c *FreeCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}
	return c.cache.Set([]byte(key), value, int(ttl.Seconds()))
}

func (c *FreeCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		if errors.Is(err, fc.ErrNotFound) {
			return nil, cache.ErrMiss
		}
		return nil, err
	}
	return data, nil
}

func (c *FreeCache) Close() {
	c.cache.Clear()
}
