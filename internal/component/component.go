// Package component wires configured backends behind the shared interfaces.
package component

import (
	"context"

	"github.com/opengisch/fieldq/internal/cache"
	"github.com/opengisch/fieldq/internal/cache/freecache"
	"github.com/opengisch/fieldq/internal/cache/redis"
	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/queue"
	"github.com/opengisch/fieldq/internal/queue/jetstream"
	"github.com/opengisch/fieldq/internal/queue/noop"
	"github.com/opengisch/fieldq/internal/storage"
	"github.com/opengisch/fieldq/internal/storage/minio"
)

func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		cfg, err := config.GetRedis()
		if err != nil {
			return nil, err
		}
		return redis.New(ctx, cfg)
	default:
		cfg, err := config.GetFreecache()
		if err != nil {
			return nil, err
		}
		return freecache.New(cfg.SizeBytes), nil
	}
}

func GetQueue(qType string) (queue.Queue, error) {
	switch qType {
	case "jetstream":
		cfg, err := config.GetNats()
		if err != nil {
			return nil, err
		}
		return jetstream.New(cfg)
	default:
		return noop.New(), nil
	}
}

func GetStorage() (storage.Storage, error) {
	cfg, err := config.GetMinio()
	if err != nil {
		return nil, err
	}
	return minio.New(cfg)
}
