package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opengisch/fieldq/internal/cache"
	"github.com/opengisch/fieldq/internal/config"
	"github.com/opengisch/fieldq/internal/tracer"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RedisCache struct {
	client *redis.Client
}

func New(ctx context.Context, cfg *config.RedisConfig) (cache.Cache, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              0,
		PoolSize:        50,
		MinIdleConns:    10,
		PoolTimeout:     1 * time.Second,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
		ConnMaxIdleTime: 10 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: rc}, nil
}

func (r *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := tracer.Get().Start(ctx, "Redis/Put")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		tracer.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		tracer.RecordSpanError(span, err)
		return err
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		tracer.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Get().Start(ctx, "Redis/Get")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		tracer.RecordSpanError(span, err)
		return nil, err
	}
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrMiss
		}
		tracer.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisCache) Close() {
	_ = r.client.Close()
}
