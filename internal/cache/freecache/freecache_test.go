package freecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opengisch/fieldq/internal/cache"
)

// ------------------------
// 1. PUT tests
// ------------------------
func TestFreeCache_Put(t *testing.T) {
	ctx := context.Background()
	c := New(1024 * 1024)

	tests := []struct {
		name      string
		key       string
		value     []byte
		expectErr bool
	}{
		{"Empty key should fail", "", []byte("value"), true},
		{"Nil value should fail", "nil_value", nil, true},
		{"Bytes value should succeed", "delta_sha:abc", []byte("f00d"), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(ctx, tt.key, tt.value, time.Minute)
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// ------------------------
// 2. GET tests
// ------------------------
func TestFreeCache_Get(t *testing.T) {
	ctx := context.Background()
	c := New(1024 * 1024)

	require.NoError(t, c.Put(ctx, "token", []byte("deadbeef"), time.Minute))

	tests := []struct {
		name      string
		key       string
		expected  []byte
		missErr   bool
		expectErr bool
	}{
		{"Empty key should fail", "", nil, false, true},
		{"Key not present is a miss", "missing", nil, true, true},
		{"Get stored value succeeds", "token", []byte("deadbeef"), false, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Get(ctx, tt.key)
			if tt.expectErr {
				require.Error(t, err)
				if tt.missErr {
					require.ErrorIs(t, err, cache.ErrMiss)
				}
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

// ------------------------
// 3. TTL tests
// ------------------------
func TestFreeCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := New(1024 * 1024)

	require.NoError(t, c.Put(ctx, "short", []byte("temp"), time.Second))
	require.NoError(t, c.Put(ctx, "long", []byte("persistent"), 5*time.Second))

	time.Sleep(2 * time.Second)

	_, err := c.Get(ctx, "short")
	require.ErrorIs(t, err, cache.ErrMiss)

	got, err := c.Get(ctx, "long")
	require.NoError(t, err)
	require.Equal(t, []byte("persistent"), got)
}

// ------------------------
// 4. Close tests
// ------------------------
func TestFreeCache_Close(t *testing.T) {
	ctx := context.Background()
	c := New(1024 * 1024)

	require.NoError(t, c.Put(ctx, "key1", []byte("value1"), time.Minute))
	c.Close()

	_, err := c.Get(ctx, "key1")
	require.ErrorIs(t, err, cache.ErrMiss)
}
