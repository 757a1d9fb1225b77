package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/taskping/taskping/engine/channel"
	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/infra/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewCache(client), mr
}

func TestCache_ProviderIDMap(t *testing.T) {
	t.Run("Should resolve a bound provider id back to its token", func(t *testing.T) {
		c, _ := newCache(t)
		token := core.MustNewID()
		require.NoError(t, c.Bind(context.Background(), "CA123", token, time.Hour))
		got, err := c.Lookup(context.Background(), "CA123")
		require.NoError(t, err)
		assert.Equal(t, token, got)
	})
	t.Run("Should keep the first binding when writers race", func(t *testing.T) {
		c, _ := newCache(t)
		first := core.MustNewID()
		require.NoError(t, c.Bind(context.Background(), "CA123", first, time.Hour))
		err := c.Bind(context.Background(), "CA123", core.MustNewID(), time.Hour)
		assert.Error(t, err)
		got, err := c.Lookup(context.Background(), "CA123")
		require.NoError(t, err)
		assert.Equal(t, first, got)
	})
	t.Run("Should treat a rebind of the same token as a no-op", func(t *testing.T) {
		c, _ := newCache(t)
		token := core.MustNewID()
		require.NoError(t, c.Bind(context.Background(), "SM9", token, time.Hour))
		assert.NoError(t, c.Bind(context.Background(), "SM9", token, time.Hour))
	})
	t.Run("Should report unknown provider ids", func(t *testing.T) {
		c, _ := newCache(t)
		_, err := c.Lookup(context.Background(), "CA999")
		assert.ErrorIs(t, err, channel.ErrUnknownProviderID)
	})
	t.Run("Should forget bindings after the TTL", func(t *testing.T) {
		c, mr := newCache(t)
		require.NoError(t, c.Bind(context.Background(), "CA123", core.MustNewID(), time.Minute))
		mr.FastForward(2 * time.Minute)
		_, err := c.Lookup(context.Background(), "CA123")
		assert.ErrorIs(t, err, channel.ErrUnknownProviderID)
	})
}

func TestCache_CheckAndSet(t *testing.T) {
	t.Run("Should admit an event exactly once", func(t *testing.T) {
		c, _ := newCache(t)
		require.NoError(t, c.CheckAndSet(context.Background(), "evt-1", time.Hour))
		err := c.CheckAndSet(context.Background(), "evt-1", time.Hour)
		assert.ErrorIs(t, err, cache.ErrDuplicate)
	})
	t.Run("Should admit the event again after the window", func(t *testing.T) {
		c, mr := newCache(t)
		require.NoError(t, c.CheckAndSet(context.Background(), "evt-1", time.Minute))
		mr.FastForward(2 * time.Minute)
		assert.NoError(t, c.CheckAndSet(context.Background(), "evt-1", time.Minute))
	})
}
