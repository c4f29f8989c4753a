package kvstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "key", []byte(`{"a":1}`)))

		val, err := store.Get(ctx, "key")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"a":1}`), val)
	})

	t.Run("GetMissingKey", func(t *testing.T) {
		val, err := store.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", []byte("v")))
		require.NoError(t, store.Delete(ctx, "gone"))

		val, err := store.Get(ctx, "gone")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("ServerDown", func(t *testing.T) {
		s.Close()
		_, err := store.Get(ctx, "key")
		assert.Error(t, err)
	})
}
