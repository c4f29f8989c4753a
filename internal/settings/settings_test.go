package settings

import (
	"context"
	"errors"
	"io"
	"testing"

	"jobtrack/internal/kvstore"
	"jobtrack/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingKV struct{}

func (failingKV) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("kv is down")
}

func (failingKV) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("kv is down")
}

func (failingKV) Delete(ctx context.Context, key string) error {
	return errors.New("kv is down")
}

func TestStoreLoad(t *testing.T) {
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	t.Run("NothingStoredReturnsDefaults", func(t *testing.T) {
		store := NewStore(kvstore.NewMemoryStore(), &logger)

		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultSyncSettings(), got)
	})

	t.Run("CorruptValueReturnsDefaults", func(t *testing.T) {
		kv := kvstore.NewMemoryStore()
		require.NoError(t, kv.Set(ctx, Key, []byte("{not json")))
		store := NewStore(kv, &logger)

		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultSyncSettings(), got)
	})

	t.Run("StoredValueWins", func(t *testing.T) {
		kv := kvstore.NewMemoryStore()
		saved := models.SyncSettings{EnableServerSync: true, SyncInterval: 10, MaxBatchSize: 25, MaxRetries: 2}
		seed := NewStore(kv, &logger)
		require.NoError(t, seed.Save(ctx, saved))

		store := NewStore(kv, &logger)
		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, saved, got)
	})

	t.Run("LoadNormalizesStoredValues", func(t *testing.T) {
		kv := kvstore.NewMemoryStore()
		require.NoError(t, kv.Set(ctx, Key, []byte(`{"sync_interval":0,"max_batch_size":-3,"max_retries":-1}`)))
		store := NewStore(kv, &logger)

		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, got.SyncInterval)
		assert.Equal(t, 1, got.MaxBatchSize)
		assert.Equal(t, 0, got.MaxRetries)
	})
}

func TestStoreSave(t *testing.T) {
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	t.Run("NotifiesSubscribers", func(t *testing.T) {
		store := NewStore(kvstore.NewMemoryStore(), &logger)

		var got models.SyncSettings
		var calls int
		store.Subscribe(func(s models.SyncSettings) {
			got = s
			calls++
		})

		next := models.SyncSettings{EnableServerSync: true, SyncInterval: 2, MaxBatchSize: 10}
		require.NoError(t, store.Save(ctx, next))
		assert.Equal(t, 1, calls)
		assert.Equal(t, next, got)
	})

	t.Run("PersistFailureStillTakesEffect", func(t *testing.T) {
		store := NewStore(failingKV{}, &logger)

		next := models.SyncSettings{SyncInterval: 7, MaxBatchSize: 3}
		err := store.Save(ctx, next)
		assert.Error(t, err)
		assert.Equal(t, 7, store.Get().SyncInterval)
	})
}
