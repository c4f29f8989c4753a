package kvstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FailoverStore routes to the primary store and falls back to the secondary
// when the primary errors. After a failure the primary is retried at most
// once a minute.
type FailoverStore struct {
	primary   Store
	fallback  Store
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck time.Time
}

func NewFailoverStore(primary, fallback Store, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (s *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.isDown.Load() {
		val, err := s.primary.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Primary store failed, falling back to memory")
		s.isDown.Store(true)
		s.lastCheck = time.Now()
	}

	// Probe the primary for recovery after a minute.
	if s.isDown.Load() && time.Since(s.lastCheck) > time.Minute {
		val, err := s.primary.Get(ctx, key)
		if err == nil {
			s.isDown.Store(false)
			return val, nil
		}
		s.lastCheck = time.Now()
	}

	return s.fallback.Get(ctx, key)
}

func (s *FailoverStore) Set(ctx context.Context, key string, value []byte) error {
	if !s.isDown.Load() {
		err := s.primary.Set(ctx, key, value)
		if err == nil {
			// Mirror into the fallback so a later failover still sees the
			// latest value.
			_ = s.fallback.Set(ctx, key, value)
			return nil
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Primary store failed, falling back to memory")
		s.isDown.Store(true)
		s.lastCheck = time.Now()
	}

	return s.fallback.Set(ctx, key, value)
}

func (s *FailoverStore) Delete(ctx context.Context, key string) error {
	if !s.isDown.Load() {
		err := s.primary.Delete(ctx, key)
		if err == nil {
			_ = s.fallback.Delete(ctx, key)
			return nil
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Primary store failed, falling back to memory")
		s.isDown.Store(true)
		s.lastCheck = time.Now()
	}

	return s.fallback.Delete(ctx, key)
}
