// Package settings persists the synchronization configuration and notifies
// subscribers when the user replaces it.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"jobtrack/internal/kvstore"
	"jobtrack/internal/models"

	"github.com/rs/zerolog"
)

// Key is the settings namespace in the shared key-value store.
const Key = "ai_sync_settings"

// Subscriber is invoked with the new settings after every Save.
type Subscriber func(models.SyncSettings)

// Store loads and saves SyncSettings. Settings are replaced wholesale, never
// patched field by field.
type Store struct {
	kv     kvstore.Store
	logger zerolog.Logger

	mu          sync.RWMutex
	current     models.SyncSettings
	subscribers []Subscriber
}

func NewStore(kv kvstore.Store, logger *zerolog.Logger) *Store {
	return &Store{
		kv:      kv,
		logger:  logger.With().Str("component", "settings").Logger(),
		current: models.DefaultSyncSettings(),
	}
}

// Load reads persisted settings, falling back to defaults when nothing is
// stored or the stored value is unreadable.
func (s *Store) Load(ctx context.Context) (models.SyncSettings, error) {
	data, err := s.kv.Get(ctx, Key)
	if err != nil {
		return s.Get(), fmt.Errorf("load sync settings: %w", err)
	}
	if data == nil {
		return s.Get(), nil
	}

	var loaded models.SyncSettings
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn().Err(err).Msg("stored sync settings are corrupt, using defaults")
		return s.Get(), nil
	}
	loaded.Normalize()

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return loaded, nil
}

// Save persists the new settings and notifies subscribers. A persistence
// failure is returned but the in-memory settings still take effect.
func (s *Store) Save(ctx context.Context, settings models.SyncSettings) error {
	settings.Normalize()

	s.mu.Lock()
	s.current = settings
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(settings)
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode sync settings: %w", err)
	}
	if err := s.kv.Set(ctx, Key, data); err != nil {
		s.logger.Error().Err(err).Msg("persist sync settings failed")
		return fmt.Errorf("persist sync settings: %w", err)
	}
	return nil
}

// Get returns the current settings.
func (s *Store) Get() models.SyncSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers a callback for settings changes.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}
