// Package progress persists per-job progress records and the set of completed
// jobs the user has not acknowledged yet. State survives process restarts via
// the shared key-value store.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobtrack/internal/kvstore"
	"jobtrack/internal/models"

	"github.com/rs/zerolog"
)

// Key namespaces owned by this store.
const (
	ProgressKey  = "ai_job_progress"
	CompletedKey = "ai_completed_jobs"
)

// Messages starting with one of these markers describe a finished job; such
// records belong to a stale session and are dropped on load.
var terminalMarkers = []string{
	"Completed",
	"Failed",
	"Cancelled",
	"Timed out",
}

// Store owns ProgressRecord lifetime and the completed-but-unacknowledged set.
type Store struct {
	kv     kvstore.Store
	logger zerolog.Logger

	mu        sync.RWMutex
	records   map[string]models.ProgressRecord
	completed map[string]struct{}
}

func NewStore(kv kvstore.Store, logger *zerolog.Logger) *Store {
	return &Store{
		kv:        kv,
		logger:    logger.With().Str("component", "progress").Logger(),
		records:   make(map[string]models.ProgressRecord),
		completed: make(map[string]struct{}),
	}
}

// LoadAll restores persisted state, discarding malformed or stale entries.
func (s *Store) LoadAll(ctx context.Context) error {
	data, err := s.kv.Get(ctx, ProgressKey)
	if err != nil {
		return fmt.Errorf("load progress records: %w", err)
	}

	records := make(map[string]models.ProgressRecord)
	if data != nil {
		var stored map[string]models.ProgressRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			s.logger.Warn().Err(err).Msg("progress map is corrupt, starting empty")
		} else {
			for jobID, rec := range stored {
				if isStaleTerminal(rec.Message) {
					continue
				}
				if !rec.Valid() || isCorruptSentinel(rec) {
					s.logger.Warn().Str("job_id", jobID).Msg("dropping corrupt progress record")
					continue
				}
				records[jobID] = rec
			}
		}
	}

	completed := make(map[string]struct{})
	if data, err := s.kv.Get(ctx, CompletedKey); err == nil && data != nil {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			s.logger.Warn().Err(err).Msg("completed set is corrupt, starting empty")
		} else {
			for _, id := range ids {
				completed[id] = struct{}{}
			}
		}
	}

	s.mu.Lock()
	s.records = records
	s.completed = completed
	s.mu.Unlock()
	return nil
}

// Get returns the record for a job, if any.
func (s *Store) Get(jobID string) (models.ProgressRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	return rec, ok
}

// Set stores a record and persists synchronously so a restart mid-job does
// not lose progress. Persistence failures are logged, never returned.
func (s *Store) Set(ctx context.Context, jobID string, rec models.ProgressRecord) {
	s.mu.Lock()
	s.records[jobID] = rec
	s.mu.Unlock()
	s.persistRecords(ctx)
}

// Remove drops a record from the live view.
func (s *Store) Remove(ctx context.Context, jobID string) {
	s.mu.Lock()
	delete(s.records, jobID)
	s.mu.Unlock()
	s.persistRecords(ctx)
}

// All returns a copy of the live progress map.
func (s *Store) All() map[string]models.ProgressRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.ProgressRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// MarkCompleted adds a job to the unacknowledged-completion set. Adding an id
// twice is a no-op; the set size is unchanged.
func (s *Store) MarkCompleted(ctx context.Context, jobID string) {
	s.mu.Lock()
	if _, exists := s.completed[jobID]; exists {
		s.mu.Unlock()
		return
	}
	s.completed[jobID] = struct{}{}
	s.mu.Unlock()
	s.persistCompleted(ctx)
}

// Acknowledge clears a job from the completion set.
func (s *Store) Acknowledge(ctx context.Context, jobID string) {
	s.mu.Lock()
	if _, exists := s.completed[jobID]; !exists {
		s.mu.Unlock()
		return
	}
	delete(s.completed, jobID)
	s.mu.Unlock()
	s.persistCompleted(ctx)
}

// Completed returns the unacknowledged job ids in stable order.
func (s *Store) Completed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.completed))
	for id := range s.completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) persistRecords(ctx context.Context) {
	s.mu.RLock()
	data, err := json.Marshal(s.records)
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error().Err(err).Msg("encode progress records")
		return
	}
	if err := s.kv.Set(ctx, ProgressKey, data); err != nil {
		s.logger.Error().Err(err).Msg("persist progress records")
	}
}

func (s *Store) persistCompleted(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.completed))
	for id := range s.completed {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode completed set")
		return
	}
	if err := s.kv.Set(ctx, CompletedKey, data); err != nil {
		s.logger.Error().Err(err).Msg("persist completed set")
	}
}

func isStaleTerminal(message string) bool {
	for _, marker := range terminalMarkers {
		if strings.HasPrefix(message, marker) {
			return true
		}
	}
	return false
}

// A 100% record with no totals is the known artifact of an interrupted write.
func isCorruptSentinel(rec models.ProgressRecord) bool {
	return rec.Percentage == 100 && rec.Total == 0 && rec.Current == 0 && rec.Message == ""
}
