// Package interactions implements the telemetry sync engine: every
// interaction is durable locally first, then forwarded to the server either
// immediately (latency-sensitive types) or in periodic health-gated batches.
package interactions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jobtrack/internal/domain"
	"jobtrack/internal/events"
	"jobtrack/internal/metrics"
	"jobtrack/internal/models"
	"jobtrack/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrSyncInProgress is returned when ForceSync overlaps a running cycle.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrServerUnhealthy is returned when the health check gates a cycle off.
var ErrServerUnhealthy = errors.New("server unhealthy, sync skipped")

// Interaction types delivered on the low-latency path.
var immediateTypes = map[string]struct{}{
	"error":         {},
	"job_submit":    {},
	"job_cancel":    {},
	"tag_mutation":  {},
	"settings_edit": {},
}

type queued struct {
	models.Interaction
	attempts    int
	nextRetryAt time.Time
}

// Engine owns the pending and failed interaction queues.
type Engine struct {
	api     domain.InteractionAPI
	history domain.InteractionHistory
	bus     domain.EventPublisher
	logger  zerolog.Logger

	// Throttles the immediate path so a burst of telemetry cannot hammer
	// the track endpoint; overflow falls through to the batch path.
	limiter *rate.Limiter
	retry   worker.RetryPolicy

	mu          sync.Mutex
	settings    models.SyncSettings
	pending     []queued
	failed      []queued
	totalSynced int
	lastSyncAt  *time.Time

	inProgress atomic.Bool
	restart    chan struct{}
}

func NewEngine(api domain.InteractionAPI, history domain.InteractionHistory, bus domain.EventPublisher, settings models.SyncSettings, logger *zerolog.Logger) *Engine {
	settings.Normalize()
	return &Engine{
		api:     api,
		history: history,
		bus:     bus,
		logger:  logger.With().Str("component", "interactions").Logger(),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		retry: worker.RetryPolicy{
			MaxRetries:    settings.MaxRetries,
			InitialDelay:  2 * time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		},
		settings: settings,
		restart:  make(chan struct{}, 1),
	}
}

// Queue records an interaction. It is persisted to local history
// unconditionally; server delivery depends on settings and type.
func (e *Engine) Queue(ctx context.Context, interaction models.Interaction) {
	if interaction.ID == "" {
		interaction.ID = uuid.NewString()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = time.Now()
	}
	if interaction.Status == "" {
		interaction.Status = models.InteractionStatusPending
	}

	// Local durability comes first, whatever the sync settings say.
	if _, err := e.history.Insert(ctx, &interaction); err != nil {
		e.logger.Error().Err(err).Str("id", interaction.ID).Msg("persist interaction failed, continuing in memory")
	}

	e.mu.Lock()
	syncEnabled := e.settings.EnableServerSync
	e.mu.Unlock()

	if syncEnabled && e.isImmediate(interaction.Type) && e.limiter.Allow() {
		if err := e.api.TrackInteraction(ctx, &interaction); err == nil {
			e.mu.Lock()
			e.totalSynced++
			e.mu.Unlock()
			metrics.AddSynced("immediate", 1)
			return
		} else {
			// Not dropped: the batch path retries it.
			e.logger.Warn().Err(err).Str("id", interaction.ID).Msg("immediate delivery failed, queueing for batch")
			metrics.IncSyncFailed()
		}
	}

	e.mu.Lock()
	e.pending = append(e.pending, queued{Interaction: interaction})
	depth := len(e.pending)
	e.mu.Unlock()
	metrics.SetPendingDepth(depth)
}

// ForceSync runs a sync cycle outside the timer. Concurrent invocations are
// rejected, not interleaved.
func (e *Engine) ForceSync(ctx context.Context) (models.SyncStatus, error) {
	return e.performSync(ctx, true)
}

// GetStatus returns the observable engine state.
func (e *Engine) GetStatus() models.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.SyncStatus{
		PendingCount:   len(e.pending),
		FailedCount:    len(e.failed),
		TotalSynced:    e.totalSynced,
		SyncInProgress: e.inProgress.Load(),
		LastSyncAt:     e.lastSyncAt,
	}
}

// UpdateSettings replaces the settings wholesale and restarts the periodic
// timer with the new interval. An in-flight cycle is not cancelled.
func (e *Engine) UpdateSettings(settings models.SyncSettings) {
	settings.Normalize()
	e.mu.Lock()
	e.settings = settings
	e.retry.MaxRetries = settings.MaxRetries
	e.mu.Unlock()

	select {
	case e.restart <- struct{}{}:
	default:
	}
}

// Run drives the periodic sync until ctx is done. Call on its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Msg("sync engine started")
	defer e.logger.Info().Msg("sync engine stopped")

	for {
		e.mu.Lock()
		interval := time.Duration(e.settings.SyncInterval) * time.Minute
		enabled := e.settings.EnableServerSync
		e.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.restart:
			timer.Stop()
			continue
		case <-timer.C:
			if !enabled {
				continue
			}
			if _, err := e.performSync(ctx, false); err != nil && !errors.Is(err, ErrSyncInProgress) {
				e.logger.Warn().Err(err).Msg("periodic sync cycle failed")
			}
		}
	}
}

// performSync is the single sync cycle: health gate, failed-first batch, one
// delivery call. force ignores per-item retry backoff and the retry budget.
func (e *Engine) performSync(ctx context.Context, force bool) (models.SyncStatus, error) {
	if !e.inProgress.CompareAndSwap(false, true) {
		return e.GetStatus(), ErrSyncInProgress
	}
	defer e.inProgress.Store(false)

	health, err := e.api.Health(ctx)
	if err != nil {
		return e.GetStatus(), fmt.Errorf("health check: %w", err)
	}
	if !health.DatabaseHealthy {
		// No partial sends against an unhealthy server; the whole cycle is
		// skipped and the queues stay as they are.
		return e.GetStatus(), ErrServerUnhealthy
	}

	batch, fromFailed := e.takeBatch(force)
	if len(batch) == 0 {
		return e.GetStatus(), nil
	}

	items := make([]models.Interaction, len(batch))
	for i, q := range batch {
		items[i] = q.Interaction
	}

	resp, err := e.api.SyncInteractions(ctx, items)
	if err != nil {
		e.requeueFailed(batch)
		metrics.IncSyncFailed()
		e.logger.Warn().Err(err).Int("batch", len(batch)).Msg("batch delivery failed")
		return e.GetStatus(), fmt.Errorf("sync batch: %w", err)
	}

	now := time.Now()
	e.mu.Lock()
	e.totalSynced += len(batch)
	e.lastSyncAt = &now
	pendingLeft := len(e.pending)
	failedLeft := len(e.failed)
	e.mu.Unlock()

	metrics.AddSynced("batch", len(batch))
	metrics.SetPendingDepth(pendingLeft)
	if resp.FailedCount > 0 {
		e.logger.Warn().Int("failed_count", resp.FailedCount).Msg("server reported partial batch failures")
	}

	e.logger.Info().Int("synced", len(batch)).Int("from_failed", fromFailed).Msg("sync cycle complete")
	_ = e.bus.PublishJSON(events.EventSyncCompleted, events.SyncEventPayload{
		SyncedCount: len(batch),
		FailedCount: failedLeft,
		PendingLeft: pendingLeft,
	})
	return e.GetStatus(), nil
}

// takeBatch removes up to max_batch_size items from the queues, failed items
// first, then pending, preserving FIFO order within each queue.
func (e *Engine) takeBatch(force bool) ([]queued, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	max := e.settings.MaxBatchSize
	now := time.Now()
	var batch []queued

	keptFailed := e.failed[:0]
	for _, q := range e.failed {
		eligible := force || (now.After(q.nextRetryAt) && !e.retry.Exhausted(q.attempts))
		if len(batch) < max && eligible {
			batch = append(batch, q)
		} else {
			keptFailed = append(keptFailed, q)
		}
	}
	e.failed = keptFailed
	fromFailed := len(batch)

	for len(batch) < max && len(e.pending) > 0 {
		batch = append(batch, e.pending[0])
		e.pending = e.pending[1:]
	}

	return batch, fromFailed
}

// requeueFailed returns an undelivered batch to the failed queue with an
// incremented attempt count and backoff-gated retry time.
func (e *Engine) requeueFailed(batch []queued) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range batch {
		q.attempts++
		q.nextRetryAt = time.Now().Add(e.retry.NextDelay(q.attempts))
		e.failed = append(e.failed, q)
	}
}

func (e *Engine) isImmediate(interactionType string) bool {
	_, ok := immediateTypes[interactionType]
	return ok
}
