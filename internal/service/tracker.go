// Package service ties the REST client, the reconciler, and the polling
// fallback into the single entry point callers use to submit and cancel jobs.
package service

import (
	"context"
	"fmt"

	"jobtrack/internal/domain"
	"jobtrack/internal/interactions"
	"jobtrack/internal/models"
	"jobtrack/internal/polling"
	"jobtrack/internal/reconcile"

	"github.com/rs/zerolog"
)

// TrackerService submits jobs optimistically and guarantees each one a
// terminal status, through the channel when it is up and through the polling
// fallback when it is not.
type TrackerService struct {
	api        domain.JobAPI
	channel    domain.ChannelSender
	reconciler *reconcile.Reconciler
	poller     *polling.Poller
	telemetry  *interactions.Engine
	logger     zerolog.Logger

	// runCtx outlives individual requests; background work spawned on behalf
	// of a caller must not die with the caller's request context.
	runCtx    context.Context
	sessionID string
}

func NewTrackerService(
	runCtx context.Context,
	api domain.JobAPI,
	channel domain.ChannelSender,
	reconciler *reconcile.Reconciler,
	poller *polling.Poller,
	telemetry *interactions.Engine,
	sessionID string,
	logger *zerolog.Logger,
) *TrackerService {
	return &TrackerService{
		api:        api,
		channel:    channel,
		reconciler: reconciler,
		poller:     poller,
		telemetry:  telemetry,
		logger:     logger.With().Str("component", "tracker").Logger(),
		runCtx:     runCtx,
		sessionID:  sessionID,
	}
}

// SubmitJob registers a local task, submits the entity for processing, and
// attaches the returned job id. The local task appears before the server
// responds; a rejected submit fails it in place.
func (s *TrackerService) SubmitJob(ctx context.Context, entityType, entityID, title string) (string, error) {
	localID := s.reconciler.Submit(models.LocalTask{
		Type:  entityType,
		Title: title,
	})

	resp, err := s.api.SubmitJob(ctx, entityType, entityID)
	if err != nil {
		s.reconciler.FailLocal(localID, "Submit failed")
		return localID, fmt.Errorf("submit %s %s: %w", entityType, entityID, err)
	}
	if !resp.Success || resp.JobID == "" {
		s.reconciler.FailLocal(localID, resp.Message)
		return localID, fmt.Errorf("submit %s %s rejected: %s", entityType, entityID, resp.Message)
	}

	s.reconciler.Acknowledge(localID, resp.JobID)
	s.logger.Info().Str("local_id", localID).Str("job_id", resp.JobID).Str("entity_type", entityType).Msg("job submitted")

	s.telemetry.Queue(ctx, models.Interaction{
		SessionID:  s.sessionID,
		Type:       "job_submit",
		EntityType: entityType,
		EntityID:   entityID,
		Status:     models.InteractionStatusSuccess,
	})

	// With the channel down no events or snapshots will arrive for this job,
	// so its terminal status has to come from polling. The poll runs on the
	// service context: the request context is gone as soon as the caller's
	// handler returns.
	if !s.channel.Connected() {
		go s.poller.Poll(s.runCtx, resp.JobID, s.reconciler.ResolveFromPoll)
	}
	return localID, nil
}

// CancelJob requests cancellation. Cancellation is channel-only; with the
// channel down the error tells the caller the capability is unavailable.
func (s *TrackerService) CancelJob(ctx context.Context, jobID string) error {
	if err := s.reconciler.Cancel(ctx, jobID); err != nil {
		return err
	}

	s.telemetry.Queue(ctx, models.Interaction{
		SessionID: s.sessionID,
		Type:      "job_cancel",
		EntityID:  jobID,
		Status:    models.InteractionStatusPending,
	})
	return nil
}

// View exposes the reconciled queue state.
func (s *TrackerService) View() reconcile.View {
	return s.reconciler.View()
}
