// Package polling implements the REST fallback for jobs submitted through the
// synchronous submit call, where only a job id is known and no channel events
// will arrive.
package polling

import (
	"context"
	"encoding/json"
	"time"

	"jobtrack/internal/domain"
	"jobtrack/internal/models"

	"github.com/rs/zerolog"
)

// TerminalFunc receives the final status exactly once per poll.
type TerminalFunc func(jobID, status string, result json.RawMessage)

// Poller polls per-job status on a fixed interval, bounded by a wall-clock
// ceiling after which the job is force-marked timeout.
type Poller struct {
	api    domain.JobAPI
	logger zerolog.Logger

	interval time.Duration
	ceiling  time.Duration
}

func NewPoller(api domain.JobAPI, logger *zerolog.Logger) *Poller {
	return &Poller{
		api:      api,
		logger:   logger.With().Str("component", "polling").Logger(),
		interval: models.PollInterval,
		ceiling:  models.PollCeiling,
	}
}

// Poll blocks until the job reaches a terminal status, the ceiling expires,
// or ctx is cancelled. Transport errors are treated as transient and polling
// continues. Run it on its own goroutine.
func (p *Poller) Poll(ctx context.Context, jobID string, onTerminal TerminalFunc) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	deadline := time.NewTimer(p.ceiling)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			p.logger.Warn().Str("job_id", jobID).Dur("ceiling", p.ceiling).Msg("poll ceiling reached, forcing timeout")
			onTerminal(jobID, models.JobStatusTimeout, nil)
			return

		case <-ticker.C:
			status, err := p.api.JobStatus(ctx, jobID)
			if err != nil {
				// Assumed transient; the ceiling bounds how long we keep trying.
				p.logger.Debug().Err(err).Str("job_id", jobID).Msg("status poll failed")
				continue
			}

			switch status.Status {
			case models.JobStatusCompleted:
				onTerminal(jobID, models.JobStatusCompleted, status.Result)
				return
			case models.JobStatusFailed:
				onTerminal(jobID, models.JobStatusFailed, status.Result)
				return
			}
		}
	}
}
