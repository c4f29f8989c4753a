package domain

import (
	"context"

	"jobtrack/internal/models"
	"jobtrack/internal/serverapi"
)

// JobAPI is the REST surface used for job submission and the polling
// fallback. Cancellation is deliberately absent: it only exists on the
// channel.
type JobAPI interface {
	SubmitJob(ctx context.Context, entityType, entityID string) (*serverapi.SubmitResponse, error)
	JobStatus(ctx context.Context, jobID string) (*serverapi.JobStatusResponse, error)
}

// InteractionAPI is the REST surface used by the interaction sync engine.
type InteractionAPI interface {
	Health(ctx context.Context) (*serverapi.HealthResponse, error)
	TrackInteraction(ctx context.Context, interaction *models.Interaction) error
	SyncInteractions(ctx context.Context, batch []models.Interaction) (*serverapi.SyncResponse, error)
	SyncStatus(ctx context.Context) (*serverapi.ServerSyncStatus, error)
}

// EventPublisher decouples components from the concrete event bus.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// InteractionHistory is the durable local record of interactions. Writes must
// succeed locally regardless of server sync settings.
type InteractionHistory interface {
	Insert(ctx context.Context, interaction *models.Interaction) (bool, error)
	Recent(ctx context.Context, limit int) ([]models.Interaction, error)
}

// ChannelSender sends control messages over the live websocket channel.
type ChannelSender interface {
	Send(ctx context.Context, payload interface{}) error
	Connected() bool
}
