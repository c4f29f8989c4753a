package models

import "time"

// Interaction delivery statuses.
const (
	InteractionStatusSuccess = "success"
	InteractionStatusError   = "error"
	InteractionStatusPending = "pending"
)

// Interaction is a telemetry record describing a user or system action. It is
// immutable once created; newer interactions supersede, never edit.
type Interaction struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	SessionID  string                 `json:"session_id"`
	Type       string                 `json:"type"`
	EntityType string                 `json:"entity_type,omitempty"`
	EntityID   string                 `json:"entity_id,omitempty"`
	Status     string                 `json:"status"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// SyncSettings controls the interaction sync engine. Loaded once at startup
// and replaced wholesale on user edit.
type SyncSettings struct {
	EnableServerSync bool `json:"enable_server_sync" yaml:"enable_server_sync"`
	SyncInterval     int  `json:"sync_interval" yaml:"sync_interval"` // minutes
	MaxBatchSize     int  `json:"max_batch_size" yaml:"max_batch_size"`
	MaxRetries       int  `json:"max_retries" yaml:"max_retries"`
	FallbackToLocal  bool `json:"fallback_to_local" yaml:"fallback_to_local"`
}

// Normalize clamps settings to their documented minimums.
func (s *SyncSettings) Normalize() {
	if s.SyncInterval < 1 {
		s.SyncInterval = 1
	}
	if s.MaxBatchSize < 1 {
		s.MaxBatchSize = 1
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
}

// SyncStatus is the observable state of the interaction sync engine.
type SyncStatus struct {
	PendingCount   int        `json:"pending_count"`
	FailedCount    int        `json:"failed_count"`
	TotalSynced    int        `json:"total_synced"`
	SyncInProgress bool       `json:"sync_in_progress"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
}
