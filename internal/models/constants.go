package models

import "time"

const (
	// TaskGracePeriod keeps a terminal local task visible so consumers can
	// show the completion state before it is retired.
	TaskGracePeriod = 3 * time.Second

	// TaskAbsoluteTimeout force-terminates a local task that never reached a
	// terminal status.
	TaskAbsoluteTimeout = 5 * time.Minute

	// PollInterval is the delay between status polls for synchronously
	// submitted jobs.
	PollInterval = 2 * time.Second

	// PollCeiling is the hard wall-clock limit for the polling fallback.
	PollCeiling = 5 * time.Minute

	// PingInterval is the websocket liveness probe period.
	PingInterval = 30 * time.Second

	// ReconnectDelay is the fixed wait before re-dialing after an abnormal
	// websocket close.
	ReconnectDelay = 5 * time.Second

	// HistoryLimit bounds the durable interaction history; the oldest entries
	// are evicted first.
	HistoryLimit = 1000

	// HistoryRetentionDays is the default cleanup window for old interactions.
	HistoryRetentionDays = 30
)

// Default sync settings applied when nothing is persisted yet.
const (
	DefaultSyncInterval = 5 // minutes
	DefaultMaxBatchSize = 50
	DefaultMaxRetries   = 3
)

// DefaultSyncSettings returns the settings used before the user saves any.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		EnableServerSync: true,
		SyncInterval:     DefaultSyncInterval,
		MaxBatchSize:     DefaultMaxBatchSize,
		MaxRetries:       DefaultMaxRetries,
		FallbackToLocal:  true,
	}
}
