package models

import "time"

// LocalTask statuses. The optimistic statuses (pending, processing) describe a
// task the server has not acknowledged yet; the *_on_server ones mirror the
// authoritative queue once a job id is known.
const (
	TaskStatusPending            = "pending"
	TaskStatusProcessing         = "processing"
	TaskStatusQueuedOnServer     = "queued_on_server"
	TaskStatusProcessingOnServer = "processing_on_server"
	TaskStatusCompleted          = "completed"
	TaskStatusFailed             = "failed"
	TaskStatusTimeout            = "timeout"
)

// LocalTask is the client-side optimistic placeholder for a job. It exists
// from submit time until a grace period after the server confirms a terminal
// status, or until the absolute timeout expires.
type LocalTask struct {
	LocalID   string    `json:"local_id"`
	JobID     string    `json:"job_id,omitempty"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// IsTerminalTaskStatus reports whether a local task status is final.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout:
		return true
	}
	return false
}
