package transport

import (
	"encoding/json"

	"jobtrack/internal/models"
)

// Inbound message types on the queue channel.
const (
	MessageTypeQueueStatus    = "queue_status"
	MessageTypeQueueUpdate    = "queue_update"
	MessageTypeCancelResponse = "cancel_response"
)

// Queue update events carried by queue_update messages.
const (
	EventJobSubmitted = "job_submitted"
	EventJobStarted   = "job_started"
	EventJobProgress  = "job_progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
)

// Plain outbound tokens.
const (
	TokenPing      = "ping"
	TokenGetStatus = "get_status"
)

// Message is the envelope for every inbound frame.
type Message struct {
	Type        string                `json:"type"`
	QueueStatus *models.QueueSnapshot `json:"queue_status,omitempty"`
	Event       string                `json:"event,omitempty"`
	JobID       string                `json:"job_id,omitempty"`
	Data        json.RawMessage       `json:"data,omitempty"`
	Success     bool                  `json:"success,omitempty"`
	Message     string                `json:"message,omitempty"`
}

// CancelRequest asks the server to cancel a job over the channel.
type CancelRequest struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// NewCancelRequest builds the cancel_job control message.
func NewCancelRequest(jobID string) CancelRequest {
	return CancelRequest{Type: "cancel_job", JobID: jobID}
}
