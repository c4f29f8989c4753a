package models

import "time"

// Job statuses as reported by the server. Timeout is client-assigned when the
// polling ceiling is reached without a terminal status.
const (
	JobStatusSubmitted  = "submitted"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
	JobStatusTimeout    = "timeout"
)

// Entity types the server can process.
const (
	EntityTypeImage   = "image"
	EntityTypeGallery = "gallery"
	EntityTypeScene   = "scene"
)

// IsValidEntityType reports whether the server accepts this entity type.
func IsValidEntityType(entityType string) bool {
	switch entityType {
	case EntityTypeImage, EntityTypeGallery, EntityTypeScene:
		return true
	}
	return false
}

// JobTest is a single sub-unit of a job with its own status and confidence.
type JobTest struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Job is the server-authoritative record of a processing job. It is immutable
// once it reaches a terminal status.
type Job struct {
	JobID       string     `json:"job_id"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	EntityName  string     `json:"entity_name"`
	Status      string     `json:"status"`
	Tests       []JobTest  `json:"tests,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminalJobStatus reports whether a status admits no further transitions.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// QueueSnapshot is the full authoritative queue state. It always replaces the
// previous snapshot wholesale; it is never patched field by field.
type QueueSnapshot struct {
	ActiveJobs          []Job `json:"active_jobs"`
	TotalActiveTests    int   `json:"total_active_tests"`
	CompletedTests      int   `json:"completed_tests"`
	FailedTests         int   `json:"failed_tests"`
	RecentCompletedJobs []Job `json:"recent_completed_jobs,omitempty"`
}

// ActiveJobIDs returns the set of job ids currently listed as active.
func (s *QueueSnapshot) ActiveJobIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.ActiveJobs))
	for _, job := range s.ActiveJobs {
		ids[job.JobID] = struct{}{}
	}
	return ids
}
