// Package reconcile merges the optimistic local task map with the
// authoritative queue state pushed over the websocket channel, producing the
// single view consumers read. Terminal events always win over snapshot diffs.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"jobtrack/internal/domain"
	"jobtrack/internal/events"
	"jobtrack/internal/metrics"
	"jobtrack/internal/models"
	"jobtrack/internal/progress"
	"jobtrack/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// View is the read-only reconciled state.
type View struct {
	ActiveJobs    []models.Job
	LocalTasks    []models.LocalTask
	Notifications []string
}

// Reconciler owns LocalTask lifetime and the merge of local and server state.
type Reconciler struct {
	channel  domain.ChannelSender
	progress *progress.Store
	bus      domain.EventPublisher
	logger   zerolog.Logger

	gracePeriod     time.Duration
	absoluteTimeout time.Duration

	mu            sync.Mutex
	localTasks    map[string]*models.LocalTask
	snapshot      models.QueueSnapshot
	prevActiveIDs map[string]struct{}
	// terminalEvents records jobs whose terminal status arrived as an explicit
	// event; a later snapshot still listing them is treated as stale.
	terminalEvents map[string]string
	// finished guards the terminal transition so it is applied exactly once
	// per job, whatever mix of events, snapshots, and polls delivered it.
	// Entries live until the grace-period retirement fires.
	finished map[string]struct{}
	timers   map[int64]*time.Timer
	timerSeq int64
}

func NewReconciler(channel domain.ChannelSender, prog *progress.Store, bus domain.EventPublisher, logger *zerolog.Logger) *Reconciler {
	return &Reconciler{
		channel:         channel,
		progress:        prog,
		bus:             bus,
		logger:          logger.With().Str("component", "reconcile").Logger(),
		gracePeriod:     models.TaskGracePeriod,
		absoluteTimeout: models.TaskAbsoluteTimeout,
		localTasks:      make(map[string]*models.LocalTask),
		prevActiveIDs:   make(map[string]struct{}),
		terminalEvents:  make(map[string]string),
		finished:        make(map[string]struct{}),
		timers:          make(map[int64]*time.Timer),
	}
}

// Submit registers an optimistic local task and returns its id. The task is
// visible immediately, before the server knows anything about it.
func (r *Reconciler) Submit(task models.LocalTask) string {
	if task.LocalID == "" {
		task.LocalID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now()
	}

	r.mu.Lock()
	t := task
	r.localTasks[task.LocalID] = &t
	r.mu.Unlock()

	// A task that never reaches a terminal status is force-timed-out.
	localID := task.LocalID
	r.schedule(r.absoluteTimeout, func() {
		r.timeoutLocalTask(localID)
	})

	_ = r.bus.PublishJSON(events.EventJobSubmitted, events.JobEventPayload{
		LocalID: task.LocalID,
		Status:  task.Status,
	})
	return task.LocalID
}

// Acknowledge attaches the server-assigned job id to a local task.
func (r *Reconciler) Acknowledge(localID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.localTasks[localID]
	if !ok {
		return
	}
	task.JobID = jobID
	if !models.IsTerminalTaskStatus(task.Status) {
		task.Status = models.TaskStatusQueuedOnServer
	}
}

// FailLocal marks a local task failed before the server ever saw it, for
// submissions rejected at the REST layer.
func (r *Reconciler) FailLocal(localID, message string) {
	r.mu.Lock()
	task, ok := r.localTasks[localID]
	if !ok || models.IsTerminalTaskStatus(task.Status) {
		r.mu.Unlock()
		return
	}
	task.Status = models.TaskStatusFailed
	r.mu.Unlock()

	metrics.IncJob(models.JobStatusFailed)
	_ = r.bus.PublishJSON(events.EventJobFailed, events.JobEventPayload{
		LocalID: localID,
		Status:  models.TaskStatusFailed,
		Message: message,
	})

	r.schedule(r.gracePeriod, func() {
		r.removeLocalTask(localID)
	})
}

// Cancel requests cancellation over the channel. There is no REST fallback;
// with the channel down this is a capability error reported to the caller.
func (r *Reconciler) Cancel(ctx context.Context, jobID string) error {
	if !r.channel.Connected() {
		return fmt.Errorf("cannot cancel %s: channel is not connected", jobID)
	}
	// Fire and forget; the server answers with cancel_response and a
	// job_cancelled event.
	return r.channel.Send(ctx, transport.NewCancelRequest(jobID))
}

// HandleMessage is wired as the transport message handler.
func (r *Reconciler) HandleMessage(msg transport.Message) {
	switch msg.Type {
	case transport.MessageTypeQueueStatus:
		if msg.QueueStatus == nil {
			r.logger.Warn().Msg("queue_status message without snapshot")
			return
		}
		r.ApplySnapshot(*msg.QueueStatus)

	case transport.MessageTypeQueueUpdate:
		r.ApplyEvent(msg.Event, msg.JobID, msg.Data)

	case transport.MessageTypeCancelResponse:
		if !msg.Success {
			r.logger.Warn().Str("job_id", msg.JobID).Str("reason", msg.Message).Msg("cancel rejected")
		}

	default:
		r.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown message type")
	}
}

// ApplySnapshot replaces the previous snapshot wholesale and infers
// completions from the active-id set difference.
func (r *Reconciler) ApplySnapshot(snap models.QueueSnapshot) {
	r.mu.Lock()

	cur := snap.ActiveJobIDs()

	// Drop jobs already finished by an explicit event: the event won the
	// race, the snapshot is stale for them.
	if len(r.terminalEvents) > 0 {
		filtered := snap.ActiveJobs[:0]
		for _, job := range snap.ActiveJobs {
			if _, done := r.terminalEvents[job.JobID]; done {
				delete(cur, job.JobID)
				continue
			}
			filtered = append(filtered, job)
		}
		snap.ActiveJobs = filtered
	}

	var completed []string
	for id := range r.prevActiveIDs {
		if _, still := cur[id]; still {
			continue
		}
		if _, explicit := r.terminalEvents[id]; explicit {
			continue
		}
		completed = append(completed, id)
	}

	// The server has caught up for event-terminated jobs it no longer lists.
	for id := range r.terminalEvents {
		if _, still := cur[id]; !still {
			delete(r.terminalEvents, id)
		}
	}

	changed := len(completed) > 0 || !sameIDSet(r.prevActiveIDs, cur)
	r.snapshot = snap
	r.prevActiveIDs = cur

	for _, job := range snap.ActiveJobs {
		r.syncLocalTaskLocked(job)
	}
	r.mu.Unlock()

	for _, id := range completed {
		r.finishJob(id, models.JobStatusCompleted, "Completed")
	}

	if changed {
		_ = r.bus.PublishJSON(events.EventQueueUpdated, map[string]int{
			"active_jobs": len(snap.ActiveJobs),
		})
	}
}

// ApplyEvent applies an incremental queue_update. Terminal events take effect
// immediately and are never overridden by a later snapshot.
func (r *Reconciler) ApplyEvent(event, jobID string, data json.RawMessage) {
	switch event {
	case transport.EventJobStarted:
		r.mu.Lock()
		if task := r.taskByJobIDLocked(jobID); task != nil && !models.IsTerminalTaskStatus(task.Status) {
			task.Status = models.TaskStatusProcessingOnServer
		}
		r.mu.Unlock()
		_ = r.bus.PublishJSON(events.EventJobStarted, events.JobEventPayload{
			JobID:  jobID,
			Status: models.JobStatusProcessing,
		})

	case transport.EventJobProgress:
		var rec models.ProgressRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("discarding malformed progress payload")
			return
		}
		r.progress.Set(context.Background(), jobID, rec)
		_ = r.bus.PublishJSON(events.EventJobProgress, events.JobEventPayload{
			JobID:      jobID,
			Status:     models.JobStatusProcessing,
			Message:    rec.Message,
			Percentage: rec.EffectivePercentage(),
		})

	case transport.EventJobCompleted:
		r.recordTerminalEvent(jobID, models.JobStatusCompleted)
		r.finishJob(jobID, models.JobStatusCompleted, "Completed")

	case transport.EventJobFailed:
		r.recordTerminalEvent(jobID, models.JobStatusFailed)
		r.finishJob(jobID, models.JobStatusFailed, "Failed")

	case transport.EventJobCancelled:
		r.recordTerminalEvent(jobID, models.JobStatusCancelled)
		r.finishJob(jobID, models.JobStatusCancelled, "Cancelled")

	case transport.EventJobSubmitted:
		// Another session may have submitted; the next snapshot carries it.

	default:
		r.logger.Debug().Str("event", event).Msg("ignoring unknown queue event")
	}
}

// ResolveFromPoll applies a terminal status discovered by the polling
// fallback. The timeout status only exists on this path.
func (r *Reconciler) ResolveFromPoll(jobID, status string, _ json.RawMessage) {
	switch status {
	case models.JobStatusCompleted:
		r.recordTerminalEvent(jobID, status)
		r.finishJob(jobID, status, "Completed")
	case models.JobStatusFailed:
		r.recordTerminalEvent(jobID, status)
		r.finishJob(jobID, status, "Failed")
	case models.JobStatusTimeout:
		r.recordTerminalEvent(jobID, status)
		r.finishJob(jobID, status, "Timed out waiting for the server")
	}
}

// View returns the reconciled read-only state.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := append([]models.Job(nil), r.snapshot.ActiveJobs...)
	tasks := make([]models.LocalTask, 0, len(r.localTasks))
	for _, t := range r.localTasks {
		tasks = append(tasks, *t)
	}
	return View{
		ActiveJobs:    jobs,
		LocalTasks:    tasks,
		Notifications: r.progress.Completed(),
	}
}

// Stop cancels all pending retirement timers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *Reconciler) recordTerminalEvent(jobID, status string) {
	r.mu.Lock()
	r.terminalEvents[jobID] = status
	r.mu.Unlock()
}

// finishJob applies a terminal transition exactly once per job: notification
// set membership is idempotent and re-finishing an already terminal task is a
// no-op.
func (r *Reconciler) finishJob(jobID, status, message string) {
	ctx := context.Background()

	r.mu.Lock()
	if _, done := r.finished[jobID]; done {
		r.mu.Unlock()
		return
	}
	r.finished[jobID] = struct{}{}
	task := r.taskByJobIDLocked(jobID)
	if task != nil && !models.IsTerminalTaskStatus(task.Status) {
		task.Status = taskStatusFor(status)
	}
	r.mu.Unlock()

	// Completion lands in the notification set even when no local task
	// matches: jobs submitted by another session stay visible here.
	if status == models.JobStatusCompleted {
		r.progress.MarkCompleted(ctx, jobID)
	}

	rec, _ := r.progress.Get(jobID)
	rec.Message = message
	if status == models.JobStatusCompleted {
		rec.Percentage = 100
	}
	r.progress.Set(ctx, jobID, rec)

	metrics.IncJob(status)
	_ = r.bus.PublishJSON(eventTypeFor(status), events.JobEventPayload{
		JobID:   jobID,
		Status:  status,
		Message: message,
	})

	// Keep the terminal record visible briefly, then retire it from the live
	// view; the notification set is the durable trace.
	if task != nil {
		localID := task.LocalID
		r.schedule(r.gracePeriod, func() {
			r.removeLocalTask(localID)
		})
	}
	r.schedule(r.gracePeriod, func() {
		r.progress.Remove(context.Background(), jobID)
		r.forgetJob(jobID)
	})
}

// forgetJob drops the exactly-once bookkeeping once a job is retired from the
// live view; the notification set carries the durable trace.
func (r *Reconciler) forgetJob(jobID string) {
	r.mu.Lock()
	delete(r.finished, jobID)
	delete(r.terminalEvents, jobID)
	r.mu.Unlock()
}

func (r *Reconciler) timeoutLocalTask(localID string) {
	r.mu.Lock()
	task, ok := r.localTasks[localID]
	if !ok || models.IsTerminalTaskStatus(task.Status) {
		r.mu.Unlock()
		return
	}
	task.Status = models.TaskStatusTimeout
	jobID := task.JobID
	r.mu.Unlock()

	r.logger.Warn().Str("local_id", localID).Str("job_id", jobID).Msg("local task timed out without terminal status")
	metrics.IncJob(models.JobStatusTimeout)
	_ = r.bus.PublishJSON(events.EventJobFailed, events.JobEventPayload{
		JobID:   jobID,
		LocalID: localID,
		Status:  models.TaskStatusTimeout,
		Message: "Timed out waiting for the server",
	})

	r.schedule(r.gracePeriod, func() {
		r.removeLocalTask(localID)
	})
}

func (r *Reconciler) removeLocalTask(localID string) {
	r.mu.Lock()
	delete(r.localTasks, localID)
	r.mu.Unlock()
}

func (r *Reconciler) taskByJobIDLocked(jobID string) *models.LocalTask {
	if jobID == "" {
		return nil
	}
	for _, t := range r.localTasks {
		if t.JobID == jobID {
			return t
		}
	}
	return nil
}

// syncLocalTaskLocked mirrors the authoritative job status onto the matching
// local task.
func (r *Reconciler) syncLocalTaskLocked(job models.Job) {
	task := r.taskByJobIDLocked(job.JobID)
	if task == nil || models.IsTerminalTaskStatus(task.Status) {
		return
	}
	switch job.Status {
	case models.JobStatusQueued, models.JobStatusSubmitted:
		task.Status = models.TaskStatusQueuedOnServer
	case models.JobStatusProcessing:
		task.Status = models.TaskStatusProcessingOnServer
	}
}

// schedule arms a one-shot timer and forgets it once it has fired, keeping
// the pending set bounded over the daemon's lifetime.
func (r *Reconciler) schedule(d time.Duration, fn func()) {
	r.mu.Lock()
	id := r.timerSeq
	r.timerSeq++
	r.timers[id] = time.AfterFunc(d, func() {
		fn()
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
	})
	r.mu.Unlock()
}

func taskStatusFor(jobStatus string) string {
	switch jobStatus {
	case models.JobStatusCompleted:
		return models.TaskStatusCompleted
	case models.JobStatusTimeout:
		return models.TaskStatusTimeout
	default:
		return models.TaskStatusFailed
	}
}

func eventTypeFor(jobStatus string) string {
	switch jobStatus {
	case models.JobStatusCompleted:
		return events.EventJobCompleted
	case models.JobStatusCancelled:
		return events.EventJobCancelled
	default:
		return events.EventJobFailed
	}
}

func sameIDSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
