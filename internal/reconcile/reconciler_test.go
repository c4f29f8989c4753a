package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"jobtrack/internal/events"
	"jobtrack/internal/kvstore"
	"jobtrack/internal/models"
	"jobtrack/internal/progress"
	"jobtrack/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel records sent payloads and simulates connectivity.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []interface{}
	sendErr   error
}

func (f *fakeChannel) Send(ctx context.Context, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// eventRecorder collects published events by type.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    string
	Payload events.JobEventPayload
}

func (r *eventRecorder) PublishJSON(eventType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := recordedEvent{Type: eventType}
	if p, ok := payload.(events.JobEventPayload); ok {
		ev.Payload = p
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) countByType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeChannel, *eventRecorder, *progress.Store) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	prog := progress.NewStore(kvstore.NewMemoryStore(), &logger)
	ch := &fakeChannel{connected: true}
	rec := &eventRecorder{}
	r := NewReconciler(ch, prog, rec, &logger)
	t.Cleanup(r.Stop)
	return r, ch, rec, prog
}

func snapshotOf(ids ...string) models.QueueSnapshot {
	snap := models.QueueSnapshot{}
	for _, id := range ids {
		snap.ActiveJobs = append(snap.ActiveJobs, models.Job{JobID: id, Status: models.JobStatusProcessing})
	}
	return snap
}

func TestSubmitAndAcknowledge(t *testing.T) {
	r, _, rec, _ := newTestReconciler(t)

	localID := r.Submit(models.LocalTask{Type: models.EntityTypeImage, Title: "photo.jpg"})
	require.NotEmpty(t, localID)

	view := r.View()
	require.Len(t, view.LocalTasks, 1)
	assert.Equal(t, models.TaskStatusPending, view.LocalTasks[0].Status)
	assert.Equal(t, 1, rec.countByType(events.EventJobSubmitted))

	r.Acknowledge(localID, "srv-1")
	view = r.View()
	assert.Equal(t, "srv-1", view.LocalTasks[0].JobID)
	assert.Equal(t, models.TaskStatusQueuedOnServer, view.LocalTasks[0].Status)
}

func TestSnapshotReplacesWholesale(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)

	r.ApplySnapshot(snapshotOf("a", "b"))
	assert.Len(t, r.View().ActiveJobs, 2)

	r.ApplySnapshot(snapshotOf("c"))
	view := r.View()
	require.Len(t, view.ActiveJobs, 1)
	assert.Equal(t, "c", view.ActiveJobs[0].JobID)
}

func TestSnapshotDiffInfersCompletion(t *testing.T) {
	r, _, rec, prog := newTestReconciler(t)

	r.ApplySnapshot(snapshotOf("a", "b"))
	r.ApplySnapshot(snapshotOf("b"))

	assert.Equal(t, []string{"a"}, prog.Completed())
	assert.Equal(t, 1, rec.countByType(events.EventJobCompleted))

	// A later snapshot without "a" must not complete it again.
	r.ApplySnapshot(snapshotOf("b"))
	assert.Equal(t, 1, rec.countByType(events.EventJobCompleted))
}

func TestTerminalEventWinsOverStaleSnapshot(t *testing.T) {
	r, _, rec, prog := newTestReconciler(t)

	r.ApplySnapshot(snapshotOf("a"))
	r.ApplyEvent(transport.EventJobFailed, "a", nil)

	// Stale snapshot still lists "a" as active; the event already ended it.
	r.ApplySnapshot(snapshotOf("a", "b"))
	for _, job := range r.View().ActiveJobs {
		assert.NotEqual(t, "a", job.JobID, "event-terminated job must not reappear")
	}

	// Once the server stops listing it, the disappearance must not be read as
	// a completion: the job failed.
	r.ApplySnapshot(snapshotOf("b"))
	assert.Empty(t, prog.Completed())
	assert.Equal(t, 0, rec.countByType(events.EventJobCompleted))
	assert.Equal(t, 1, rec.countByType(events.EventJobFailed))
}

func TestTerminalTransitionIsExactlyOnce(t *testing.T) {
	r, _, rec, prog := newTestReconciler(t)

	r.ApplySnapshot(snapshotOf("a"))
	r.ApplyEvent(transport.EventJobCompleted, "a", nil)
	r.ApplyEvent(transport.EventJobCompleted, "a", nil)
	r.ResolveFromPoll("a", models.JobStatusCompleted, nil)
	r.ApplySnapshot(snapshotOf())

	assert.Equal(t, 1, rec.countByType(events.EventJobCompleted))
	assert.Equal(t, []string{"a"}, prog.Completed())
}

func TestCompletedJobLandsInNotificationsWithoutLocalTask(t *testing.T) {
	r, _, _, prog := newTestReconciler(t)

	// Job submitted by another session: no local task exists for it.
	r.ApplyEvent(transport.EventJobCompleted, "other-session-job", nil)
	assert.Equal(t, []string{"other-session-job"}, prog.Completed())
}

func TestProgressEvent(t *testing.T) {
	r, _, _, prog := newTestReconciler(t)

	data, _ := json.Marshal(models.ProgressRecord{Current: 2, Total: 4, Percentage: 50, Message: "Scanning"})
	r.ApplyEvent(transport.EventJobProgress, "a", data)

	rec, ok := prog.Get("a")
	require.True(t, ok)
	assert.Equal(t, 50.0, rec.Percentage)

	// Malformed progress payloads are dropped.
	r.ApplyEvent(transport.EventJobProgress, "b", []byte("{broken"))
	_, ok = prog.Get("b")
	assert.False(t, ok)
}

func TestCancelRequiresChannel(t *testing.T) {
	r, ch, _, _ := newTestReconciler(t)

	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()
	err := r.Cancel(context.Background(), "a")
	assert.Error(t, err)

	ch.mu.Lock()
	ch.connected = true
	ch.mu.Unlock()
	require.NoError(t, r.Cancel(context.Background(), "a"))

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.sent, 1)
	req, ok := ch.sent[0].(transport.CancelRequest)
	require.True(t, ok)
	assert.Equal(t, "a", req.JobID)
}

func TestCancelSendFailure(t *testing.T) {
	r, ch, _, _ := newTestReconciler(t)
	ch.sendErr = errors.New("write failed")

	err := r.Cancel(context.Background(), "a")
	assert.Error(t, err)
}

func TestFailLocal(t *testing.T) {
	r, _, rec, _ := newTestReconciler(t)

	localID := r.Submit(models.LocalTask{Type: models.EntityTypeScene})
	r.FailLocal(localID, "Submit failed")

	view := r.View()
	require.Len(t, view.LocalTasks, 1)
	assert.Equal(t, models.TaskStatusFailed, view.LocalTasks[0].Status)
	assert.Equal(t, 1, rec.countByType(events.EventJobFailed))

	// A second failure for the same task is ignored.
	r.FailLocal(localID, "again")
	assert.Equal(t, 1, rec.countByType(events.EventJobFailed))
}

func TestGracePeriodRetiresTask(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)
	r.gracePeriod = 30 * time.Millisecond

	localID := r.Submit(models.LocalTask{Type: models.EntityTypeGallery})
	r.Acknowledge(localID, "srv-9")
	r.ApplyEvent(transport.EventJobCompleted, "srv-9", nil)

	// Within the grace period the terminal task is still visible.
	view := r.View()
	require.Len(t, view.LocalTasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, view.LocalTasks[0].Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.View().LocalTasks) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, r.View().LocalTasks, "terminal task must retire after the grace period")
}

func TestAbsoluteTimeout(t *testing.T) {
	r, _, rec, _ := newTestReconciler(t)
	r.absoluteTimeout = 30 * time.Millisecond
	r.gracePeriod = time.Hour

	r.Submit(models.LocalTask{Type: models.EntityTypeImage})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view := r.View()
		if len(view.LocalTasks) == 1 && view.LocalTasks[0].Status == models.TaskStatusTimeout {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	view := r.View()
	require.Len(t, view.LocalTasks, 1)
	assert.Equal(t, models.TaskStatusTimeout, view.LocalTasks[0].Status)
	assert.Equal(t, 1, rec.countByType(events.EventJobFailed))
}

func TestSnapshotSyncsLocalTaskStatus(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)

	localID := r.Submit(models.LocalTask{Type: models.EntityTypeImage})
	r.Acknowledge(localID, "srv-1")

	r.ApplySnapshot(snapshotOf("srv-1"))
	view := r.View()
	require.Len(t, view.LocalTasks, 1)
	assert.Equal(t, models.TaskStatusProcessingOnServer, view.LocalTasks[0].Status)
}

func TestHandleMessageRouting(t *testing.T) {
	r, _, rec, _ := newTestReconciler(t)

	snap := snapshotOf("a")
	r.HandleMessage(transport.Message{Type: transport.MessageTypeQueueStatus, QueueStatus: &snap})
	assert.Len(t, r.View().ActiveJobs, 1)

	r.HandleMessage(transport.Message{Type: transport.MessageTypeQueueUpdate, Event: transport.EventJobCompleted, JobID: "a"})
	assert.Equal(t, 1, rec.countByType(events.EventJobCompleted))

	// Unknown types and snapshot-less status messages are ignored.
	r.HandleMessage(transport.Message{Type: "mystery"})
	r.HandleMessage(transport.Message{Type: transport.MessageTypeQueueStatus})
}

func TestPollTimeout(t *testing.T) {
	r, _, rec, _ := newTestReconciler(t)

	localID := r.Submit(models.LocalTask{Type: models.EntityTypeImage})
	r.Acknowledge(localID, "srv-1")

	r.ResolveFromPoll("srv-1", models.JobStatusTimeout, nil)

	view := r.View()
	require.Len(t, view.LocalTasks, 1)
	assert.Equal(t, models.TaskStatusTimeout, view.LocalTasks[0].Status)
	assert.Equal(t, 1, rec.countByType(events.EventJobFailed))
}

func TestRetirementPrunesBookkeeping(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)
	r.gracePeriod = 30 * time.Millisecond

	localID := r.Submit(models.LocalTask{Type: models.EntityTypeImage, Title: "photo.jpg"})
	r.Acknowledge(localID, "job-1")
	r.ApplyEvent(transport.EventJobCompleted, "job-1", nil)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, finished := r.finished["job-1"]
		_, terminal := r.terminalEvents["job-1"]
		return !finished && !terminal && len(r.localTasks) == 0
	}, time.Second, 10*time.Millisecond, "terminal bookkeeping survived retirement")

	// Only the submission's absolute-timeout timer stays armed.
	r.mu.Lock()
	remaining := len(r.timers)
	r.mu.Unlock()
	assert.Equal(t, 1, remaining)
}
