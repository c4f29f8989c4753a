package polling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"jobtrack/internal/models"
	"jobtrack/internal/serverapi"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAPI returns the scripted responses in order, repeating the last one.
type scriptedAPI struct {
	mu        sync.Mutex
	responses []pollResponse
	calls     int
}

type pollResponse struct {
	status string
	err    error
}

func (s *scriptedAPI) SubmitJob(ctx context.Context, entityType, entityID string) (*serverapi.SubmitResponse, error) {
	return nil, errors.New("not used")
}

func (s *scriptedAPI) JobStatus(ctx context.Context, jobID string) (*serverapi.JobStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	r := s.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &serverapi.JobStatusResponse{Status: r.status}, nil
}

func newTestPoller(api *scriptedAPI) *Poller {
	logger := zerolog.New(io.Discard)
	p := NewPoller(api, &logger)
	p.interval = 10 * time.Millisecond
	p.ceiling = 500 * time.Millisecond
	return p
}

type terminalCapture struct {
	mu      sync.Mutex
	jobID   string
	status  string
	calls   int
	results []json.RawMessage
}

func (c *terminalCapture) fn(jobID, status string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobID = jobID
	c.status = status
	c.calls++
	c.results = append(c.results, result)
}

func TestPollCompletes(t *testing.T) {
	api := &scriptedAPI{responses: []pollResponse{
		{status: models.JobStatusProcessing},
		{status: models.JobStatusProcessing},
		{status: models.JobStatusCompleted},
	}}
	p := newTestPoller(api)

	var term terminalCapture
	p.Poll(context.Background(), "j1", term.fn)

	assert.Equal(t, 1, term.calls)
	assert.Equal(t, "j1", term.jobID)
	assert.Equal(t, models.JobStatusCompleted, term.status)
}

func TestPollFailure(t *testing.T) {
	api := &scriptedAPI{responses: []pollResponse{
		{status: models.JobStatusFailed},
	}}
	p := newTestPoller(api)

	var term terminalCapture
	p.Poll(context.Background(), "j1", term.fn)

	assert.Equal(t, 1, term.calls)
	assert.Equal(t, models.JobStatusFailed, term.status)
}

func TestPollSurvivesTransientErrors(t *testing.T) {
	api := &scriptedAPI{responses: []pollResponse{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{status: models.JobStatusCompleted},
	}}
	p := newTestPoller(api)

	var term terminalCapture
	p.Poll(context.Background(), "j1", term.fn)

	assert.Equal(t, 1, term.calls)
	assert.Equal(t, models.JobStatusCompleted, term.status)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.GreaterOrEqual(t, api.calls, 3)
}

func TestPollCeilingForcesTimeout(t *testing.T) {
	api := &scriptedAPI{responses: []pollResponse{
		{status: models.JobStatusProcessing},
	}}
	p := newTestPoller(api)
	p.ceiling = 100 * time.Millisecond

	var term terminalCapture
	start := time.Now()
	p.Poll(context.Background(), "j1", term.fn)

	require.Equal(t, 1, term.calls, "timeout must be delivered exactly once")
	assert.Equal(t, models.JobStatusTimeout, term.status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollStopsOnContextCancel(t *testing.T) {
	api := &scriptedAPI{responses: []pollResponse{
		{status: models.JobStatusProcessing},
	}}
	p := newTestPoller(api)
	p.ceiling = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	var term terminalCapture
	p.Poll(ctx, "j1", term.fn)
	assert.Equal(t, 0, term.calls, "cancellation is not a terminal status")
}
