// Package serverapi is the REST client for the remote AI processing service.
// The websocket channel in internal/transport is the primary status source;
// these endpoints cover submission, the polling fallback, and telemetry.
package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"jobtrack/internal/config"
	"jobtrack/internal/models"

	"github.com/rs/zerolog"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg config.ServerConfig, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		logger: logger.With().Str("component", "serverapi").Logger(),
	}
}

// SubmitResponse is returned by the synchronous submit endpoint.
type SubmitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

// JobStatusResponse is the per-job poll result.
type JobStatusResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HealthResponse reports service and dependency health; it gates sync cycles.
type HealthResponse struct {
	Status          string `json:"status"`
	DatabaseHealthy bool   `json:"database_healthy"`
}

// SyncResponse is the accounting result of a batched interaction delivery.
type SyncResponse struct {
	SyncedCount int `json:"synced_count"`
	FailedCount int `json:"failed_count"`
}

// ServerSyncStatus mirrors GET /interactions/status.
type ServerSyncStatus struct {
	DatabaseHealthy bool `json:"database_healthy"`
	SyncEnabled     bool `json:"sync_enabled"`
}

// SubmitJob submits an entity for processing and returns the assigned job id.
func (c *Client) SubmitJob(ctx context.Context, entityType, entityID string) (*SubmitResponse, error) {
	body := map[string]string{"entity_id": entityID}
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/queue/submit/"+entityType, body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("submit rejected: %s", resp.Message)
	}
	return &resp, nil
}

// JobStatus fetches the current status of a single job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatusResponse, error) {
	var resp JobStatusResponse
	if err := c.do(ctx, http.MethodGet, "/queue/status/"+jobID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks service and dependency status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrackInteraction delivers a single interaction on the low-latency path.
func (c *Client) TrackInteraction(ctx context.Context, interaction *models.Interaction) error {
	return c.do(ctx, http.MethodPost, "/interactions/track", interaction, nil)
}

// SyncInteractions delivers a batch of interactions in one call.
func (c *Client) SyncInteractions(ctx context.Context, batch []models.Interaction) (*SyncResponse, error) {
	var resp SyncResponse
	if err := c.do(ctx, http.MethodPost, "/interactions/sync", batch, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncStatus fetches the server-side view of interaction sync.
func (c *Client) SyncStatus(ctx context.Context) (*ServerSyncStatus, error) {
	var resp ServerSyncStatus
	if err := c.do(ctx, http.MethodGet, "/interactions/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("ApiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
