// Package api exposes the local control HTTP API frontends talk to: job
// submission and cancellation, the reconciled queue view, sync control, and
// the interaction history.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"jobtrack/internal/config"
	"jobtrack/internal/database"
	"jobtrack/internal/interactions"
	"jobtrack/internal/models"
	"jobtrack/internal/progress"
	"jobtrack/internal/service"
	"jobtrack/internal/settings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPServer serves the control API on localhost.
type HTTPServer struct {
	cfg      config.ControlConfig
	tracker  *service.TrackerService
	sync     *interactions.Engine
	settings *settings.Store
	progress *progress.Store
	history  *database.DB
	exports  string
	logger   zerolog.Logger

	server *http.Server
	auth   *HTTPAuth
}

func NewHTTPServer(
	cfg config.ControlConfig,
	tracker *service.TrackerService,
	syncEngine *interactions.Engine,
	settingsStore *settings.Store,
	progressStore *progress.Store,
	history *database.DB,
	exportsPath string,
	logger *zerolog.Logger,
) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		tracker:  tracker,
		sync:     syncEngine,
		settings: settingsStore,
		progress: progressStore,
		history:  history,
		exports:  exportsPath,
		logger:   logger.With().Str("component", "control-api").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", srv.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", srv.handleJobCancel)
	mux.HandleFunc("/api/v1/queue", srv.handleQueue)
	mux.HandleFunc("/api/v1/notifications/", srv.handleNotificationAck)
	mux.HandleFunc("/api/v1/sync/status", srv.handleSyncStatus)
	mux.HandleFunc("/api/v1/sync/force", srv.handleSyncForce)
	mux.HandleFunc("/api/v1/settings", srv.handleSettings)
	mux.HandleFunc("/api/v1/history", srv.handleHistory)
	mux.HandleFunc("/api/v1/history/stats", srv.handleHistoryStats)
	mux.HandleFunc("/api/v1/history/cleanup", srv.handleHistoryCleanup)
	mux.HandleFunc("/api/v1/history/export", srv.handleHistoryExport)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("control API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type request struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Title      string `json:"title"`
	}
	var body request
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !models.IsValidEntityType(body.EntityType) {
		writeError(w, http.StatusBadRequest, "invalid entity_type")
		return
	}
	if strings.TrimSpace(body.EntityID) == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}

	localID, err := s.tracker.SubmitJob(r.Context(), body.EntityType, body.EntityID, body.Title)
	if err != nil {
		// The local task already carries the failed status; the caller still
		// gets its id for display.
		writeJSON(w, http.StatusBadGateway, map[string]string{"local_id": localID, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"local_id": localID})
}

func (s *HTTPServer) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/jobs/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	jobID, action, ok := strings.Cut(rest, "/")
	if !ok || action != "cancel" || jobID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := s.tracker.CancelJob(r.Context(), jobID); err != nil {
		// Cancellation is channel-only, so a down channel is a 409, not a 500.
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	view := s.tracker.View()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_jobs":   view.ActiveJobs,
		"local_tasks":   view.LocalTasks,
		"notifications": view.Notifications,
		"progress":      s.progress.All(),
	})
}

func (s *HTTPServer) handleNotificationAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/notifications/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	jobID, action, ok := strings.Cut(rest, "/")
	if !ok || action != "ack" || jobID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	s.progress.Acknowledge(r.Context(), jobID)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *HTTPServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.sync.GetStatus())
}

func (s *HTTPServer) handleSyncForce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status, err := s.sync.ForceSync(r.Context())
	switch {
	case errors.Is(err, interactions.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, interactions.ErrServerUnhealthy):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.settings.Get())

	case http.MethodPut:
		var body models.SyncSettings
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.settings.Save(r.Context(), body); err != nil {
			// The settings took effect in memory; the caller should know the
			// persist failed.
			writeJSON(w, http.StatusOK, map[string]string{"warning": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s.settings.Get())

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var (
		items []models.Interaction
		err   error
	)
	if session := r.URL.Query().Get("session_id"); session != "" {
		items, err = s.history.BySession(r.Context(), session)
	} else {
		items, err = s.history.Recent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": items})
}

func (s *HTTPServer) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.history.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleHistoryCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = n
	}

	removed, err := s.history.Cleanup(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *HTTPServer) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var (
		path string
		err  error
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		path, err = s.history.ExportJSON(r.Context(), s.exports)
	case "excel", "xlsx":
		path, err = s.history.ExportExcel(r.Context(), s.exports)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format: %s", format))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// HTTPAuth provides API-key auth and per-caller rate limiting.
type HTTPAuth struct {
	cfg      config.ControlConfig
	limiters sync.Map // map[string]*rate.Limiter
}

func NewHTTPAuth(cfg config.ControlConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.APIKey != "" {
			got := strings.TrimSpace(r.Header.Get("X-Api-Key"))
			if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.APIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateRPS <= 0 {
		return nil
	}

	lim := a.getLimiter(clientKey(r))
	if !lim.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func (a *HTTPAuth) getLimiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := a.cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(a.cfg.RateRPS), burst)
	actual, loaded := a.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
