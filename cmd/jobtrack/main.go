package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"jobtrack/internal/api"
	"jobtrack/internal/config"
	"jobtrack/internal/database"
	"jobtrack/internal/events"
	"jobtrack/internal/interactions"
	"jobtrack/internal/kvstore"
	"jobtrack/internal/logging"
	"jobtrack/internal/metrics"
	"jobtrack/internal/polling"
	"jobtrack/internal/progress"
	"jobtrack/internal/reconcile"
	"jobtrack/internal/serverapi"
	"jobtrack/internal/service"
	"jobtrack/internal/settings"
	"jobtrack/internal/transport"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("interaction history init failed")
		return err
	}
	defer db.Close()

	redisClient, kv := initKVStore(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	settingsStore := settings.NewStore(kv, &logger)
	syncSettings, err := settingsStore.Load(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("stored sync settings unavailable, using defaults")
	}

	progressStore := progress.NewStore(kv, &logger)
	if err := progressStore.LoadAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("persisted progress unavailable, starting empty")
	}

	apiClient := serverapi.NewClient(cfg.Server, &logger)
	eventBus := events.NewEventBus()

	channel := transport.NewChannel(cfg.Server.WebSocketURL, &logger)
	reconciler := reconcile.NewReconciler(channel, progressStore, eventBus, &logger)
	channel.OnMessage(reconciler.HandleMessage)
	channel.OnClose(func(code websocket.StatusCode, reason string) {
		logger.Info().Int("code", int(code)).Str("reason", reason).Msg("queue channel lost")
	})

	syncEngine := interactions.NewEngine(apiClient, db, eventBus, syncSettings, &logger)
	settingsStore.Subscribe(syncEngine.UpdateSettings)
	go syncEngine.Run(ctx)

	poller := polling.NewPoller(apiClient, &logger)
	sessionID := uuid.NewString()
	tracker := service.NewTrackerService(ctx, apiClient, channel, reconciler, poller, syncEngine, sessionID, &logger)

	if cfg.Control.Enabled {
		controlServer := api.NewHTTPServer(cfg.Control, tracker, syncEngine, settingsStore, progressStore, db, cfg.Exports.Path, &logger)
		go func() {
			if err := controlServer.Start(); err != nil {
				logger.Error().Err(err).Msg("control API error")
			}
		}()
		defer func() {
			_ = controlServer.Shutdown(context.Background())
		}()
	}

	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(cfg.Monitoring.PrometheusPort, &logger)
	}

	if err := channel.Connect(ctx); err != nil {
		// Not fatal: polling covers job status until the channel comes up.
		logger.Warn().Err(err).Msg("queue channel unavailable at startup")
	}

	logger.Info().Str("session_id", sessionID).Msg("job tracker running")
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	reconciler.Stop()
	channel.Shutdown()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "main").Logger()
	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if cfg == nil {
		return os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("creating database directory failed")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("creating export directory failed")
		return err
	}
	return nil
}

// initKVStore builds the persistence layer for settings and progress: redis
// when configured, an in-process fallback always, failover between the two.
func initKVStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, kvstore.Store) {
	var redisClient *redis.Client
	var primary kvstore.Store

	if cfg.Redis.Address != "" {
		redisClient = kvstore.NewRedisClient(cfg.Redis)
		if err := kvstore.Ping(ctx, redisClient); err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable")
		}
		primary = kvstore.NewRedisStore(redisClient)
	}

	fallback := kvstore.NewMemoryStore()
	if primary == nil {
		return nil, fallback
	}
	return redisClient, kvstore.NewFailoverStore(primary, fallback, logger)
}

func serveMetrics(port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info().Int("port", port).Msg("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
