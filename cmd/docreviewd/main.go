// Command docreviewd is the task-processing core's process entrypoint: it
// wires the Store, ResourceGovernor, Queue, WorkerPool, Pipeline, LogBus,
// RecoveryManager, and ShareGuard into a Runtime, then serves the HTTP/
// WebSocket gateway until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docreview/docreview/internal/aiclient"
	"github.com/docreview/docreview/internal/audit"
	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/config"
	"github.com/docreview/docreview/internal/docparse"
	"github.com/docreview/docreview/internal/gateway"
	"github.com/docreview/docreview/internal/governor"
	"github.com/docreview/docreview/internal/logbus"
	"github.com/docreview/docreview/internal/maintenance"
	"github.com/docreview/docreview/internal/pipeline"
	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/recovery"
	"github.com/docreview/docreview/internal/reporter"
	"github.com/docreview/docreview/internal/shareguard"
	"github.com/docreview/docreview/internal/store"
	"github.com/docreview/docreview/internal/telemetry"
	"github.com/docreview/docreview/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	eventBus := bus.NewWithLogger(logger)

	s, err := store.Open(ctx, cfg.Store.DBPath, cfg.Store.BusyTimeoutMs)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer s.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.Store.DBPath)

	if err := seedDefaults(ctx, s, cfg); err != nil {
		fatalStartup(logger, "E_SEED_DEFAULTS", err)
	}

	recResult, err := recovery.New(s).Run(ctx, logger, defaultQueuePriority, cfg.Queue.MaxRetries)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"stranded_requeued", recResult.StrandedRequeued,
		"stranded_dead_lettered", recResult.StrandedDeadLettered,
		"orphaned_tasks_requeued", recResult.OrphanedTasksRequeued,
		"orphaned_child_rows_deleted", recResult.OrphanedChildRowsDeleted)

	gov := governor.New(cfg.Governor.SystemMaxConcurrentTasks, cfg.Governor.UserDefaultMaxConcurrentTasks, cfg.Governor.UserDBConnectionLimit)

	q := queue.New(s, eventBus, cfg.Queue.MaxQueueLength, cfg.Queue.MaxRetries)

	lb := logbus.New(s, eventBus, defaultLogReplayLimit, cfg.LogBus.PerSubBufferMax, logger)
	defer lb.Close()

	aiClient, err := buildAIClient(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_AI_CLIENT_INIT", err)
	}

	pipe := pipeline.New(
		s,
		q,
		docparse.NewDefaultParser(),
		aiClient,
		lb,
		cfg.Pipeline.MaxFileSizeBytes,
		cfg.Pipeline.MergeChunkTargetChars,
		cfg.Pipeline.MergeChunkOverlapChars,
		cfg.Pipeline.PerTaskDetectFanout,
	)

	taskTimeout := time.Duration(cfg.Worker.TaskTimeoutSec) * time.Second
	pool := worker.New(s, q, gov, pipe, logger, cfg.Worker.WorkerPoolSize, taskTimeout)
	pool.Start(ctx)
	logger.Info("startup phase", "phase", "worker_pool_started", "pool_size", cfg.Worker.WorkerPoolSize)

	sweeper := maintenance.New(maintenance.Config{
		Store:                  s,
		Queue:                  q,
		Logger:                 logger,
		PriorityBoostThreshold: time.Duration(cfg.Queue.PriorityBoostThresholdSec) * time.Second,
		RetentionTaskLogs:      time.Duration(cfg.Retention.TaskLogsDays) * 24 * time.Hour,
		RetentionAIOutputs:     time.Duration(cfg.Retention.AIOutputsDays) * 24 * time.Hour,
		RetentionSweepInterval: time.Duration(cfg.Retention.SweepInterval) * time.Second,
	})
	if err := sweeper.Start(ctx); err != nil {
		fatalStartup(logger, "E_MAINTENANCE_START", err)
	}
	defer sweeper.Stop()

	uploadDir := cfg.HomeDir + "/uploads"
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		fatalStartup(logger, "E_UPLOAD_DIR_CREATE", err)
	}

	gw := gateway.New(gateway.Config{
		Store:           s,
		Governor:        gov,
		Queue:           q,
		LogBus:          lb,
		Reporter:        reporter.NewCSVReporter(s),
		Guard:           shareguard.New(s),
		Bus:             eventBus,
		Cancel:          pool.CancelTask,
		AuthToken:       cfg.Gateway.AuthToken,
		AllowOrigins:    cfg.Gateway.AllowOrigins,
		RateLimitPerMin: cfg.Gateway.RateLimitPerMin,
		UploadDir:       uploadDir,
		MaxUploadBytes:  cfg.Pipeline.MaxFileSizeBytes,
		DefaultPriority: defaultQueuePriority,
		MaxRetries:      cfg.Queue.MaxRetries,
		Logger:          logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr)
		if err := gw.ListenAndServe(ctx, cfg.Gateway.BindAddr); err != nil {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("gateway server error", "error", err)
		}
	}

	pool.Shutdown(gracefulShutdownGrace)
	logger.Info("shutdown complete")
}

const (
	defaultQueuePriority  = 5
	defaultLogReplayLimit = 1000
	gracefulShutdownGrace = 30 * time.Second
)

// buildAIClient selects the Detect stage's AIClient implementation per
// cfg.AI.Provider: "mock" for a network-free deterministic fixture, anything
// else resolved against cfg.AI.Providers as a Genkit/Anthropic backend.
func buildAIClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (aiclient.AIClient, error) {
	if cfg.AI.Provider == "mock" {
		logger.Info("ai client selected", "provider", "mock")
		return aiclient.NewMockAIClient(), nil
	}

	providerCfg, ok := cfg.AI.Providers[cfg.AI.Provider]
	if !ok {
		logger.Warn("unknown ai provider configured; falling back to mock", "provider", cfg.AI.Provider)
		return aiclient.NewMockAIClient(), nil
	}
	apiKey := cfg.ProviderAPIKey(cfg.AI.Provider)
	if apiKey == "" {
		logger.Warn("ai provider has no api key configured; falling back to mock", "provider", cfg.AI.Provider)
		return aiclient.NewMockAIClient(), nil
	}
	client, err := aiclient.NewGenkitAIClient(ctx, apiKey, providerCfg.Model)
	if err != nil {
		return nil, fmt.Errorf("init genkit ai client: %w", err)
	}
	logger.Info("ai client selected", "provider", cfg.AI.Provider, "model", providerCfg.Model)
	return client, nil
}

// seedDefaults seeds one system_admin user and one default AIModel on first
// boot: a fresh docreviewd process must be able to accept a submission
// without an external provisioning step.
func seedDefaults(ctx context.Context, s *store.Store, cfg config.Config) error {
	if err := s.SeedUser(ctx, store.User{
		ID:                 "system",
		ExternalUID:        "system",
		DisplayName:        "System Administrator",
		Email:              "admin@local",
		Role:               store.RoleSystemAdmin,
		MaxConcurrentTasks: store.DefaultMaxConcurrentTasks(store.RoleSystemAdmin),
	}); err != nil {
		return fmt.Errorf("seed system_admin user: %w", err)
	}

	provider := cfg.AI.Provider
	providerCfg := cfg.AI.Providers[provider]
	if err := s.SeedAIModel(ctx, store.AIModel{
		ID:         "default",
		Key:        provider,
		Provider:   provider,
		ConfigJSON: fmt.Sprintf(`{"model":%q}`, providerCfg.Model),
		IsDefault:  true,
	}); err != nil {
		return fmt.Errorf("seed default ai model: %w", err)
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
