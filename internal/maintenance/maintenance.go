// Package maintenance runs the cron-scheduled background sweeps that keep
// the Store healthy between RecoveryManager's one-shot startup pass:
// starvation-prevention priority boosting, a defensive stale-lease reclaim,
// and TaskLog/AIOutput retention pruning.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/store"
)

// Config holds the Sweeper's dependencies, sweep intervals, and retention
// windows. Zero-value durations fall back to sensible defaults in New.
type Config struct {
	Store  *store.Store
	Queue  *queue.Queue
	Logger *slog.Logger

	// PriorityBoostThreshold is how long a QueueEntry may sit queued before
	// its priority is bumped.
	PriorityBoostThreshold time.Duration
	PriorityBoostInterval  time.Duration

	// StaleLeaseMaxAge is how long a QueueEntry may sit processing before
	// ReclaimStaleProcessing treats it as abandoned.
	StaleLeaseMaxAge       time.Duration
	StaleLeaseInterval     time.Duration
	RetentionTaskLogs      time.Duration
	RetentionAIOutputs     time.Duration
	RetentionSweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PriorityBoostThreshold <= 0 {
		c.PriorityBoostThreshold = 300 * time.Second
	}
	if c.PriorityBoostInterval <= 0 {
		c.PriorityBoostInterval = 30 * time.Second
	}
	if c.StaleLeaseMaxAge <= 0 {
		c.StaleLeaseMaxAge = 30 * time.Minute
	}
	if c.StaleLeaseInterval <= 0 {
		c.StaleLeaseInterval = 5 * time.Minute
	}
	if c.RetentionTaskLogs <= 0 {
		c.RetentionTaskLogs = 90 * 24 * time.Hour
	}
	if c.RetentionAIOutputs <= 0 {
		c.RetentionAIOutputs = 90 * 24 * time.Hour
	}
	if c.RetentionSweepInterval <= 0 {
		c.RetentionSweepInterval = 5 * time.Minute
	}
	return c
}

// Sweeper owns a robfig/cron engine running three independent jobs: none of
// them take user-supplied cron expressions, so each is registered with an
// "@every" interval descriptor rather than a 5-field schedule.
type Sweeper struct {
	store  *store.Store
	queue  *queue.Queue
	logger *slog.Logger
	cfg    Config
	cron   *cronlib.Cron
}

func New(cfg Config) *Sweeper {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: cfg.Store, queue: cfg.Queue, logger: logger, cfg: cfg}
}

// Start registers and starts all three sweep jobs. ctx governs the
// lifetime of each individual sweep run, not the cron engine itself; call
// Stop to halt scheduling and wait for any in-flight run to finish.
func (m *Sweeper) Start(ctx context.Context) error {
	m.cron = cronlib.New()

	if _, err := m.cron.AddFunc(everySpec(m.cfg.PriorityBoostInterval), func() { m.runPriorityBoost(ctx) }); err != nil {
		return fmt.Errorf("register priority boost sweep: %w", err)
	}
	if _, err := m.cron.AddFunc(everySpec(m.cfg.StaleLeaseInterval), func() { m.runStaleLeaseReclaim(ctx) }); err != nil {
		return fmt.Errorf("register stale lease sweep: %w", err)
	}
	if _, err := m.cron.AddFunc(everySpec(m.cfg.RetentionSweepInterval), func() { m.runRetention(ctx) }); err != nil {
		return fmt.Errorf("register retention sweep: %w", err)
	}

	m.cron.Start()
	return nil
}

// Stop halts the cron engine and blocks until any currently running job
// returns.
func (m *Sweeper) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d.String())
}

func (m *Sweeper) runPriorityBoost(ctx context.Context) {
	boosted, err := m.queue.RunPriorityBoostSweep(ctx, m.cfg.PriorityBoostThreshold)
	if err != nil {
		m.logger.Error("priority boost sweep failed", "error", err)
		return
	}
	if boosted > 0 {
		m.logger.Info("priority boost sweep", "boosted", boosted, "threshold", m.cfg.PriorityBoostThreshold)
	}
}

func (m *Sweeper) runStaleLeaseReclaim(ctx context.Context) {
	requeued, deadLettered, err := m.store.ReclaimStaleProcessing(ctx, m.cfg.StaleLeaseMaxAge)
	if err != nil {
		m.logger.Error("stale lease reclaim sweep failed", "error", err)
		return
	}
	if requeued > 0 || deadLettered > 0 {
		m.logger.Info("stale lease reclaim sweep",
			"requeued", requeued,
			"dead_lettered", deadLettered,
			"max_age", m.cfg.StaleLeaseMaxAge,
		)
	}
}

func (m *Sweeper) runRetention(ctx context.Context) {
	logsDeleted, err := m.store.PruneFinishedTaskLogs(ctx, m.cfg.RetentionTaskLogs)
	if err != nil {
		m.logger.Error("task log retention sweep failed", "error", err)
	}
	outputsDeleted, err := m.store.PruneFinishedAIOutputs(ctx, m.cfg.RetentionAIOutputs)
	if err != nil {
		m.logger.Error("ai output retention sweep failed", "error", err)
	}
	if logsDeleted > 0 || outputsDeleted > 0 {
		m.logger.Info("retention sweep", "task_logs_deleted", logsDeleted, "ai_outputs_deleted", outputsDeleted)
	}
}
