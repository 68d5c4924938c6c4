// Package recovery implements the RecoveryManager (C7): a one-shot
// reconciliation pass run once at process startup, before the WorkerPool
// begins claiming work, so no in-flight crash state is left for a live
// worker to collide with.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docreview/docreview/internal/store"
)

// Manager runs the startup reconciliation sweep.
type Manager struct {
	store *store.Store
}

func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Result summarizes one reconciliation pass, suitable for a single
// structured startup log line.
type Result struct {
	StrandedRequeued         int64
	StrandedDeadLettered     int64
	OrphanedTasksRequeued    int64
	OrphanedChildRowsDeleted int64
}

// Run performs, in order: (1) requeue QueueEntry rows stranded in
// processing by a prior crash, dead-lettering any that already exhausted
// max_attempts; (2) re-enqueue Task rows left in processing with no
// matching QueueEntry; (3) delete Issue/AIOutput/TaskLog rows whose
// task_id no longer exists. Idempotent and safe to re-run; a second call
// with nothing stranded returns a zero Result.
func (m *Manager) Run(ctx context.Context, logger *slog.Logger, defaultPriority, maxAttempts int) (Result, error) {
	var res Result

	requeued, deadLettered, err := m.store.RequeueStrandedProcessing(ctx)
	if err != nil {
		return res, fmt.Errorf("requeue stranded processing: %w", err)
	}
	res.StrandedRequeued = requeued
	res.StrandedDeadLettered = deadLettered

	orphanedTasks, err := m.store.ReconcileOrphanedProcessingTasks(ctx, defaultPriority, maxAttempts)
	if err != nil {
		return res, fmt.Errorf("reconcile orphaned processing tasks: %w", err)
	}
	res.OrphanedTasksRequeued = orphanedTasks

	orphanedRows, err := m.store.DeleteOrphanedChildRows(ctx)
	if err != nil {
		return res, fmt.Errorf("delete orphaned child rows: %w", err)
	}
	res.OrphanedChildRowsDeleted = orphanedRows

	if logger != nil {
		logger.Info("startup phase",
			"phase", "recovery_scan_completed",
			"stranded_requeued", res.StrandedRequeued,
			"stranded_dead_lettered", res.StrandedDeadLettered,
			"orphaned_tasks_requeued", res.OrphanedTasksRequeued,
			"orphaned_child_rows_deleted", res.OrphanedChildRowsDeleted,
		)
	}
	return res, nil
}
