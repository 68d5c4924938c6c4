package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/store"
)

func newMaintenanceFixture(t *testing.T) (*store.Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "docreview.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.SeedUser(ctx, store.User{ID: "u1", ExternalUID: "u1-ext", DisplayName: "u1", Email: "u1@x.com", Role: store.RoleUser, MaxConcurrentTasks: 10}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	fi, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "sha-mx", StoredPath: "/tmp/mx", OriginalName: "mx.txt", SizeBytes: 1, MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("create file info: %v", err)
	}
	if err := s.SeedAIModel(ctx, store.AIModel{ID: "model-1", Key: "model-1", Provider: "mock", IsDefault: true}); err != nil {
		t.Fatalf("seed ai model: %v", err)
	}
	return s, fi.ID, "model-1"
}

func TestSweeper_RunPriorityBoost_BoostsOnlyEntriesOlderThanThreshold(t *testing.T) {
	s, fi, model := newMaintenanceFixture(t)
	ctx := context.Background()

	task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fi, AIModelID: model, Title: "t"}, 5, 3)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE queue_entries SET queued_at = datetime('now', '-1 hour') WHERE task_id = ?;`, task.ID); err != nil {
		t.Fatalf("backdate queued_at: %v", err)
	}

	q := queue.New(s, bus.New(), 200, 3)
	m := New(Config{Store: s, Queue: q, PriorityBoostThreshold: 5 * time.Minute})
	m.runPriorityBoost(ctx)

	entry, err := s.GetQueueEntryByTaskID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get queue entry: %v", err)
	}
	if entry.Priority != 6 {
		t.Fatalf("expected priority boosted to 6, got %d", entry.Priority)
	}
}

func TestSweeper_RunStaleLeaseReclaim_RequeuesEntriesPastMaxAge(t *testing.T) {
	s, fi, model := newMaintenanceFixture(t)
	ctx := context.Background()

	task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fi, AIModelID: model, Title: "t"}, 5, 3)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if _, _, err := s.ClaimNextQueueEntry(ctx, "worker-1"); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE queue_entries SET started_at = datetime('now', '-1 hour') WHERE task_id = ?;`, task.ID); err != nil {
		t.Fatalf("backdate started_at: %v", err)
	}

	m := New(Config{Store: s, StaleLeaseMaxAge: 10 * time.Minute})
	m.runStaleLeaseReclaim(ctx)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusQueued {
		t.Fatalf("expected stale lease requeued to queued, got %q", got.Status)
	}
}

func TestSweeper_RunStaleLeaseReclaim_LeavesFreshLeasesAlone(t *testing.T) {
	s, fi, model := newMaintenanceFixture(t)
	ctx := context.Background()

	task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fi, AIModelID: model, Title: "t"}, 5, 3)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if _, _, err := s.ClaimNextQueueEntry(ctx, "worker-1"); err != nil {
		t.Fatalf("claim task: %v", err)
	}

	m := New(Config{Store: s, StaleLeaseMaxAge: 30 * time.Minute})
	m.runStaleLeaseReclaim(ctx)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusProcessing {
		t.Fatalf("expected a fresh lease to remain processing, got %q", got.Status)
	}
}

func TestSweeper_RunRetention_PrunesLogsAndOutputsOnlyForOldFinishedTasks(t *testing.T) {
	s, fi, model := newMaintenanceFixture(t)
	ctx := context.Background()

	task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fi, AIModelID: model, Title: "t"}, 5, 3)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if _, err := s.AppendLog(ctx, store.TaskLog{TaskID: task.ID, Level: store.LogLevelInfo, Module: "pipeline", Message: "started"}); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if _, _, err := s.ClaimNextQueueEntry(ctx, "worker-1"); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if err := s.CommitTaskSuccess(ctx, task.ID, nil, nil); err != nil {
		t.Fatalf("commit task success: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE tasks SET completed_at = datetime('now', '-100 days') WHERE id = ?;`, task.ID); err != nil {
		t.Fatalf("backdate completed_at: %v", err)
	}

	m := New(Config{Store: s, RetentionTaskLogs: 90 * 24 * time.Hour, RetentionAIOutputs: 90 * 24 * time.Hour})
	m.runRetention(ctx)

	logs, err := s.ListLastLogs(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list last logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected logs pruned for a long-finished task, got %d", len(logs))
	}
}

func TestSweeper_StartAndStop_RegistersAllThreeJobsWithoutError(t *testing.T) {
	s, _, _ := newMaintenanceFixture(t)
	m := New(Config{
		Store:                  s,
		PriorityBoostInterval:  time.Minute,
		StaleLeaseInterval:     time.Minute,
		RetentionSweepInterval: time.Minute,
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start sweeper: %v", err)
	}
	entries := m.cron.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 registered cron entries, got %d", len(entries))
	}
	m.Stop()
}
