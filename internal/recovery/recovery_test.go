package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/docreview/docreview/internal/store"
)

func newRecoveryFixture(t *testing.T) *store.Store {
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
	return s
}

func seedProcessingTask(t *testing.T, s *store.Store) *store.Task {
	t.Helper()
	ctx := context.Background()
	fi, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "sha-" + t.Name(), StoredPath: "/tmp/x", OriginalName: "x.txt", SizeBytes: 1, MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("create file info: %v", err)
	}
	if err := s.SeedAIModel(ctx, store.AIModel{ID: "model-1", Key: "model-1", Provider: "mock", IsDefault: true}); err != nil {
		t.Fatalf("seed ai model: %v", err)
	}
	task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fi.ID, AIModelID: "model-1", Title: "t"}, 5, 3)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}
	if _, _, err := s.ClaimNextQueueEntry(ctx, "worker-1"); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	return task
}

func TestManager_Run_RequeuesStrandedProcessingEntries(t *testing.T) {
	s := newRecoveryFixture(t)
	task := seedProcessingTask(t, s)

	m := New(s)
	res, err := m.Run(context.Background(), nil, 5, 3)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if res.StrandedRequeued != 1 {
		t.Fatalf("expected 1 stranded entry requeued, got %d", res.StrandedRequeued)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusQueued {
		t.Fatalf("expected task requeued to queued, got %q", got.Status)
	}
}

func TestManager_Run_DeadLettersEntriesThatExhaustedRetries(t *testing.T) {
	s := newRecoveryFixture(t)
	task := seedProcessingTask(t, s)
	if _, err := s.DB().ExecContext(context.Background(), `UPDATE queue_entries SET attempts = max_attempts + 1 WHERE task_id = ?;`, task.ID); err != nil {
		t.Fatalf("exhaust attempts: %v", err)
	}

	m := New(s)
	res, err := m.Run(context.Background(), nil, 5, 3)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if res.StrandedDeadLettered != 1 {
		t.Fatalf("expected 1 dead-lettered entry, got %d", res.StrandedDeadLettered)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusFailed {
		t.Fatalf("expected task failed after exhausted retries, got %q", got.Status)
	}
}

func TestManager_Run_ReconcilesOrphanedProcessingTasks(t *testing.T) {
	s := newRecoveryFixture(t)
	task := seedProcessingTask(t, s)
	if _, err := s.DB().ExecContext(context.Background(), `DELETE FROM queue_entries WHERE task_id = ?;`, task.ID); err != nil {
		t.Fatalf("drop queue entry: %v", err)
	}

	m := New(s)
	res, err := m.Run(context.Background(), nil, 5, 3)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if res.OrphanedTasksRequeued != 1 {
		t.Fatalf("expected 1 orphaned task reconciled, got %d", res.OrphanedTasksRequeued)
	}

	entry, err := s.GetQueueEntryByTaskID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get queue entry: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected a queue entry to be re-created for the orphaned task")
	}
}

func TestManager_Run_IsIdempotentWithNothingStranded(t *testing.T) {
	s := newRecoveryFixture(t)
	m := New(s)

	res, err := m.Run(context.Background(), nil, 5, 3)
	if err != nil {
		t.Fatalf("run recovery: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("expected a zero Result on an idle store, got %+v", res)
	}

	res2, err := m.Run(context.Background(), nil, 5, 3)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res2 != (Result{}) {
		t.Fatalf("expected re-running to remain a no-op, got %+v", res2)
	}
}
