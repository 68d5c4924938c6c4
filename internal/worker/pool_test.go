package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/governor"
	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/store"
)

type fakePipeline struct {
	mu       sync.Mutex
	runs     []string
	fn       func(ctx context.Context, taskID string) error
	started  chan struct{}
	release  chan struct{}
}

func (f *fakePipeline) Run(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.runs = append(f.runs, taskID)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(ctx, taskID)
	}
	return nil
}

func (f *fakePipeline) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newTestDeps(t *testing.T) (*store.Store, *queue.Queue, *governor.Governor, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "docreview.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	eventBus := bus.New()
	q := queue.New(s, eventBus, 100, 3)
	g := governor.New(10, 10, 5)
	return s, q, g, eventBus
}

func seedPoolFixtures(t *testing.T, s *store.Store, userID string) (fileInfoID, aiModelID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.SeedUser(ctx, store.User{ID: userID, ExternalUID: userID + "-ext", DisplayName: userID, Email: userID + "@x.com", Role: store.RoleUser, MaxConcurrentTasks: 10}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	fi, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "sha-" + userID, StoredPath: "/tmp/" + userID, OriginalName: "doc.pdf", SizeBytes: 10, MimeType: "application/pdf"})
	if err != nil {
		t.Fatalf("create file info: %v", err)
	}
	if err := s.SeedAIModel(ctx, store.AIModel{ID: "model-" + userID, Key: "model-" + userID, Provider: "anthropic", IsDefault: true}); err != nil {
		t.Fatalf("seed ai model: %v", err)
	}
	return fi.ID, "model-" + userID
}

func TestPool_ClaimsAndRunsPipelineOnQueuedTask(t *testing.T) {
	s, q, g, _ := newTestDeps(t)
	fileInfoID, aiModelID := seedPoolFixtures(t, s, "u1")
	ctx := context.Background()

	task, _, err := q.Enqueue(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fileInfoID, AIModelID: aiModelID, Title: "review"}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	started := make(chan struct{}, 1)
	pipeline := &fakePipeline{started: started}

	pool := New(s, q, g, pipeline, slog.Default(), 2, 0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(runCtx)
	defer pool.Shutdown(time.Second)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("expected pipeline to be invoked")
	}

	if pipeline.runCount() != 1 {
		t.Fatalf("expected exactly one run, got %d", pipeline.runCount())
	}
	if pipeline.runs[0] != task.ID {
		t.Fatalf("expected pipeline run for %s, got %s", task.ID, pipeline.runs[0])
	}
}

func TestPool_PipelineFatalErrorMarksTaskFailed(t *testing.T) {
	s, q, g, _ := newTestDeps(t)
	fileInfoID, aiModelID := seedPoolFixtures(t, s, "u1")
	ctx := context.Background()

	task, _, err := q.Enqueue(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fileInfoID, AIModelID: aiModelID, Title: "review"}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pipeline := &fakePipeline{fn: func(ctx context.Context, taskID string) error {
		return docerr.New(docerr.KindFatal, docerr.CodeUnsupportedFormat, "bad format")
	}}

	pool := New(s, q, g, pipeline, slog.Default(), 1, 0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(runCtx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == store.TaskStatusFailed {
			pool.Shutdown(time.Second)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	pool.Shutdown(time.Second)
	t.Fatal("expected task to be marked failed")
}

func TestPool_PipelinePanicIsRecoveredAndTaskFailed(t *testing.T) {
	s, q, g, _ := newTestDeps(t)
	fileInfoID, aiModelID := seedPoolFixtures(t, s, "u1")
	ctx := context.Background()

	task, _, err := q.Enqueue(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fileInfoID, AIModelID: aiModelID, Title: "review"}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pipeline := &fakePipeline{fn: func(ctx context.Context, taskID string) error {
		panic("boom")
	}}

	pool := New(s, q, g, pipeline, slog.Default(), 1, 0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(runCtx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == store.TaskStatusFailed {
			pool.Shutdown(time.Second)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	pool.Shutdown(time.Second)
	t.Fatal("expected task to be marked failed after pipeline panic")
}

func TestPool_ShutdownWaitsForInFlightPipelineWithinGrace(t *testing.T) {
	s, q, g, _ := newTestDeps(t)
	fileInfoID, aiModelID := seedPoolFixtures(t, s, "u1")
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fileInfoID, AIModelID: aiModelID, Title: "review"}, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	pipeline := &fakePipeline{started: started, release: release}

	pool := New(s, q, g, pipeline, slog.Default(), 1, 0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(runCtx)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected pipeline to start")
	}

	var shutdownDone int32
	go func() {
		pool.Shutdown(2 * time.Second)
		atomic.StoreInt32(&shutdownDone, 1)
	}()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&shutdownDone) != 0 {
		t.Fatal("shutdown should still be waiting on the in-flight pipeline")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&shutdownDone) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected shutdown to complete once the pipeline released")
}

func TestPool_ShutdownForceCancelsAfterGraceElapses(t *testing.T) {
	s, q, g, _ := newTestDeps(t)
	fileInfoID, aiModelID := seedPoolFixtures(t, s, "u1")
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fileInfoID, AIModelID: aiModelID, Title: "review"}, 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	started := make(chan struct{}, 1)
	pipeline := &fakePipeline{started: started, fn: func(ctx context.Context, taskID string) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	pool := New(s, q, g, pipeline, slog.Default(), 1, 0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(runCtx)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected pipeline to start")
	}

	start := time.Now()
	pool.Shutdown(200 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected shutdown to return promptly after grace elapsed, took %v", elapsed)
	}
}

func TestPool_DBSaturationRequeuesTaskInsteadOfRunningPipeline(t *testing.T) {
	s, q, _, _ := newTestDeps(t)
	fileInfoID, aiModelID := seedPoolFixtures(t, s, "u1")
	ctx := context.Background()

	task, _, err := q.Enqueue(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fileInfoID, AIModelID: aiModelID, Title: "review"}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A cap of 1 cannot satisfy the two DB-session credits runTask reserves
	// per task (task-state + batch-commit), so the Pipeline must never run.
	g := governor.New(10, 10, 1)
	pipeline := &fakePipeline{}
	pool := New(s, q, g, pipeline, slog.Default(), 1, 0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(runCtx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == store.TaskStatusQueued && got.RetryCount > 0 {
			pool.Shutdown(time.Second)
			if pipeline.runCount() != 0 {
				t.Fatalf("expected the pipeline to never run on db saturation, got %d runs", pipeline.runCount())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	pool.Shutdown(time.Second)
	t.Fatal("expected task to be requeued for retry after db saturation")
}

func TestPool_ZeroPoolSizeStartsNoWorkers(t *testing.T) {
	s, q, g, _ := newTestDeps(t)
	seedPoolFixtures(t, s, "u1")

	pipeline := &fakePipeline{}
	pool := New(s, q, g, pipeline, slog.Default(), 0, 0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(runCtx)
	pool.Shutdown(time.Second)

	if pipeline.runCount() != 0 {
		t.Fatalf("expected no runs with zero pool size, got %d", pipeline.runCount())
	}
}
