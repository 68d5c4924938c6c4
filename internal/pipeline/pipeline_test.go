package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/docreview/docreview/internal/aiclient"
	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/docparse"
	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/store"
)

type recordingLogPublisher struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (r *recordingLogPublisher) Publish(ctx context.Context, taskID string, entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingLogPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type pipelineFixture struct {
	store    *store.Store
	queue    *queue.Queue
	pipeline *Pipeline
	logs     *recordingLogPublisher
}

func newPipelineFixture(t *testing.T, documentBody, mimeType string) (*pipelineFixture, string) {
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

	docPath := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(docPath, []byte(documentBody), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	fi, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "sha-doc", StoredPath: docPath, OriginalName: "doc.txt", SizeBytes: int64(len(documentBody)), MimeType: mimeType})
	if err != nil {
		t.Fatalf("create file info: %v", err)
	}
	if err := s.SeedAIModel(ctx, store.AIModel{ID: "model-1", Key: "model-1", Provider: "mock", IsDefault: true}); err != nil {
		t.Fatalf("seed ai model: %v", err)
	}

	eventBus := bus.New()
	q := queue.New(s, eventBus, 10, 3)
	task, _, err := q.Enqueue(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fi.ID, AIModelID: "model-1", Title: "review"}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	logs := &recordingLogPublisher{}
	p := New(s, q, docparse.NewDefaultParser(), aiclient.NewMockAIClient(), logs, 100*1<<20, 6000, 500, 4)

	return &pipelineFixture{store: s, queue: q, pipeline: p, logs: logs}, task.ID
}

func TestPipeline_RunCommitsTaskOnSuccessfulFullChain(t *testing.T) {
	body := "# Intro\n\nThis document has a TODO: finish the onboarding flow.\n\n# Background\n\nEverything else looks fine here."
	fx, taskID := newPipelineFixture(t, body, "text/markdown")

	if err := fx.pipeline.Run(context.Background(), taskID); err != nil {
		t.Fatalf("run pipeline: %v", err)
	}

	task, err := fx.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected task completed, got %s", task.Status)
	}
	if task.Progress < 100 {
		t.Fatalf("expected final progress 100, got %v", task.Progress)
	}

	issues, err := fx.store.ListIssuesByTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if len(issues) == 0 {
		t.Fatalf("expected the TODO marker to surface at least one issue")
	}

	if fx.logs.count() == 0 {
		t.Fatalf("expected pipeline to publish log entries")
	}
}

func TestPipeline_RunFailsFastOnUnsupportedMimeWithoutCompleting(t *testing.T) {
	fx, taskID := newPipelineFixture(t, "whatever bytes", "application/pdf")

	err := fx.pipeline.Run(context.Background(), taskID)
	if err == nil {
		t.Fatalf("expected an error for unsupported mime type")
	}
	if docerr.KindOf(err) != docerr.KindFatal {
		t.Fatalf("expected a fatal error, got %v", err)
	}

	task, getErr := fx.store.GetTask(context.Background(), taskID)
	if getErr != nil {
		t.Fatalf("get task: %v", getErr)
	}
	if task.Status == store.TaskStatusCompleted {
		t.Fatalf("task must not be marked completed when Parse fails")
	}
}

func TestPipeline_RunRejectsDocumentOverMaxFileSize(t *testing.T) {
	fx, taskID := newPipelineFixture(t, "small body", "text/plain")
	fx.pipeline.maxFileSizeBytes = 1

	err := fx.pipeline.Run(context.Background(), taskID)
	if err == nil {
		t.Fatalf("expected an error for oversized document")
	}
	if docerr.KindOf(err) != docerr.KindFatal {
		t.Fatalf("expected a fatal error, got %v", err)
	}
}

func TestPipeline_ProgressIsMonotonicAcrossStages(t *testing.T) {
	body := "# One\n\nSome plain text without markers.\n\n# Two\n\nMore plain text."
	fx, taskID := newPipelineFixture(t, body, "text/markdown")

	if err := fx.pipeline.Run(context.Background(), taskID); err != nil {
		t.Fatalf("run pipeline: %v", err)
	}

	var lastProgress float64 = -1
	fx.logs.mu.Lock()
	defer fx.logs.mu.Unlock()
	for _, e := range fx.logs.entries {
		if e.Progress == nil {
			continue
		}
		if *e.Progress < lastProgress {
			t.Fatalf("progress went backwards: %v then %v", lastProgress, *e.Progress)
		}
		lastProgress = *e.Progress
	}
	if lastProgress != 100 {
		t.Fatalf("expected final reported progress of 100, got %v", lastProgress)
	}
}
