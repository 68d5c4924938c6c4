package logbus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/pipeline"
	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/store"
)

func newTestLogBus(t *testing.T, replayLimit, bufferMax int) (*LogBus, *store.Store, string) {
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
	fi, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "sha-x", StoredPath: "/tmp/x", OriginalName: "x.txt", SizeBytes: 1, MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("create file info: %v", err)
	}
	if err := s.SeedAIModel(ctx, store.AIModel{ID: "model-1", Key: "model-1", Provider: "mock", IsDefault: true}); err != nil {
		t.Fatalf("seed ai model: %v", err)
	}
	eventBus := bus.New()
	q := queue.New(s, eventBus, 10, 3)
	task, _, err := q.Enqueue(ctx, store.Task{OwnerUserID: "u1", FileInfoID: fi.ID, AIModelID: "model-1", Title: "t"}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	lb := New(s, eventBus, replayLimit, bufferMax, nil)
	t.Cleanup(lb.Close)
	return lb, s, task.ID
}

func waitForEntries(t *testing.T, s *store.Store, taskID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := s.ListLastLogs(context.Background(), taskID, 1000)
		if err != nil {
			t.Fatalf("list logs: %v", err)
		}
		if len(rows) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d persisted log rows", n)
}

func TestLogBus_PublishPersistsEntryToStore(t *testing.T) {
	lb, s, taskID := newTestLogBus(t, 1000, 256)
	lb.Publish(context.Background(), taskID, pipeline.LogEntry{Level: "info", Module: "pipeline", Stage: "parse", Message: "parsing"})

	waitForEntries(t, s, taskID, 1)
	rows, err := s.ListLastLogs(context.Background(), taskID, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(rows) != 1 || rows[0].Message != "parsing" {
		t.Fatalf("expected persisted entry, got %+v", rows)
	}
}

func TestLogBus_SubscribeReplaysExistingHistoryThenLiveTail(t *testing.T) {
	lb, s, taskID := newTestLogBus(t, 1000, 256)
	lb.Publish(context.Background(), taskID, pipeline.LogEntry{Level: "info", Module: "pipeline", Stage: "parse", Message: "first"})
	waitForEntries(t, s, taskID, 1)

	sub, err := lb.Subscribe(context.Background(), taskID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	select {
	case e := <-sub.Entries():
		if e.Message != "first" {
			t.Fatalf("expected replayed entry 'first', got %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed entry")
	}

	lb.Publish(context.Background(), taskID, pipeline.LogEntry{Level: "info", Module: "pipeline", Stage: "structure", Message: "second"})
	select {
	case e := <-sub.Entries():
		if e.Message != "second" {
			t.Fatalf("expected live entry 'second', got %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live entry")
	}
}

func TestLogBus_EntryIDsAreMonotonicPerTask(t *testing.T) {
	lb, s, taskID := newTestLogBus(t, 1000, 256)
	for i := 0; i < 5; i++ {
		lb.Publish(context.Background(), taskID, pipeline.LogEntry{Level: "info", Module: "pipeline", Message: "m"})
	}
	waitForEntries(t, s, taskID, 5)

	sub, err := lb.Subscribe(context.Background(), taskID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	var lastID int64 = -1
	for i := 0; i < 5; i++ {
		select {
		case e := <-sub.Entries():
			if e.EntryID <= lastID {
				t.Fatalf("expected strictly increasing entry ids, got %d after %d", e.EntryID, lastID)
			}
			lastID = e.EntryID
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed entry")
		}
	}
}

func TestLogBus_SlowConsumerIsClosedWithReason(t *testing.T) {
	lb, s, taskID := newTestLogBus(t, 1000, 4)
	sub, err := lb.Subscribe(context.Background(), taskID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 20; i++ {
		lb.Publish(context.Background(), taskID, pipeline.LogEntry{Level: "info", Module: "pipeline", Message: "flood"})
	}
	waitForEntries(t, s, taskID, 20)

	select {
	case reason, ok := <-sub.Closed():
		if !ok {
			t.Fatal("expected a close reason, channel closed empty")
		}
		if reason != CloseReasonSlowConsumer {
			t.Fatalf("expected slow_consumer close reason, got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for slow consumer disconnect")
	}
}

func TestLogBus_CancelEndsSubscriptionWithoutReason(t *testing.T) {
	lb, _, taskID := newTestLogBus(t, 1000, 256)

	sub, err := lb.Subscribe(context.Background(), taskID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Cancel()

	select {
	case _, ok := <-sub.Closed():
		if ok {
			t.Fatal("expected Closed channel to be closed without a value on consumer Cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Closed channel to close")
	}
}
