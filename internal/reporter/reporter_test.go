package reporter

import (
	"context"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/store"
)

func newReporterFixture(t *testing.T) (*CSVReporter, *store.Store, string) {
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
	fi, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "sha-r", StoredPath: "/tmp/r", OriginalName: "r.txt", SizeBytes: 1, MimeType: "text/plain"})
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
	return NewCSVReporter(s), s, task.ID
}

func TestCSVReporter_RendersOneRowPerIssueForACompletedTask(t *testing.T) {
	r, s, taskID := newReporterFixture(t)
	ctx := context.Background()

	if _, _, err := s.ClaimNextQueueEntry(ctx, "worker-1"); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	issues := []store.Issue{
		{TaskID: taskID, Type: store.IssueTypeGrammar, Severity: store.SeverityMedium, Title: "typo", Description: "a typo"},
		{TaskID: taskID, Type: store.IssueTypeLogic, Severity: store.SeverityCritical, Title: "contradiction", Description: "conflicting claims"},
	}
	if err := s.CommitTaskSuccess(ctx, taskID, issues, nil); err != nil {
		t.Fatalf("commit task success: %v", err)
	}

	report, err := r.Render(ctx, taskID)
	if err != nil {
		t.Fatalf("render report: %v", err)
	}
	if report.ContentType != "text/csv" {
		t.Fatalf("expected text/csv, got %q", report.ContentType)
	}
	if !strings.Contains(report.Filename, taskID) {
		t.Fatalf("expected filename to reference the task id, got %q", report.Filename)
	}

	rows, err := csv.NewReader(strings.NewReader(string(report.Data))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 issue rows, got %d rows", len(rows))
	}
}

func TestCSVReporter_RejectsIncompleteTask(t *testing.T) {
	r, _, taskID := newReporterFixture(t)

	_, err := r.Render(context.Background(), taskID)
	if docerr.CodeOf(err) != docerr.CodeInvalidInput {
		t.Fatalf("expected invalid_input for a non-completed task, got %v", err)
	}
}

func TestCSVReporter_ReturnsNotFoundForUnknownTask(t *testing.T) {
	r, _, _ := newReporterFixture(t)

	_, err := r.Render(context.Background(), "does-not-exist")
	if docerr.CodeOf(err) != docerr.CodeNotFound {
		t.Fatalf("expected not_found for an unknown task, got %v", err)
	}
}
