package store

import (
	"context"
	"testing"
)

func TestGetOrCreateFileInfo_DedupesBySHA256(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f1, err := s.GetOrCreateFileInfo(ctx, FileInfo{SHA256: "abc123", StoredPath: "/data/abc123", OriginalName: "report.pdf", SizeBytes: 1024, MimeType: "application/pdf"})
	if err != nil {
		t.Fatalf("create file info: %v", err)
	}

	f2, err := s.GetOrCreateFileInfo(ctx, FileInfo{SHA256: "abc123", StoredPath: "/data/other-upload", OriginalName: "report-copy.pdf", SizeBytes: 1024, MimeType: "application/pdf"})
	if err != nil {
		t.Fatalf("dedupe file info: %v", err)
	}

	if f2.ID != f1.ID {
		t.Fatalf("expected dedup to reuse file info id, got %q vs %q", f2.ID, f1.ID)
	}
	if f2.StoredPath != f1.StoredPath {
		t.Fatalf("expected original stored_path preserved, got %q", f2.StoredPath)
	}
}

func TestGetFileInfoBySHA256_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetFileInfoBySHA256(context.Background(), "missing-hash")
	if err == nil {
		t.Fatal("expected error for missing sha256")
	}
}
