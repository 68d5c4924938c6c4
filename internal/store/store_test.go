package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "docreview.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_ConfiguresWALAndForeignKeys(t *testing.T) {
	s := openTestStore(t)

	var journal string
	if err := s.DB().QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := s.DB().QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := s.DB().QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestOpen_MigrationLedgerRecordsChecksum(t *testing.T) {
	s := openTestStore(t)

	var version int
	var checksum string
	err := s.DB().QueryRow(`SELECT version, checksum FROM schema_migrations;`).Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if version != schemaVersionLatest {
		t.Fatalf("expected version %d, got %d", schemaVersionLatest, version)
	}
	if checksum != schemaChecksumLatest {
		t.Fatalf("expected checksum %q, got %q", schemaChecksumLatest, checksum)
	}
}

func TestOpen_ReopenReusesExistingSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docreview.db")
	ctx := context.Background()

	s1, err := Open(ctx, path, 5000)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.SeedUser(ctx, User{ID: "u1", ExternalUID: "ext-1", DisplayName: "A", Email: "a@x.com", Role: RoleUser}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(ctx, path, 5000)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	u, err := s2.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user after reopen: %v", err)
	}
	if u.ExternalUID != "ext-1" {
		t.Fatalf("expected seeded user to survive reopen, got %+v", u)
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docreview.db")
	ctx := context.Background()

	s, err := Open(ctx, path, 5000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersionLatest); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(ctx, path, 5000); err == nil {
		t.Fatal("expected reopen with tampered checksum to fail")
	}
}

func TestRetryOnBusy_SucceedsOnFirstTry(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnBusy_PassesThroughNonBusyErrors(t *testing.T) {
	wantErr := errNotBusyForTest{}
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected passthrough of non-busy error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retries for non-busy error, got %d calls", calls)
	}
}

type errNotBusyForTest struct{}

func (errNotBusyForTest) Error() string { return "not a busy error" }
