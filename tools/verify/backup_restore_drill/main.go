//go:build ignore

// backup_restore_drill measures the RPO/RTO of the sqlite-level backup path:
// seed a database with completed tasks, issues, and logs, VACUUM INTO a
// backup file while live, then open the backup as a fresh Store and verify
// every row survived the round trip.
//
// Usage:
//
//	go run ./tools/verify/backup_restore_drill/
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docreview/docreview/internal/store"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "docreview-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "docreview.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	s, err := store.Open(ctx, dbPath, 5000)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	if err := s.SeedUser(ctx, store.User{ID: "system", ExternalUID: "system", DisplayName: "System", Email: "admin@local", Role: store.RoleSystemAdmin, MaxConcurrentTasks: store.DefaultMaxConcurrentTasks(store.RoleSystemAdmin)}); err != nil {
		fail("seed user", err)
	}
	if err := s.SeedAIModel(ctx, store.AIModel{ID: "default", Key: "mock", Provider: "mock", ConfigJSON: "{}", IsDefault: true}); err != nil {
		fail("seed ai model", err)
	}
	file, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "backup-drill", StoredPath: "/tmp/backup-drill.txt", OriginalName: "backup-drill.txt", SizeBytes: 16, MimeType: "text/plain"})
	if err != nil {
		fail("create file info", err)
	}

	const taskCount = 40
	for i := 0; i < taskCount; i++ {
		task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: "system", FileInfoID: file.ID, AIModelID: "default", Title: fmt.Sprintf("backup-%d", i)}, 5, 3)
		if err != nil {
			fail("enqueue task", err)
		}
		claimed, _, err := s.ClaimNextQueueEntry(ctx, "backup-drill-worker")
		if err != nil || claimed == nil {
			fail("claim queue entry", err)
		}
		if _, err := s.AppendLog(ctx, store.TaskLog{TaskID: task.ID, Level: store.LogLevelInfo, Module: "drill", Stage: "detect", Message: "processed"}); err != nil {
			fail("append log", err)
		}
		issues := []store.Issue{{TaskID: task.ID, Type: store.IssueTypeGrammar, Severity: store.SeverityLow, Title: "seeded issue"}}
		if err := s.CommitTaskSuccess(ctx, task.ID, issues, nil); err != nil {
			fail("commit task success", err)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := s.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fail("backup", err)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fail("read backup", err)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fail("write restore", err)
	}

	restoreStart := time.Now().UTC()
	restoreStore, err := store.Open(ctx, restorePath, 5000)
	if err != nil {
		fail("open restore", err)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	var taskRows, issueRows, logRows int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks;`).Scan(&taskRows); err != nil {
		fail("count tasks", err)
	}
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM issues;`).Scan(&issueRows); err != nil {
		fail("count issues", err)
	}
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM task_logs;`).Scan(&logRows); err != nil {
		fail("count task logs", err)
	}

	rpo := backupEnd.Sub(backupStart)
	rto := restoreEnd.Sub(restoreStart)
	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", rpo)
	fmt.Printf("rto_duration=%s\n", rto)
	fmt.Printf("restored_tasks=%d\n", taskRows)
	fmt.Printf("restored_issues=%d\n", issueRows)
	fmt.Printf("restored_task_logs=%d\n", logRows)

	if taskRows < taskCount || issueRows < taskCount || logRows < taskCount {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func fail(step string, err error) {
	fmt.Printf("%s_error=%v\n", step, err)
	os.Exit(1)
}
