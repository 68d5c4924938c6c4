//go:build ignore

// lease_recovery_crash is a focused drill for the RecoveryManager (C7):
// given a database where a task was left in "processing" by a worker that
// never committed or failed it (the in-process equivalent of a crashed
// worker), the startup recovery scan must move it back to "queued" (or
// dead-letter it once its attempts are exhausted) rather than leaving it
// stuck. Unlike sigkill_chaos this drives the Store and RecoveryManager
// in-process, without spawning the daemon binary, so it runs fast as a
// three-phase "prepare / strand / recover" pipeline.
//
// Usage:
//
//	go run ./tools/verify/lease_recovery_crash/ -mode=prepare -db=/tmp/chaos.db
//	go run ./tools/verify/lease_recovery_crash/ -mode=strand  -db=/tmp/chaos.db
//	go run ./tools/verify/lease_recovery_crash/ -mode=recover -db=/tmp/chaos.db
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/docreview/docreview/internal/recovery"
	"github.com/docreview/docreview/internal/store"
)

func main() {
	mode := flag.String("mode", "", "prepare|strand|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	s, err := store.Open(ctx, *dbPath, 5000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	switch *mode {
	case "prepare":
		if err := s.SeedUser(ctx, store.User{ID: "system", ExternalUID: "system", DisplayName: "System", Email: "admin@local", Role: store.RoleSystemAdmin, MaxConcurrentTasks: store.DefaultMaxConcurrentTasks(store.RoleSystemAdmin)}); err != nil {
			fail("seed user", err)
		}
		if err := s.SeedAIModel(ctx, store.AIModel{ID: "default", Key: "mock", Provider: "mock", ConfigJSON: "{}", IsDefault: true}); err != nil {
			fail("seed ai model", err)
		}
		file, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "lease-crash", StoredPath: "/tmp/lease-crash.txt", OriginalName: "lease-crash.txt", SizeBytes: 16, MimeType: "text/plain"})
		if err != nil {
			fail("create file info", err)
		}
		task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: "system", FileInfoID: file.ID, AIModelID: "default", Title: "lease-crash"}, 5, 3)
		if err != nil {
			fail("enqueue task", err)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "strand":
		task, _, err := s.ClaimNextQueueEntry(ctx, "lease-crash-worker")
		if err != nil {
			fail("claim queue entry", err)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("STRANDED_TASK_ID=%s\n", task.ID)
		fmt.Printf("STATUS=%s\n", task.Status)
		// Deliberately do not call CommitTaskSuccess/FailTask: this leaves the
		// task in "processing" exactly as a worker killed mid-pipeline would.
	case "recover":
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		result, err := recovery.New(s).Run(ctx, logger, 5, 3)
		if err != nil {
			fail("recovery run", err)
		}
		fmt.Printf("STRANDED_REQUEUED=%d\n", result.StrandedRequeued)
		fmt.Printf("STRANDED_DEAD_LETTERED=%d\n", result.StrandedDeadLettered)

		counts, err := s.CountTasksByStatus(ctx)
		if err != nil {
			fail("count tasks by status", err)
		}
		pass := counts[store.TaskStatusProcessing] == 0
		for status, n := range counts {
			fmt.Printf("TASK_STATUS status=%s count=%d\n", status, n)
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL — tasks still in processing state after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
