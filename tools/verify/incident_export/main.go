//go:build ignore

// incident_export builds a redacted incident bundle from the audit trail
// (C8) and a task's log history: the same two artifacts an on-call engineer
// would pull when investigating a denied-access report or a failed task.
// It exercises audit.Record/DenyCount directly (rather than going through
// ShareGuard) so the drill stays self-contained.
//
// Usage:
//
//	go run ./tools/verify/incident_export/
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docreview/docreview/internal/audit"
	"github.com/docreview/docreview/internal/shared"
	"github.com/docreview/docreview/internal/store"
)

const (
	maxAuditEntries = 64
	maxLogEntries   = 32
)

type auditEntry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
	TaskID    string `json:"task_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type bundle struct {
	TaskID      string        `json:"task_id"`
	ExportedAt  time.Time     `json:"exported_at"`
	ConfigHash  string        `json:"config_hash"`
	DenyCount   int64         `json:"deny_count"`
	AuditCount  int           `json:"audit_count"`
	LogCount    int           `json:"log_count"`
	AuditTrail  []auditEntry  `json:"audit_trail"`
	RedactedLog []store.TaskLog `json:"redacted_logs"`
}

func main() {
	ctx := context.Background()
	home, err := os.MkdirTemp("", "docreview-incident-export-*")
	if err != nil {
		fail("mktemp", err)
	}
	defer os.RemoveAll(home)

	if err := audit.Init(home); err != nil {
		fail("audit init", err)
	}
	defer audit.Close()

	cfgPath := filepath.Join(home, "config.yaml")
	cfgBody := []byte("worker_count: 2\nbind_addr: \"127.0.0.1:8080\"\nlog_level: \"info\"\n")
	if err := os.WriteFile(cfgPath, cfgBody, 0o644); err != nil {
		fail("write config", err)
	}

	dbPath := filepath.Join(home, "docreview.db")
	s, err := store.Open(ctx, dbPath, 5000)
	if err != nil {
		fail("open store", err)
	}
	defer s.Close()

	if err := s.SeedUser(ctx, store.User{ID: "owner", ExternalUID: "owner", DisplayName: "Owner", Email: "owner@local", Role: store.RoleUser, MaxConcurrentTasks: store.DefaultMaxConcurrentTasks(store.RoleUser)}); err != nil {
		fail("seed owner", err)
	}
	if err := s.SeedAIModel(ctx, store.AIModel{ID: "default", Key: "mock", Provider: "mock", ConfigJSON: "{}", IsDefault: true}); err != nil {
		fail("seed ai model", err)
	}
	file, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "incident-export", StoredPath: "/tmp/incident-export.txt", OriginalName: "incident-export.txt", SizeBytes: 16, MimeType: "text/plain"})
	if err != nil {
		fail("create file info", err)
	}
	task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: "owner", FileInfoID: file.ID, AIModelID: "default", Title: "incident-export"}, 5, 3)
	if err != nil {
		fail("enqueue task", err)
	}
	if _, _, err := s.ClaimNextQueueEntry(ctx, "incident-export-worker"); err != nil {
		fail("claim queue entry", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := s.AppendLog(ctx, store.TaskLog{
			TaskID:  task.ID,
			Level:   store.LogLevelInfo,
			Module:  "pipeline",
			Stage:   "detect",
			Message: fmt.Sprintf("processing chunk %d, auth_token=%064x", i, i),
		}); err != nil {
			fail("append log", err)
		}
	}
	if err := s.FailTask(ctx, task.ID, "ai provider auth_token=sk-abcdefghij0123456789abcdef rejected request"); err != nil {
		fail("fail task", err)
	}

	audit.Record("deny", "download_report", "user is not a collaborator on this task", task.ID, "intruder")
	audit.Record("allow", string("view_task"), "", task.ID, "owner")
	audit.Record("deny", string("delete_task"), "only the owner or a system_admin may delete a task", task.ID, "collaborator")

	rawLogs, err := s.ListLastLogs(ctx, task.ID, maxLogEntries)
	if err != nil {
		fail("list last logs", err)
	}
	logs := make([]store.TaskLog, len(rawLogs))
	for i, l := range rawLogs {
		l.Message = shared.Redact(l.Message)
		logs[i] = l
	}
	taskAfterFail, err := s.GetTask(ctx, task.ID)
	if err != nil {
		fail("reload task", err)
	}
	redactedError := shared.Redact(taskAfterFail.ErrorMessage)

	cfgHash, err := sha256File(cfgPath)
	if err != nil {
		fail("config hash", err)
	}

	trail := []auditEntry{
		{Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Decision: "deny", Operation: "download_report", Reason: "user is not a collaborator on this task", TaskID: task.ID, UserID: "intruder"},
		{Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Decision: "allow", Operation: "view_task", TaskID: task.ID, UserID: "owner"},
		{Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Decision: "deny", Operation: "delete_task", Reason: "only the owner or a system_admin may delete a task", TaskID: task.ID, UserID: "collaborator"},
		{Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Decision: "fail", Operation: "pipeline", Reason: redactedError, TaskID: task.ID},
	}
	if len(trail) > maxAuditEntries {
		trail = trail[len(trail)-maxAuditEntries:]
	}

	b := bundle{
		TaskID:      task.ID,
		ExportedAt:  time.Now().UTC(),
		ConfigHash:  cfgHash,
		DenyCount:   audit.DenyCount(),
		AuditCount:  len(trail),
		LogCount:    len(logs),
		AuditTrail:  trail,
		RedactedLog: logs,
	}

	bundlePath := filepath.Join(home, "incident_bundle.json")
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fail("marshal bundle", err)
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		fail("write bundle", err)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_hash=%s\n", cfgHash)
	fmt.Printf("deny_count=%d\n", audit.DenyCount())
	fmt.Printf("audit_entries=%d max=%d\n", len(trail), maxAuditEntries)
	fmt.Printf("log_entries=%d max=%d\n", len(logs), maxLogEntries)

	containsSecret := false
	for _, l := range b.RedactedLog {
		if containsRawAuthToken(l.Message) {
			containsSecret = true
		}
	}
	if containsRawAuthToken(redactedError) {
		containsSecret = true
	}

	if len(trail) == 0 || len(logs) == 0 || audit.DenyCount() != 2 || containsSecret {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func containsRawAuthToken(s string) bool {
	return strings.Contains(s, "auth_token=0") || strings.Contains(s, "auth_token=1") || strings.Contains(s, "sk-abcdefghij")
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func fail(step string, err error) {
	fmt.Printf("%s_error=%v\n", step, err)
	os.Exit(1)
}
