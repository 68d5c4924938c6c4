// Package audit appends a JSONL trail of ShareGuard authorization decisions
// (C8): every allow/deny, which operation it gated, and why. It never
// blocks the caller on disk I/O failures — a missing audit trail degrades
// observability, not correctness, so Record swallows write errors rather
// than propagating them into the request path.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docreview/docreview/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
	TaskID    string `json:"task_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens (creating if needed) homeDir/logs/audit.jsonl for append.
// Calling Init again before Close is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions recorded since
// startup, surfaced for operational visibility (not gated behind a read
// of the JSONL file itself).
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one authorization decision. decision is "allow" or "deny";
// reason carries the docerr message (or "" on allow). Values are redacted
// the same way telemetry redacts log fields, since a share's comment or a
// task title could carry operator-pasted secrets.
func Record(decision, operation, reason, taskID, userID string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Operation: operation,
		Reason:    reason,
		TaskID:    taskID,
		UserID:    userID,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
