package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type LogLevel string

const (
	LogLevelDebug    LogLevel = "DEBUG"
	LogLevelInfo     LogLevel = "INFO"
	LogLevelWarning  LogLevel = "WARNING"
	LogLevelError    LogLevel = "ERROR"
	LogLevelProgress LogLevel = "PROGRESS"
)

type TaskLog struct {
	ID        int64
	TaskID    string
	Timestamp time.Time
	Level     LogLevel
	Module    string
	Stage     string
	Progress  *float64
	Message   string
	Metadata  map[string]any
}

// AppendLog inserts a TaskLog row and returns its monotonic, per-process
// entry_id (the sqlite rowid), which the LogBus uses as a dedup/replay
// cursor.
func (s *Store) AppendLog(ctx context.Context, l TaskLog) (int64, error) {
	metaJSON := "{}"
	if len(l.Metadata) > 0 {
		b, err := json.Marshal(l.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal log metadata: %w", err)
		}
		metaJSON = string(b)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, level, module, stage, progress, message, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, l.TaskID, string(l.Level), l.Module, nullIfEmpty(l.Stage), l.Progress, l.Message, metaJSON)
	if err != nil {
		return 0, fmt.Errorf("append task log: %w", err)
	}
	return res.LastInsertId()
}

// ListLogsFrom returns up to limit TaskLog rows for taskID with id > fromID,
// in FIFO order, used both for bounded replay on subscribe and for
// incremental tail delivery.
func (s *Store) ListLogsFrom(ctx context.Context, taskID string, fromID int64, limit int) ([]TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, timestamp, level, module, COALESCE(stage, ''), progress, message, metadata_json
		FROM task_logs WHERE task_id = ? AND id > ? ORDER BY id ASC LIMIT ?;
	`, taskID, fromID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()
	return scanTaskLogs(rows)
}

// ListLastLogs returns the most recent n TaskLog rows for taskID in FIFO
// order, used for the bounded replay (default last 1000) on subscribe.
func (s *Store) ListLastLogs(ctx context.Context, taskID string, n int) ([]TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, timestamp, level, module, COALESCE(stage, ''), progress, message, metadata_json
		FROM (
			SELECT id, task_id, timestamp, level, module, stage, progress, message, metadata_json
			FROM task_logs WHERE task_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, taskID, n)
	if err != nil {
		return nil, fmt.Errorf("list last task logs: %w", err)
	}
	defer rows.Close()
	return scanTaskLogs(rows)
}

// PruneFinishedTaskLogs deletes task_logs rows belonging to tasks that
// reached a terminal status (completed, failed, or cancelled) before the
// retention cutoff, implementing the maintenance package's TaskLog
// retention sweep.
func (s *Store) PruneFinishedTaskLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_logs
		WHERE task_id IN (
			SELECT id FROM tasks
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND completed_at IS NOT NULL AND completed_at <= datetime('now', ?)
		);
	`, fmt.Sprintf("-%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("prune finished task logs: %w", err)
	}
	return res.RowsAffected()
}

// PruneFinishedAIOutputs deletes ai_outputs rows belonging to tasks that
// reached a terminal status before the retention cutoff, implementing the
// maintenance package's AIOutput retention sweep. Issues are never pruned:
// they carry user feedback and are retained for the life of the Task row.
func (s *Store) PruneFinishedAIOutputs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ai_outputs
		WHERE task_id IN (
			SELECT id FROM tasks
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND completed_at IS NOT NULL AND completed_at <= datetime('now', ?)
		);
	`, fmt.Sprintf("-%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("prune finished ai outputs: %w", err)
	}
	return res.RowsAffected()
}

func scanTaskLogs(rows *sql.Rows) ([]TaskLog, error) {
	var out []TaskLog
	for rows.Next() {
		var l TaskLog
		var level, metaJSON string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Timestamp, &level, &l.Module, &l.Stage, &l.Progress, &l.Message, &metaJSON); err != nil {
			return nil, err
		}
		l.Level = LogLevel(level)
		if metaJSON != "" && metaJSON != "{}" {
			_ = json.Unmarshal([]byte(metaJSON), &l.Metadata)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
