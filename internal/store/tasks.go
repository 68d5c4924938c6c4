package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

type QueueEntryStatus string

const (
	QueueEntryQueued     QueueEntryStatus = "queued"
	QueueEntryProcessing QueueEntryStatus = "processing"
	QueueEntryCompleted  QueueEntryStatus = "completed"
	QueueEntryFailed     QueueEntryStatus = "failed"
	QueueEntryCancelled  QueueEntryStatus = "cancelled"
)

type Task struct {
	ID           string
	OwnerUserID  string
	FileInfoID   string
	AIModelID    string
	Title        string
	Status       TaskStatus
	Progress     float64
	CurrentStage string
	RetryCount   int
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

type QueueEntry struct {
	ID                   string
	TaskID               string
	UserID               string
	Priority             int
	Status               QueueEntryStatus
	WorkerID             string
	QueuedAt             time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	Attempts             int
	MaxAttempts          int
	EstimatedDurationSec int
}

// EnqueueTask inserts a Task (status=queued) and its QueueEntry (status=queued)
// in a single transaction. Callers (Queue/C3) are responsible for checking
// max_queue_length via CountQueued before calling this.
func (s *Store) EnqueueTask(ctx context.Context, t Task, priority, maxAttempts int) (*Task, *QueueEntry, error) {
	t.ID = uuid.NewString()
	t.Status = TaskStatusQueued
	qe := QueueEntry{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		UserID:      t.OwnerUserID,
		Priority:    priority,
		Status:      QueueEntryQueued,
		MaxAttempts: maxAttempts,
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_user_id, file_info_id, ai_model_id, title, status)
			VALUES (?, ?, ?, ?, ?, ?);
		`, t.ID, t.OwnerUserID, t.FileInfoID, t.AIModelID, t.Title, string(t.Status)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (id, task_id, user_id, priority, status, max_attempts)
			VALUES (?, ?, ?, ?, ?, ?);
		`, qe.ID, qe.TaskID, qe.UserID, qe.Priority, string(qe.Status), qe.MaxAttempts); err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, nil, err
	}
	return &t, &qe, nil
}

// CountQueued reports the number of entries in queued status, used by the
// Queue layer to enforce max_queue_length.
func (s *Store) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE status = ?;`, string(QueueEntryQueued)).Scan(&n)
	return n, err
}

// CountProcessingForUser is used by the Governor and by claim selection to
// enforce the per-user concurrency cap.
func (s *Store) CountProcessingForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE user_id = ? AND status = ?;
	`, userID, string(QueueEntryProcessing)).Scan(&n)
	return n, err
}

// ClaimNextQueueEntry selects the highest-priority, oldest queued entry among
// users who are under their per-user concurrency cap, and atomically
// transitions both the QueueEntry and its Task to processing. Returns
// (nil, nil, nil) when nothing is claimable.
func (s *Store) ClaimNextQueueEntry(ctx context.Context, workerID string) (*Task, *QueueEntry, error) {
	var task *Task
	var entry *QueueEntry

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT qe.id, qe.task_id, qe.user_id, qe.priority, qe.status, COALESCE(qe.worker_id, ''),
				qe.queued_at, qe.started_at, qe.completed_at, qe.attempts, qe.max_attempts, qe.estimated_duration_sec
			FROM queue_entries qe
			JOIN users u ON u.id = qe.user_id
			WHERE qe.status = ?
			AND (SELECT COUNT(*) FROM queue_entries q2 WHERE q2.user_id = qe.user_id AND q2.status = ?) < u.max_concurrent_tasks
			ORDER BY qe.priority DESC, qe.queued_at ASC
			LIMIT 1;
		`, string(QueueEntryQueued), string(QueueEntryProcessing))

		qe, scanErr := scanQueueEntry(row)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select claimable queue entry: %w", scanErr)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = ?, worker_id = ?, started_at = CURRENT_TIMESTAMP, attempts = attempts + 1
			WHERE id = ? AND status = ?;
		`, string(QueueEntryProcessing), workerID, qe.ID, string(QueueEntryQueued))
		if err != nil {
			return fmt.Errorf("claim queue entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			// Lost the claim race to another worker; caller retries selection.
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, string(TaskStatusProcessing), qe.TaskID, string(TaskStatusQueued)); err != nil {
			return fmt.Errorf("transition task to processing: %w", err)
		}

		t, err := s.getTaskTx(ctx, tx, qe.TaskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		qe.Status = QueueEntryProcessing
		qe.WorkerID = workerID
		task = t
		entry = qe
		return nil
	})
	return task, entry, err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, taskID)
	return scanTask(row)
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	row := tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, taskID)
	return scanTask(row)
}

func (s *Store) GetQueueEntryByTaskID(ctx context.Context, taskID string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, user_id, priority, status, COALESCE(worker_id, ''),
			queued_at, started_at, completed_at, attempts, max_attempts, estimated_duration_sec
		FROM queue_entries WHERE task_id = ?;
	`, taskID)
	return scanQueueEntry(row)
}

// UpdateTaskProgress writes Task.progress and current_stage. The Pipeline
// rate-limits calls to at most once per 500ms per spec; the Store applies no
// rate limiting of its own.
func (s *Store) UpdateTaskProgress(ctx context.Context, taskID, stage string, progress float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = ?, current_stage = ? WHERE id = ?;
	`, progress, stage, taskID)
	return err
}

// CommitTaskSuccess performs the Pipeline's terminal atomic commit:
// inserts all given Issues and terminal AIOutputs, and transitions the Task
// and QueueEntry to completed, in a single transaction. On any failure the
// whole batch rolls back and the caller should invoke FailTask instead.
func (s *Store) CommitTaskSuccess(ctx context.Context, taskID string, issues []Issue, outputs []AIOutput) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin commit tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, iss := range issues {
			if err := insertIssueTx(ctx, tx, iss); err != nil {
				return err
			}
		}
		for _, out := range outputs {
			if err := upsertAIOutputTx(ctx, tx, out); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, progress = 100, completed_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, string(TaskStatusCompleted), taskID, string(TaskStatusProcessing)); err != nil {
			return fmt.Errorf("transition task to completed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE task_id = ?;
		`, string(QueueEntryCompleted), taskID); err != nil {
			return fmt.Errorf("transition queue entry to completed: %w", err)
		}
		return tx.Commit()
	})
}

// FailTask transitions Task and QueueEntry to failed, recording the error.
// The caller (Queue) has already decided this is terminal; retry scheduling
// happens by re-enqueuing a fresh attempt via RequeueTaskForRetry instead.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(TaskStatusFailed), errMsg, taskID); err != nil {
			return fmt.Errorf("transition task to failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE task_id = ?;
		`, string(QueueEntryFailed), taskID); err != nil {
			return fmt.Errorf("transition queue entry to failed: %w", err)
		}
		return tx.Commit()
	})
}

// RequeueTaskForRetry moves a failed-in-flight attempt back to queued,
// incrementing retry_count, for a Transient failure under max_retries. The
// requeued entry's queued_at is bumped backoffSeconds into the future so it
// does not immediately win selection ahead of entries that never failed.
func (s *Store) RequeueTaskForRetry(ctx context.Context, taskID string, backoffSeconds int) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, retry_count = retry_count + 1, started_at = NULL WHERE id = ?;
		`, string(TaskStatusQueued), taskID); err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, worker_id = NULL, started_at = NULL,
				queued_at = datetime('now', ?)
			WHERE task_id = ?;
		`, string(QueueEntryQueued), fmt.Sprintf("+%d seconds", backoffSeconds), taskID); err != nil {
			return fmt.Errorf("requeue queue entry: %w", err)
		}
		return tx.Commit()
	})
}

// CancelTask transitions any non-terminal Task to cancelled and deletes its
// QueueEntry; child Issues/AIOutputs/TaskLogs cascade on Task deletion only,
// not on cancellation, so a cancelled task's history remains inspectable.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?, ?);
		`, string(TaskStatusCancelled), taskID, string(TaskStatusCompleted), string(TaskStatusFailed), string(TaskStatusCancelled))
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete queue entry on cancel: %w", err)
		}
		return tx.Commit()
	})
}

// DeleteTask cascades to Issues, AIOutputs, TaskLogs, QueueEntry, and Shares
// via ON DELETE CASCADE.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
	return err
}

// BoostStarvedPriorities increments the priority (capped at 10) of every
// queued entry older than threshold, implementing the starvation-prevention
// sweep run by the maintenance package.
func (s *Store) BoostStarvedPriorities(ctx context.Context, threshold time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET priority = MIN(10, priority + 1)
		WHERE status = ? AND queued_at <= datetime('now', ?);
	`, string(QueueEntryQueued), fmt.Sprintf("-%d seconds", int(threshold.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("boost starved priorities: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStaleProcessing requeues (or dead-letters) QueueEntry rows that
// have sat in processing for longer than maxAge, a defensive fallback run
// periodically by the maintenance package for leases the WorkerPool's own
// per-task context timeout failed to release (a blocked governor acquire,
// or a task_timeout of 0 misconfigured as "no limit"). Unlike
// RequeueStrandedProcessing, a fresh, genuinely in-flight entry younger
// than maxAge is left alone.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, maxAge time.Duration) (requeued, deadLettered int64, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempts, max_attempts FROM queue_entries
		WHERE status = ? AND started_at IS NOT NULL AND started_at <= datetime('now', ?);
	`, string(QueueEntryProcessing), fmt.Sprintf("-%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, 0, fmt.Errorf("list stale processing entries: %w", err)
	}
	type stale struct {
		id, taskID           string
		attempts, maxAttempt int
	}
	var staleEntries []stale
	for rows.Next() {
		var se stale
		if err := rows.Scan(&se.id, &se.taskID, &se.attempts, &se.maxAttempt); err != nil {
			rows.Close()
			return 0, 0, err
		}
		staleEntries = append(staleEntries, se)
	}
	rows.Close()
	if err := rowsErr(rows); err != nil {
		return 0, 0, err
	}

	for _, se := range staleEntries {
		if se.attempts > se.maxAttempt {
			if err := s.FailTask(ctx, se.taskID, "exceeded_retries_after_lease_expiry"); err != nil {
				return requeued, deadLettered, err
			}
			deadLettered++
			continue
		}
		if err := s.RequeueTaskForRetry(ctx, se.taskID, 0); err != nil {
			return requeued, deadLettered, err
		}
		requeued++
	}
	return requeued, deadLettered, nil
}

// RequeueStrandedProcessing implements RecoveryManager step 1: any
// QueueEntry left in processing across a process restart is presumed
// stranded (single-process model, no live worker can hold it). Entries
// within max_attempts are requeued; the rest are failed.
func (s *Store) RequeueStrandedProcessing(ctx context.Context) (requeued, deadLettered int64, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempts, max_attempts FROM queue_entries WHERE status = ?;
	`, string(QueueEntryProcessing))
	if err != nil {
		return 0, 0, fmt.Errorf("list stranded queue entries: %w", err)
	}
	type stranded struct {
		id, taskID           string
		attempts, maxAttempt int
	}
	var strandedEntries []stranded
	for rows.Next() {
		var se stranded
		if err := rows.Scan(&se.id, &se.taskID, &se.attempts, &se.maxAttempt); err != nil {
			rows.Close()
			return 0, 0, err
		}
		strandedEntries = append(strandedEntries, se)
	}
	rows.Close()
	if err := rowsErr(rows); err != nil {
		return 0, 0, err
	}

	for _, se := range strandedEntries {
		if se.attempts > se.maxAttempt {
			if err := s.FailTask(ctx, se.taskID, "exceeded_retries_after_restart"); err != nil {
				return requeued, deadLettered, err
			}
			deadLettered++
			continue
		}
		if err := s.RequeueTaskForRetry(ctx, se.taskID, 0); err != nil {
			return requeued, deadLettered, err
		}
		requeued++
	}
	return requeued, deadLettered, nil
}

// ReconcileOrphanedProcessingTasks implements RecoveryManager step 2: a Task
// left in processing with no matching QueueEntry (e.g. the QueueEntry insert
// never committed) is re-enqueued at default priority.
func (s *Store) ReconcileOrphanedProcessingTasks(ctx context.Context, defaultPriority, maxAttempts int) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.owner_user_id FROM tasks t
		LEFT JOIN queue_entries qe ON qe.task_id = t.id
		WHERE t.status = ? AND qe.id IS NULL;
	`, string(TaskStatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("list orphaned processing tasks: %w", err)
	}
	type orphan struct{ taskID, userID string }
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.taskID, &o.userID); err != nil {
			rows.Close()
			return 0, err
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rowsErr(rows); err != nil {
		return 0, err
	}

	var n int64
	for _, o := range orphans {
		err := retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()

			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?;`, string(TaskStatusQueued), o.taskID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO queue_entries (id, task_id, user_id, priority, status, max_attempts)
				VALUES (?, ?, ?, ?, ?, ?);
			`, uuid.NewString(), o.taskID, o.userID, defaultPriority, string(QueueEntryQueued), maxAttempts); err != nil {
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DeleteOrphanedChildRows implements RecoveryManager step 3: delete
// Issue/AIOutput/TaskLog rows whose task_id no longer has a matching Task.
// Under the current schema's ON DELETE CASCADE these rows cannot normally
// occur; this exists for databases upgraded from a pre-cascade schema
// version where the FK was absent at insert time. Idempotent.
func (s *Store) DeleteOrphanedChildRows(ctx context.Context) (int64, error) {
	var total int64
	for _, stmt := range []string{
		`DELETE FROM issues WHERE task_id NOT IN (SELECT id FROM tasks);`,
		`DELETE FROM ai_outputs WHERE task_id NOT IN (SELECT id FROM tasks);`,
		`DELETE FROM task_logs WHERE task_id NOT IN (SELECT id FROM tasks);`,
	} {
		res, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return total, fmt.Errorf("delete orphaned child rows: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// TaskFilter scopes and orders the GET /tasks/paginated listing. A zero
// value lists every task across all owners, newest first.
type TaskFilter struct {
	OwnerUserID string
	Search      string
	Status      TaskStatus
	SortBy      string
	SortOrder   string
}

// taskSortColumns whitelists the columns ListTasksPaginated may order by,
// since sort_by arrives as a caller-controlled query parameter.
var taskSortColumns = map[string]string{
	"created_at": "created_at",
	"status":     "status",
	"progress":   "progress",
	"title":      "title",
}

// ListTasksPaginated backs GET /tasks/paginated: a filtered, sorted page of
// Tasks plus the total row count matching the filter (before pagination).
func (s *Store) ListTasksPaginated(ctx context.Context, f TaskFilter, page, pageSize int) ([]Task, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}

	col, ok := taskSortColumns[f.SortBy]
	if !ok {
		col = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		order = "ASC"
	}

	where := []string{"1 = 1"}
	var args []any
	if f.OwnerUserID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, f.OwnerUserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Search != "" {
		where = append(where, "title LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM tasks WHERE %s;`, whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count filtered tasks: %w", err)
	}

	listQuery := fmt.Sprintf(taskSelectColumns+` FROM tasks WHERE %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?;`,
		whereClause, col, order, order)
	listArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list filtered tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// CountTasksByStatus backs GET /tasks/statistics.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	out := map[TaskStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[TaskStatus(status)] = n
	}
	return out, rows.Err()
}

const taskSelectColumns = `SELECT id, owner_user_id, file_info_id, ai_model_id, title, status, progress, current_stage,
	retry_count, COALESCE(error_message, ''), created_at, started_at, completed_at`

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var status string
	if err := row.Scan(&t.ID, &t.OwnerUserID, &t.FileInfoID, &t.AIModelID, &t.Title, &status, &t.Progress,
		&t.CurrentStage, &t.RetryCount, &t.ErrorMessage, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	return &t, nil
}

func scanTaskRow(rows *sql.Rows) (*Task, error) {
	var t Task
	var status string
	if err := rows.Scan(&t.ID, &t.OwnerUserID, &t.FileInfoID, &t.AIModelID, &t.Title, &status, &t.Progress,
		&t.CurrentStage, &t.RetryCount, &t.ErrorMessage, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	return &t, nil
}

func scanQueueEntry(row *sql.Row) (*QueueEntry, error) {
	var qe QueueEntry
	var status string
	if err := row.Scan(&qe.ID, &qe.TaskID, &qe.UserID, &qe.Priority, &status, &qe.WorkerID,
		&qe.QueuedAt, &qe.StartedAt, &qe.CompletedAt, &qe.Attempts, &qe.MaxAttempts, &qe.EstimatedDurationSec); err != nil {
		return nil, err
	}
	qe.Status = QueueEntryStatus(status)
	return &qe, nil
}

func rowsErr(rows *sql.Rows) error {
	if rows == nil {
		return nil
	}
	return rows.Err()
}
