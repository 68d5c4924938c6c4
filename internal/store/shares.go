package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Permission string

const (
	PermissionReadOnly     Permission = "read_only"
	PermissionFeedbackOnly Permission = "feedback_only"
	PermissionFullAccess   Permission = "full_access"
)

type TaskShare struct {
	ID         string
	TaskID     string
	SharedBy   string
	SharedWith string
	Permission Permission
	Active     bool
	Comment    string
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// CreateShare enforces the (task_id, shared_with, active=true) uniqueness
// invariant by first revoking any existing active share to the same user.
func (s *Store) CreateShare(ctx context.Context, sh TaskShare) (*TaskShare, error) {
	sh.ID = uuid.NewString()
	sh.Active = true
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_shares SET active = 0, revoked_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND shared_with = ? AND active = 1;
		`, sh.TaskID, sh.SharedWith); err != nil {
			return fmt.Errorf("revoke prior share: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_shares (id, task_id, shared_by, shared_with, permission, active, comment)
			VALUES (?, ?, ?, ?, ?, 1, ?);
		`, sh.ID, sh.TaskID, sh.SharedBy, sh.SharedWith, string(sh.Permission), sh.Comment); err != nil {
			return fmt.Errorf("insert share: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func (s *Store) RevokeShare(ctx context.Context, shareID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_shares SET active = 0, revoked_at = CURRENT_TIMESTAMP WHERE id = ? AND active = 1;
	`, shareID)
	if err != nil {
		return fmt.Errorf("revoke share: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetActiveShare looks up the active share granting sharedWith access to
// taskID, if any. Returns sql.ErrNoRows when no active share exists.
func (s *Store) GetActiveShare(ctx context.Context, taskID, sharedWith string) (*TaskShare, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, shared_by, shared_with, permission, active, COALESCE(comment, ''), created_at, revoked_at
		FROM task_shares WHERE task_id = ? AND shared_with = ? AND active = 1;
	`, taskID, sharedWith)
	return scanTaskShare(row)
}

func (s *Store) ListSharesByTask(ctx context.Context, taskID string) ([]TaskShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, shared_by, shared_with, permission, active, COALESCE(comment, ''), created_at, revoked_at
		FROM task_shares WHERE task_id = ? ORDER BY created_at DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var out []TaskShare
	for rows.Next() {
		sh, err := scanTaskShareRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

func scanTaskShare(row *sql.Row) (*TaskShare, error) {
	var sh TaskShare
	var permission string
	var active int
	if err := row.Scan(&sh.ID, &sh.TaskID, &sh.SharedBy, &sh.SharedWith, &permission, &active, &sh.Comment, &sh.CreatedAt, &sh.RevokedAt); err != nil {
		return nil, err
	}
	sh.Permission = Permission(permission)
	sh.Active = active != 0
	return &sh, nil
}

func scanTaskShareRow(rows *sql.Rows) (*TaskShare, error) {
	var sh TaskShare
	var permission string
	var active int
	if err := rows.Scan(&sh.ID, &sh.TaskID, &sh.SharedBy, &sh.SharedWith, &permission, &active, &sh.Comment, &sh.CreatedAt, &sh.RevokedAt); err != nil {
		return nil, err
	}
	sh.Permission = Permission(permission)
	sh.Active = active != 0
	return &sh, nil
}

var ErrShareNotFound = errors.New("task share not found")
