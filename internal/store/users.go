package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystemAdmin Role = "system_admin"
	RoleAdmin       Role = "admin"
	RoleUser        Role = "user"
)

// DefaultMaxConcurrentTasks returns the per-role default concurrency cap
// applied when a User is created without an explicit override.
func DefaultMaxConcurrentTasks(role Role) int {
	switch role {
	case RoleSystemAdmin:
		return 100
	case RoleAdmin:
		return 50
	default:
		return 10
	}
}

type User struct {
	ID                 string
	ExternalUID        string
	DisplayName        string
	Email              string
	Role               Role
	MaxConcurrentTasks int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// GetOrCreateUserByExternalUID implements the "created on first OAuth login"
// lifecycle rule: the id is immutable once assigned.
func (s *Store) GetOrCreateUserByExternalUID(ctx context.Context, externalUID, displayName, email string) (*User, error) {
	if u, err := s.GetUserByExternalUID(ctx, externalUID); err == nil {
		return u, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	u := &User{
		ID:                 uuid.NewString(),
		ExternalUID:        externalUID,
		DisplayName:        displayName,
		Email:              email,
		Role:               RoleUser,
		MaxConcurrentTasks: DefaultMaxConcurrentTasks(RoleUser),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, external_uid, display_name, email, role, max_concurrent_tasks)
			VALUES (?, ?, ?, ?, ?, ?);
		`, u.ID, u.ExternalUID, u.DisplayName, u.Email, string(u.Role), u.MaxConcurrentTasks)
		return err
	})
	if err != nil {
		// Lost a create race against a concurrent caller; fetch the winner's row.
		if existing, getErr := s.GetUserByExternalUID(ctx, externalUID); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByExternalUID(ctx context.Context, externalUID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_uid, display_name, email, role, max_concurrent_tasks, created_at, updated_at
		FROM users WHERE external_uid = ?;
	`, externalUID)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_uid, display_name, email, role, max_concurrent_tasks, created_at, updated_at
		FROM users WHERE id = ?;
	`, userID)
	return scanUser(row)
}

// SeedUser creates a user row with an explicit id, for init-time seeding.
func (s *Store) SeedUser(ctx context.Context, u User) error {
	if u.MaxConcurrentTasks <= 0 {
		u.MaxConcurrentTasks = DefaultMaxConcurrentTasks(u.Role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (id, external_uid, display_name, email, role, max_concurrent_tasks)
		VALUES (?, ?, ?, ?, ?, ?);
	`, u.ID, u.ExternalUID, u.DisplayName, u.Email, string(u.Role), u.MaxConcurrentTasks)
	return err
}

// SetUserRole is the only mutation path for role; system_admin is the only
// caller entitled to invoke it (enforced by shareguard/gateway, not here).
func (s *Store) SetUserRole(ctx context.Context, userID string, role Role) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET role = ?, max_concurrent_tasks = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, string(role), DefaultMaxConcurrentTasks(role), userID)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
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

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.ExternalUID, &u.DisplayName, &u.Email, &role, &u.MaxConcurrentTasks, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}
