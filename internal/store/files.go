package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// FileInfo is content-addressed by sha256; one row may back multiple Tasks.
type FileInfo struct {
	ID           string
	SHA256       string
	StoredPath   string
	OriginalName string
	SizeBytes    int64
	MimeType     string
}

// GetOrCreateFileInfo dedupes by sha256 so re-uploading identical bytes never
// duplicates storage.
func (s *Store) GetOrCreateFileInfo(ctx context.Context, f FileInfo) (*FileInfo, error) {
	if existing, err := s.GetFileInfoBySHA256(ctx, f.SHA256); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO file_infos (id, sha256, stored_path, original_name, size_bytes, mime_type)
			VALUES (?, ?, ?, ?, ?, ?);
		`, f.ID, f.SHA256, f.StoredPath, f.OriginalName, f.SizeBytes, f.MimeType)
		return err
	})
	if err != nil {
		if existing, getErr := s.GetFileInfoBySHA256(ctx, f.SHA256); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create file info: %w", err)
	}
	return &f, nil
}

func (s *Store) GetFileInfoBySHA256(ctx context.Context, sha256 string) (*FileInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sha256, stored_path, original_name, size_bytes, mime_type
		FROM file_infos WHERE sha256 = ?;
	`, sha256)
	return scanFileInfo(row)
}

func (s *Store) GetFileInfo(ctx context.Context, id string) (*FileInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sha256, stored_path, original_name, size_bytes, mime_type
		FROM file_infos WHERE id = ?;
	`, id)
	return scanFileInfo(row)
}

func scanFileInfo(row *sql.Row) (*FileInfo, error) {
	var f FileInfo
	if err := row.Scan(&f.ID, &f.SHA256, &f.StoredPath, &f.OriginalName, &f.SizeBytes, &f.MimeType); err != nil {
		return nil, err
	}
	return &f, nil
}
