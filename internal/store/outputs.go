package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AIOutput records one chunk's AI call. The tuple
// (task_id, stage, chunk_index, prompt_fingerprint) uniquely identifies a
// record: once stored, the same fingerprint within the same task is never
// re-invoked (idempotent Detect resumption).
type AIOutput struct {
	ID                string
	TaskID            string
	Stage             string
	ChunkIndex        int
	PromptFingerprint string
	InputText         string
	RawOutput         string
	TokenUsage        int
	LatencyMS         int
	CreatedAt         time.Time
}

func upsertAIOutputTx(ctx context.Context, tx *sql.Tx, out AIOutput) error {
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ai_outputs (id, task_id, stage, chunk_index, prompt_fingerprint, input_text, raw_output, token_usage, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, stage, chunk_index, prompt_fingerprint) DO NOTHING;
	`, out.ID, out.TaskID, out.Stage, out.ChunkIndex, out.PromptFingerprint, out.InputText, out.RawOutput, out.TokenUsage, out.LatencyMS)
	if err != nil {
		return fmt.Errorf("upsert ai output: %w", err)
	}
	return nil
}

// PersistAIOutput writes a single chunk's output as soon as it succeeds,
// outside the final atomic commit, enabling Detect resumption on retry.
func (s *Store) PersistAIOutput(ctx context.Context, out AIOutput) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := upsertAIOutputTx(ctx, tx, out); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// HasAIOutput reports whether a chunk with the given fingerprint has already
// been persisted for this task and stage, letting Detect skip re-invoking
// the AI provider for it on retry.
func (s *Store) HasAIOutput(ctx context.Context, taskID, stage string, chunkIndex int, fingerprint string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM ai_outputs WHERE task_id = ? AND stage = ? AND chunk_index = ? AND prompt_fingerprint = ?;
	`, taskID, stage, chunkIndex, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListAIOutputsByTaskStage(ctx context.Context, taskID, stage string) ([]AIOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, stage, chunk_index, prompt_fingerprint, input_text, raw_output, token_usage, latency_ms, created_at
		FROM ai_outputs WHERE task_id = ? AND stage = ? ORDER BY chunk_index ASC;
	`, taskID, stage)
	if err != nil {
		return nil, fmt.Errorf("list ai outputs: %w", err)
	}
	defer rows.Close()

	var out []AIOutput
	for rows.Next() {
		var o AIOutput
		if err := rows.Scan(&o.ID, &o.TaskID, &o.Stage, &o.ChunkIndex, &o.PromptFingerprint, &o.InputText,
			&o.RawOutput, &o.TokenUsage, &o.LatencyMS, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
