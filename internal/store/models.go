package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// AIModel is read-only at runtime; seeded from configuration at startup.
type AIModel struct {
	ID         string
	Key        string
	Provider   string
	ConfigJSON string
	IsDefault  bool
}

// SeedAIModel upserts a model definition by key, used during config-driven
// startup seeding. It never clears an existing default flag implicitly.
func (s *Store) SeedAIModel(ctx context.Context, m AIModel) error {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_models (id, key, provider, config_json, is_default)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET provider = excluded.provider, config_json = excluded.config_json;
	`, id, m.Key, m.Provider, m.ConfigJSON, boolToInt(m.IsDefault))
	if err != nil {
		return fmt.Errorf("seed ai model: %w", err)
	}
	return nil
}

func (s *Store) GetAIModel(ctx context.Context, id string) (*AIModel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, key, provider, config_json, is_default FROM ai_models WHERE id = ?;`, id)
	return scanAIModel(row)
}

func (s *Store) DefaultAIModel(ctx context.Context) (*AIModel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, key, provider, config_json, is_default FROM ai_models WHERE is_default = 1 LIMIT 1;`)
	return scanAIModel(row)
}

func (s *Store) ListAIModels(ctx context.Context) ([]AIModel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key, provider, config_json, is_default FROM ai_models ORDER BY key;`)
	if err != nil {
		return nil, fmt.Errorf("list ai models: %w", err)
	}
	defer rows.Close()

	var out []AIModel
	for rows.Next() {
		var m AIModel
		var isDefault int
		if err := rows.Scan(&m.ID, &m.Key, &m.Provider, &m.ConfigJSON, &isDefault); err != nil {
			return nil, err
		}
		m.IsDefault = isDefault != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanAIModel(row *sql.Row) (*AIModel, error) {
	var m AIModel
	var isDefault int
	if err := row.Scan(&m.ID, &m.Key, &m.Provider, &m.ConfigJSON, &isDefault); err != nil {
		return nil, err
	}
	m.IsDefault = isDefault != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
