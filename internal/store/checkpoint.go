package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoCheckpoint is returned when a run has no checkpoint yet.
var ErrNoCheckpoint = errors.New("no checkpoint for run")

// CheckpointStore persists one whole-document checkpoint per run. A save
// replaces the run's record atomically; readers never observe a partial
// update.
type CheckpointStore struct {
	db *sql.DB
}

// Save overwrites the run's checkpoint document.
func (s *CheckpointStore) Save(ctx context.Context, runID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		runID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the run's checkpoint document, or ErrNoCheckpoint.
func (s *CheckpointStore) Load(ctx context.Context, runID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return []byte(data), nil
}

// ListRuns returns run ids with a checkpoint, most recently updated first.
func (s *CheckpointStore) ListRuns(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM checkpoints ORDER BY updated_at DESC LIMIT ?`, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}
