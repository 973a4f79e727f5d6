package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time observation of the controlled surface,
// keyed by run and step.
type Snapshot struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content,omitempty"`
	Elements  string    `json:"elements,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotStore is the append-only snapshot store.
type SnapshotStore struct {
	db *sql.DB
}

// Save writes one snapshot record and returns its assigned id.
func (s *SnapshotStore) Save(ctx context.Context, snap Snapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, run_id, step_id, url, title, content, elements, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.RunID, nullString(snap.StepID),
		nullString(snap.URL), nullString(snap.Title),
		nullString(snap.Content), nullString(snap.Elements),
		snap.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	return snap.ID, nil
}

// Recent returns snapshots for a run, most recent first, optionally
// filtered by step. The limit is clamped to 1..200.
func (s *SnapshotStore) Recent(ctx context.Context, runID, stepID string, limit int) ([]Snapshot, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, run_id, step_id, url, title, content, elements, created_at
		FROM snapshots WHERE run_id = ?`
	args := []any{runID}
	if stepID != "" {
		query += ` AND step_id = ?`
		args = append(args, stepID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var (
			snap                        Snapshot
			stepID, url, title, content sql.NullString
			elements                    sql.NullString
			createdAt                   int64
		)
		if err := rows.Scan(&snap.ID, &snap.RunID, &stepID, &url, &title, &content, &elements, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.StepID = stepID.String
		snap.URL = url.String
		snap.Title = title.String
		snap.Content = content.String
		snap.Elements = elements.String
		snap.CreatedAt = time.UnixMilli(createdAt)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Latest returns the most recent snapshot for a run, or nil if none exist.
func (s *SnapshotStore) Latest(ctx context.Context, runID string) (*Snapshot, error) {
	snaps, err := s.Recent(ctx, runID, "", 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}
