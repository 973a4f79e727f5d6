package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity levels for audit entries.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// AuditEntry is one immutable record of an engine event. RunID is empty
// for run-independent events.
type AuditEntry struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id,omitempty"`
	StepID    string            `json:"step_id,omitempty"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// AuditStore is the append-only audit log. Entries are never mutated or
// deleted; concurrent writers are safe because every write is a single
// insert.
type AuditStore struct {
	db *sql.DB
}

// Append writes one entry and returns its assigned id.
func (s *AuditStore) Append(ctx context.Context, entry AuditEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, run_id, step_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, nullString(entry.RunID), nullString(entry.StepID),
		entry.Level, entry.Message, metadata, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry.ID, nil
}

// Recent returns entries for a run, most recent first, optionally filtered
// by step. The limit is clamped to 1..200.
func (s *AuditStore) Recent(ctx context.Context, runID, stepID string, limit int) ([]AuditEntry, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, run_id, step_id, level, message, metadata, created_at
		FROM audit_logs WHERE run_id = ?`
	args := []any{runID}
	if stepID != "" {
		query += ` AND step_id = ?`
		args = append(args, stepID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountForStep returns how many entries reference the given step.
func (s *AuditStore) CountForStep(ctx context.Context, runID, stepID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE run_id = ? AND step_id = ?`,
		runID, stepID,
	).Scan(&n)
	return n, err
}

func scanAudit(rows *sql.Rows) (AuditEntry, error) {
	var (
		entry         AuditEntry
		runID, stepID sql.NullString
		metadata      sql.NullString
		createdAt     int64
	)
	if err := rows.Scan(&entry.ID, &runID, &stepID, &entry.Level, &entry.Message, &metadata, &createdAt); err != nil {
		return entry, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	entry.RunID = runID.String
	entry.StepID = stepID.String
	entry.CreatedAt = time.UnixMilli(createdAt)
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &entry.Metadata)
	}
	return entry, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
