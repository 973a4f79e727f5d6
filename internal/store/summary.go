package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunSummary is the distilled record of one finished run: a free-text
// summary plus structured buckets the playbook synthesizer aggregates.
type RunSummary struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	Summary         string    `json:"summary,omitempty"`
	Mistakes        []string  `json:"mistakes,omitempty"`
	Improvements    []string  `json:"improvements,omitempty"`
	Guardrails      []string  `json:"guardrails,omitempty"`
	ToolAdjustments []string  `json:"tool_adjustments,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SummaryStore persists run summaries and the rendered playbook.
type SummaryStore struct {
	db *sql.DB
}

// Save writes one run summary.
func (s *SummaryStore) Save(ctx context.Context, sum RunSummary) (string, error) {
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_summaries (id, run_id, summary, mistakes, improvements, guardrails, tool_adjustments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.RunID, nullString(sum.Summary),
		encodeBucket(sum.Mistakes), encodeBucket(sum.Improvements),
		encodeBucket(sum.Guardrails), encodeBucket(sum.ToolAdjustments),
		sum.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save run summary: %w", err)
	}
	return sum.ID, nil
}

// Recent returns run summaries, most recent first.
func (s *SummaryStore) Recent(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, summary, mistakes, improvements, guardrails, tool_adjustments, created_at
		FROM run_summaries ORDER BY created_at DESC, rowid DESC LIMIT ?`, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query run summaries: %w", err)
	}
	defer rows.Close()

	var sums []RunSummary
	for rows.Next() {
		var (
			sum                         RunSummary
			summary                     sql.NullString
			mistakes, improvements      sql.NullString
			guardrails, toolAdjustments sql.NullString
			createdAt                   int64
		)
		if err := rows.Scan(&sum.ID, &sum.RunID, &summary, &mistakes, &improvements, &guardrails, &toolAdjustments, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		sum.Summary = summary.String
		sum.Mistakes = decodeBucket(mistakes)
		sum.Improvements = decodeBucket(improvements)
		sum.Guardrails = decodeBucket(guardrails)
		sum.ToolAdjustments = decodeBucket(toolAdjustments)
		sum.CreatedAt = time.UnixMilli(createdAt)
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// SavePlaybook replaces the rendered playbook consumed by future runs.
func (s *SummaryStore) SavePlaybook(ctx context.Context, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playbooks (id, content, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		content, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save playbook: %w", err)
	}
	return nil
}

// LoadPlaybook returns the rendered playbook, or "" when none exists.
func (s *SummaryStore) LoadPlaybook(ctx context.Context) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM playbooks WHERE id = 1`).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load playbook: %w", err)
	}
	return content, nil
}

func encodeBucket(items []string) sql.NullString {
	if len(items) == 0 {
		return sql.NullString{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func decodeBucket(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var items []string
	_ = json.Unmarshal([]byte(raw.String), &items)
	return items
}
