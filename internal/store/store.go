// Package store holds the persistence contracts the engine depends on and
// their SQLite implementations: append-only audit log, append-only
// snapshot store, whole-document checkpoint store, and run summaries for
// playbook synthesis.
package store

import (
	"database/sql"
)

// Store bundles the engine's persistence surfaces over one database
// connection.
type Store struct {
	db *sql.DB

	Audits      *AuditStore
	Snapshots   *SnapshotStore
	Checkpoints *CheckpointStore
	Summaries   *SummaryStore
}

// New creates a Store over an open, migrated database connection.
func New(db *sql.DB) *Store {
	return &Store{
		db:          db,
		Audits:      &AuditStore{db: db},
		Snapshots:   &SnapshotStore{db: db},
		Checkpoints: &CheckpointStore{db: db},
		Summaries:   &SummaryStore{db: db},
	}
}

// DB exposes the underlying connection for sharing with other components.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
