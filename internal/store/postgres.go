// Package store implements the transactional key/row store spec.md §1
// treats as a collaborator behind a thin interface, backing the
// alert_history, subagent_runs, and user_preferences tables named in
// spec.md §6. Store satisfies internal/alerts.HistoryStore and
// internal/alerts.PreferenceProvider and internal/subagent.ArchiveStore
// directly, so the core packages never import database/sql themselves.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Config tunes the underlying connection pool, grounded on the
// teacher's internal/jobs.CockroachConfig.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig mirrors the teacher's connection-pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store is a Postgres-backed (lib/pq) implementation of the core's
// named tables. CockroachDB speaks the same wire protocol, so the same
// driver serves either backend.
//
// The alert_history, subagent_runs, and user_preferences tables each
// get their own thin sub-store type (AlertHistoryStore,
// SubagentArchiveStore, PreferenceStore) so a single Get-named method
// per table can satisfy its consumer-package interface without name
// collisions on one shared type.
type Store struct {
	db *sql.DB
}

// NewFromDSN opens and pings a connection, applying cfg's pool limits.
func NewFromDSN(dsn string, cfg Config) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an already-open *sql.DB (e.g. a sqlmock connection in tests).
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AlertHistoryStore returns the alerts.HistoryStore backed by this connection.
func (s *Store) AlertHistoryStore() *AlertHistoryStore {
	return &AlertHistoryStore{db: s.db}
}

// SubagentArchiveStore returns the subagent.ArchiveStore backed by this connection.
func (s *Store) SubagentArchiveStore() *SubagentArchiveStore {
	return &SubagentArchiveStore{db: s.db}
}

// PreferenceStore returns the alerts.PreferenceProvider backed by this connection.
func (s *Store) PreferenceStore() *PreferenceStore {
	return &PreferenceStore{db: s.db}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
