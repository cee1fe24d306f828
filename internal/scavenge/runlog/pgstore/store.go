// Package pgstore keeps scavenge run records in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dray-io/scavd/internal/scavenge/runlog"
)

// Config configures the connection pool.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate checks the pool settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("pgstore: URL is required")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("pgstore: MaxOpenConns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("pgstore: MaxIdleConns must be between 0 and MaxOpenConns")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("pgstore: ConnMaxLifetime must be >= 0")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS scavenges (
	id               TEXT PRIMARY KEY,
	node             TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	elapsed_ms       BIGINT NOT NULL DEFAULT 0,
	space_saved      BIGINT NOT NULL DEFAULT 0,
	chunks_scavenged INTEGER NOT NULL DEFAULT 0,
	chunks_skipped   INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	start_from_chunk INTEGER NOT NULL DEFAULT 0,
	threads          INTEGER NOT NULL DEFAULT 0,
	revision         BIGINT NOT NULL DEFAULT 1
);
ALTER TABLE scavenges ADD COLUMN IF NOT EXISTS revision BIGINT NOT NULL DEFAULT 1;
CREATE TABLE IF NOT EXISTS scavenges_active (
	id       TEXT PRIMARY KEY,
	node     TEXT NOT NULL,
	instance TEXT NOT NULL
);`

const insertRecord = `
INSERT INTO scavenges (id, node, status, started_at, completed_at, elapsed_ms, space_saved,
	chunks_scavenged, chunks_skipped, error, start_from_chunk, threads, revision)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
ON CONFLICT (id) DO NOTHING
RETURNING revision`

const updateRecord = `
UPDATE scavenges SET
	status = $2,
	completed_at = $3,
	elapsed_ms = $4,
	space_saved = $5,
	chunks_scavenged = $6,
	chunks_skipped = $7,
	error = $8,
	revision = revision + 1
WHERE id = $1 AND revision = $9
RETURNING revision`

const selectRecords = `
SELECT id, node, status, started_at, completed_at, elapsed_ms, space_saved,
	chunks_scavenged, chunks_skipped, error, start_from_chunk, threads, revision
FROM scavenges`

// Store implements runlog.Store on a *sql.DB using the pgx driver.
//
// Postgres has no session-scoped keys, so active markers are plain rows.
// A crashed process leaves its rows behind; the Manager recognises them as
// stale by their instance id.
type Store struct {
	db *sql.DB
}

// Open connects, pings and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool. Call Migrate before use if the
// schema may be missing.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// PutRecord inserts a record with revision zero and otherwise updates the
// row only while its revision still matches.
func (s *Store) PutRecord(ctx context.Context, rec runlog.Record) (int64, error) {
	var row *sql.Row
	if rec.Revision == 0 {
		row = s.db.QueryRowContext(ctx, insertRecord,
			rec.ID, rec.Node, rec.Status, rec.StartedAt, nullTime(rec.CompletedAt), rec.ElapsedMs,
			rec.SpaceSaved, rec.ChunksScavenged, rec.ChunksSkipped, rec.Error,
			rec.Options.StartFromChunk, rec.Options.Threads)
	} else {
		row = s.db.QueryRowContext(ctx, updateRecord,
			rec.ID, rec.Status, nullTime(rec.CompletedAt), rec.ElapsedMs,
			rec.SpaceSaved, rec.ChunksScavenged, rec.ChunksSkipped, rec.Error, rec.Revision)
	}

	var rev int64
	err := row.Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", runlog.ErrConflict, rec.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("pgstore: put %s: %w", rec.ID, err)
	}
	return rev, nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (runlog.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecords+" WHERE id = $1", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return runlog.Record{}, runlog.ErrNotFound
	}
	if err != nil {
		return runlog.Record{}, fmt.Errorf("pgstore: get %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context) ([]runlog.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords+" ORDER BY started_at DESC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}
	defer rows.Close()

	var records []runlog.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: list: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}
	return records, nil
}

func (s *Store) MarkActive(ctx context.Context, id string, m runlog.Marker) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scavenges_active (id, node, instance) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET node = EXCLUDED.node, instance = EXCLUDED.instance`,
		id, m.Node, m.Instance)
	if err != nil {
		return fmt.Errorf("pgstore: mark %s active: %w", id, err)
	}
	return nil
}

func (s *Store) ClearActive(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scavenges_active WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pgstore: clear %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context) (map[string]runlog.Marker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, node, instance FROM scavenges_active`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list active: %w", err)
	}
	defer rows.Close()

	active := make(map[string]runlog.Marker)
	for rows.Next() {
		var id string
		var m runlog.Marker
		if err := rows.Scan(&id, &m.Node, &m.Instance); err != nil {
			return nil, fmt.Errorf("pgstore: list active: %w", err)
		}
		active[id] = m
	}
	return active, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (runlog.Record, error) {
	var (
		rec       runlog.Record
		completed sql.NullTime
	)
	err := sc.Scan(&rec.ID, &rec.Node, &rec.Status, &rec.StartedAt, &completed, &rec.ElapsedMs,
		&rec.SpaceSaved, &rec.ChunksScavenged, &rec.ChunksSkipped, &rec.Error,
		&rec.Options.StartFromChunk, &rec.Options.Threads, &rec.Revision)
	if err != nil {
		return runlog.Record{}, err
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ runlog.Store = (*Store)(nil)
