// Package postgres implements the checkpoint store on PostgreSQL. It does
// not implement storage.AdmissionStore.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
)

// DefaultTable is the checkpoint table name.
const DefaultTable = "feedgate_checkpoints"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

// Config controls the connection and schema.
type Config struct {
	DSN   string
	Table string
	// EnsureSchema creates the table and index when missing.
	EnsureSchema bool
	Clock        clock.Clock
}

// Store implements storage.CheckpointStore.
type Store struct {
	db    *sql.DB
	clock clock.Clock
	owned bool

	getSQL    string
	createSQL string
	sweepSQL  string
	schemaSQL []string
}

// Open connects to the database named by cfg.DSN.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	store, err := NewWithDB(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewWithDB wraps an existing handle. The caller keeps ownership of db.
func NewWithDB(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", table)
	}
	s := &Store{
		db:    db,
		clock: clock.Or(cfg.Clock),
		getSQL: `SELECT cutoff, created_at FROM ` + table +
			` WHERE handle = $1 AND expires_at > $2`,
		createSQL: `INSERT INTO ` + table + ` (handle, cutoff, created_at, expires_at) VALUES ($1, $2, $3, $4)` +
			` ON CONFLICT (handle) DO UPDATE SET cutoff = EXCLUDED.cutoff, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at` +
			` WHERE ` + table + `.expires_at <= $5`,
		sweepSQL: `DELETE FROM ` + table + ` WHERE expires_at <= $1`,
		schemaSQL: []string{
			`CREATE TABLE IF NOT EXISTS ` + table + ` (
	handle     TEXT PRIMARY KEY,
	cutoff     TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS ` + indexName(table) + ` ON ` + table + ` (expires_at)`,
		},
	}
	if cfg.EnsureSchema {
		for _, stmt := range s.schemaSQL {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("postgres: ensure schema: %w", err)
			}
		}
	}
	return s, nil
}

func indexName(table string) string {
	out := []byte(table)
	for i, c := range out {
		if c == '.' {
			out[i] = '_'
		}
	}
	return string(out) + "_expires_at_idx"
}

// Get implements storage.CheckpointStore.
func (s *Store) Get(ctx context.Context, handle string) (storage.Checkpoint, error) {
	var cp storage.Checkpoint
	err := s.db.QueryRowContext(ctx, s.getSQL, handle, s.clock.Now()).Scan(&cp.Cutoff, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Checkpoint{}, storage.ErrNotFound
		}
		return storage.Checkpoint{}, wrapError(err, "postgres: get checkpoint")
	}
	cp.Cutoff = cp.Cutoff.UTC()
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

// Create implements storage.CheckpointStore. Only an expired row is ever
// replaced; a live row leaves the statement affecting zero rows.
func (s *Store) Create(ctx context.Context, handle string, cp storage.Checkpoint, ttl time.Duration) error {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.createSQL, handle, cp.Cutoff.UTC(), cp.CreatedAt.UTC(), now.Add(ttl), now)
	if err != nil {
		return wrapError(err, "postgres: create checkpoint")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrExists
	}
	return nil
}

// SweepExpired implements storage.Sweeper.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.sweepSQL, now)
	if err != nil {
		return 0, wrapError(err, "postgres: sweep")
	}
	return res.RowsAffected()
}

// Ping implements storage.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return wrapError(s.db.PingContext(ctx), "postgres: ping")
}

// Close implements storage.CheckpointStore.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
	}
	return false
}
