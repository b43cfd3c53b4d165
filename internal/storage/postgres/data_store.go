// Package postgres provides the Postgres-backed DataStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// Schema creates the tables the DataStore reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS applications (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS notes (
	id             TEXT PRIMARY KEY,
	application_id TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
	note_ref       TEXT NOT NULL,
	likes          BIGINT NOT NULL DEFAULT 0,
	views          BIGINT NOT NULL DEFAULT 0,
	collects       BIGINT NOT NULL DEFAULT 0,
	comments       BIGINT NOT NULL DEFAULT 0,
	shares         BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS notes_application_id_idx ON notes (application_id);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// DataStore reads applications and notes and writes refreshed metrics.
type DataStore struct {
	pool pool
	now  func() time.Time
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*DataStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DataStore{pool: p, now: time.Now}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool) (*DataStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DataStore{pool: p, now: time.Now}, nil
}

// Close releases the pool.
func (s *DataStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *DataStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping postgres", err)
	}
	return nil
}

// Migrate applies Schema.
func (s *DataStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return classify("apply schema", err)
	}
	return nil
}

// ListEntities returns every application ordered by name.
func (s *DataStore) ListEntities(ctx context.Context) ([]tracker.Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, owner_id FROM applications ORDER BY name, id`)
	if err != nil {
		return nil, classify("list applications", err)
	}
	defer rows.Close()

	var out []tracker.Entity
	for rows.Next() {
		var e tracker.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.OwnerID); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list applications", err)
	}
	return out, nil
}

// ListItems returns the notes tracked for an application.
func (s *DataStore) ListItems(ctx context.Context, entityID string) ([]tracker.TrackedItem, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, note_ref, application_id, likes, views, collects, comments, shares
FROM notes
WHERE application_id = $1
ORDER BY id`, entityID)
	if err != nil {
		return nil, classify("list notes", err)
	}
	defer rows.Close()

	var out []tracker.TrackedItem
	for rows.Next() {
		var it tracker.TrackedItem
		m := &it.Metrics
		if err := rows.Scan(&it.ID, &it.ExternalRef, &it.EntityID,
			&m.Likes, &m.Views, &m.Collects, &m.Comments, &m.Shares); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list notes", err)
	}
	return out, nil
}

// UpdateItemMetrics overwrites a note's metrics.
func (s *DataStore) UpdateItemMetrics(ctx context.Context, itemID string, m tracker.Metrics) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE notes
SET likes = $1, views = $2, collects = $3, comments = $4, shares = $5, updated_at = $6
WHERE id = $7`, m.Likes, m.Views, m.Collects, m.Comments, m.Shares, s.now().UTC(), itemID)
	if err != nil {
		return classify("update note metrics", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("note %s: %w", itemID, tracker.ErrNotFound)
	}
	return nil
}

// GetEntity returns the application or nil when it does not exist.
func (s *DataStore) GetEntity(ctx context.Context, id string) (*tracker.Entity, error) {
	var e tracker.Entity
	err := s.pool.QueryRow(ctx, `SELECT id, name, owner_id FROM applications WHERE id = $1`, id).
		Scan(&e.ID, &e.Name, &e.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get application", err)
	}
	return &e, nil
}

// classify marks connectivity failures as systemic so a batch run aborts
// instead of failing every remaining item one by one. Server-side query
// errors stay ordinary errors.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "57P"), // operator intervention
			strings.HasPrefix(pgErr.Code, "53"):  // insufficient resources
			return tracker.Systemic(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return tracker.Systemic(op, err)
}
