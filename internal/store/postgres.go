// Package store is the durable home of sessions, their log steps, users
// and platforms, backed by Postgres through pgx.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings and bootstraps the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Store{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_groups (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(20) NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(30) NOT NULL UNIQUE,
			password VARCHAR(128),
			token VARCHAR(50),
			group_id BIGINT REFERENCES user_groups(id) ON DELETE SET NULL,
			allowed_machines INTEGER NOT NULL DEFAULT 1,
			max_stored_sessions INTEGER NOT NULL DEFAULT 100,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			date_joined TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_token ON users(token)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
			name TEXT,
			dc TEXT,
			endpoint_ip TEXT,
			endpoint_name TEXT,
			selenium_session TEXT,
			take_screenshot BOOLEAN NOT NULL DEFAULT FALSE,
			run_script TEXT,
			status TEXT NOT NULL DEFAULT 'waiting',
			reason TEXT,
			error TEXT,
			timed_out BOOLEAN NOT NULL DEFAULT FALSE,
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			created TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS session_log_steps (
			id BIGSERIAL PRIMARY KEY,
			session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			control_line TEXT NOT NULL,
			body TEXT,
			screenshot TEXT,
			created TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_steps_session_id ON session_log_steps(session_id)`,
		`CREATE TABLE IF NOT EXISTS sub_steps (
			id BIGSERIAL PRIMARY KEY,
			session_log_step_id BIGINT NOT NULL REFERENCES session_log_steps(id) ON DELETE CASCADE,
			control_line TEXT NOT NULL,
			body TEXT,
			created TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sub_steps_parent ON sub_steps(session_log_step_id)`,
		`CREATE TABLE IF NOT EXISTS platforms (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			node VARCHAR(100) NOT NULL,
			UNIQUE (name, node)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// notFound converts pgx.ErrNoRows into the package sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
