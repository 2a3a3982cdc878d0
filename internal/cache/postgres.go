package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const createTable = `
	CREATE TABLE IF NOT EXISTS response_cache (
		key        TEXT PRIMARY KEY,
		body       BYTEA NOT NULL,
		stored_at  TIMESTAMPTZ NOT NULL
	)
`

// PostgresStore keeps cached responses in a postgres table so that several
// engine processes share one cache.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and makes sure the cache table exists
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// Get returns the row for key
func (s *PostgresStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT body, stored_at FROM response_cache WHERE key = $1`, key,
	).Scan(&e.Body, &e.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to query cache: %w", err)
	}
	return e, true, nil
}

// Put upserts the row for key
func (s *PostgresStore) Put(ctx context.Context, key string, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO response_cache (key, body, stored_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, stored_at = EXCLUDED.stored_at
	`, key, e.Body, e.StoredAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// Purge empties the table
func (s *PostgresStore) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM response_cache`); err != nil {
		return fmt.Errorf("failed to purge cache: %w", err)
	}
	s.logger.Info("Response cache purged")
	return nil
}

// Ping checks the connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
