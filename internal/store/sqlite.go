package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/lelo-bot/internal/shared"
	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

const (
	connectMaxElapsed = 30 * time.Second
	busyRetries       = 3
	busyBaseDelay     = 50 * time.Millisecond
)

// SQLiteKV implements KV on a single SQLite table.
type SQLiteKV struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at dbPath. Connecting is
// retried with exponential backoff; if the store is still unreachable the
// error is returned and startup should abort.
func NewSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteKV, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps credential writes from blocking the status readers.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = connectMaxElapsed

	attempt := 0
	ping := func() error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("Credential store not reachable, retrying", "attempt", attempt, "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	kv := &SQLiteKV{db: db, logger: logger}
	if err := kv.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return kv, nil
}

func (s *SQLiteKV) initSchema(ctx context.Context) error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Set stores value under key.
func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	return s.retryBusy(ctx, "set", key, func() error {
		if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		return nil
	})
}

// Get returns the value for key, or nil when absent.
func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Del removes key.
func (s *SQLiteKV) Del(ctx context.Context, key string) error {
	return s.retryBusy(ctx, "del", key, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("del %q: %w", key, err)
		}
		return nil
	})
}

// Close closes the database connection.
func (s *SQLiteKV) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// retryBusy retries op on SQLITE_BUSY / "database is locked" only; any other
// error is returned immediately.
func (s *SQLiteKV) retryBusy(ctx context.Context, op, key string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = busyBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return backoff.Permanent(err)
		}
		s.logger.Debug("Credential store busy, retrying", "op", op, "key", key, "attempt", attempt)
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, busyRetries), ctx))
}

var _ KV = (*SQLiteKV)(nil)
