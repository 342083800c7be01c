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

	"github.com/ashureev/chat-worker/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a single SQLite table with per-row expiry.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at) WHERE expires_at IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// expiresAt converts a ttl into the stored column value; nil means no expiry.
func (s *SQLiteStore) expiresAt(ttl time.Duration) interface{} {
	if ttl <= 0 {
		return nil
	}
	return s.now().Add(ttl).UnixMilli()
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the value for key or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`

	var value string
	err := s.db.QueryRowContext(ctx, query, key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set writes value unconditionally.
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	query := `
	INSERT INTO kv (key, value, expires_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "set", key, func() error {
		_, err := s.db.ExecContext(ctx, query, key, value, s.expiresAt(ttl), s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	})
}

// SetNX writes value only if key is absent or expired.
func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	query := `
	INSERT INTO kv (key, value, expires_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at
	WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= ?`

	var written bool
	err := s.withRetry(ctx, "setnx", key, func() error {
		now := s.now().UnixMilli()
		result, err := s.db.ExecContext(ctx, query, key, value, s.expiresAt(ttl), now, now)
		if err != nil {
			return fmt.Errorf("setnx %s: %w", key, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		written = rows == 1
		return nil
	})
	return written, err
}

// CompareAndSwap replaces the value only if it still equals old.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	if old == "" {
		return s.SetNX(ctx, key, value, ttl)
	}

	query := `
	UPDATE kv SET value = ?, expires_at = ?, updated_at = ?
	WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`

	var swapped bool
	err := s.withRetry(ctx, "cas", key, func() error {
		now := s.now().UnixMilli()
		result, err := s.db.ExecContext(ctx, query, value, s.expiresAt(ttl), now, key, old, now)
		if err != nil {
			return fmt.Errorf("compare and swap %s: %w", key, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		swapped = rows == 1
		return nil
	})
	return swapped, err
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	})
}

// DeleteExpired removes rows whose expiry has passed.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs op with exponential backoff on SQLITE_BUSY errors.
func (s *SQLiteStore) withRetry(ctx context.Context, opName, key string, op func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying",
			"op", opName,
			"key", key,
			"attempt", i+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

const janitorMinInterval = time.Second

// StartJanitor runs a background goroutine that periodically purges expired
// rows until ctx is cancelled.
func (s *SQLiteStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval < janitorMinInterval {
		interval = janitorMinInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Store janitor started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				deleted, err := s.DeleteExpired(ctx)
				if err != nil {
					slog.Error("Store janitor failed to delete expired rows", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Store janitor purged expired rows", "count", deleted)
				}
			case <-ctx.Done():
				slog.Info("Store janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
