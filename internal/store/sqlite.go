package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is a KV backed by an embedded SQLite database in WAL mode.
type SQLite struct {
	conn     *sql.DB
	path     string
	maxBytes int64
}

// OpenSQLite opens (or creates) the database file at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	kv, err := store.OpenSQLite(filepath.Join(dataDir, "fieldsync.db"), 0)
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
func OpenSQLite(path string, maxBytes int64) (*SQLite, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them; another
	// process may hold the write lock and busy_timeout is per connection.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(normal)"

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		conn:     conn,
		path:     path,
		maxBytes: maxBytes,
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *SQLite) Path() string {
	return s.path
}

// Get implements KV.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", key, classify(err))
	}
	return value, nil
}

// Set implements KV. When a size limit is configured the write is refused
// with ErrQuotaExceeded if the stored values would grow past it.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.Update(ctx, nil, func(map[string][]byte) (map[string][]byte, error) {
		return map[string][]byte{key: value}, nil
	})
}

// Delete implements KV.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, classify(err))
	}
	return nil
}

// Update implements KV. It runs in a BEGIN IMMEDIATE transaction, which takes
// the database write lock before the first read, so writers in other
// processes wait for it (up to busy_timeout) instead of interleaving.
func (s *SQLite) Update(ctx context.Context, keys []string, fn UpdateFunc) error {
	conn, err := s.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", classify(err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin update: %w", classify(err))
	}
	done := false
	defer func() {
		if !done {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	current := make(map[string][]byte, len(keys))
	for _, key := range keys {
		var value []byte
		err := conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read key %s: %w", key, classify(err))
		}
		current[key] = value
	}

	writes, err := fn(current)
	if err != nil {
		return err
	}

	for key, value := range writes {
		if value == nil {
			if _, err := conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", key, classify(err))
			}
			continue
		}
		if err := s.put(ctx, conn, key, value); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit update: %w", classify(err))
	}
	done = true
	return nil
}

// put writes one value inside an open transaction on conn.
func (s *SQLite) put(ctx context.Context, conn *sql.Conn, key string, value []byte) error {
	if s.maxBytes > 0 {
		var used int64
		err := conn.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM kv WHERE key != ?`, key).Scan(&used)
		if err != nil {
			return fmt.Errorf("failed to measure usage: %w", classify(err))
		}
		if used+int64(len(value)) > s.maxBytes {
			return fmt.Errorf("writing %d bytes to %s (%d of %d used): %w",
				len(value), key, used, s.maxBytes, ErrQuotaExceeded)
		}
	}

	_, err := conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, classify(err))
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// classify maps driver errors onto the package sentinels while keeping the
// original error in the chain.
func classify(err error) error {
	if errors.Is(err, sqlite3.FULL) {
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
