// Package store provides the durable key-value storage that backs the local
// queue, the session and cached profiles.
//
// Three backends are available:
//   - SQLite: embedded database file in the data directory (default)
//   - Redis: shared instance for kiosks that already run one
//   - Memory: non-durable, for tests
//
// Values are opaque byte slices. Every backend maps its native failures onto
// the sentinel errors below so callers can tell "nothing stored" apart from
// "storage is broken" and "storage is full".
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key has never been written
	// or was deleted.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable is returned when the backend cannot be read or written.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrQuotaExceeded is returned when a write would exceed the configured
	// size limit or the backend reports that it is full.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// KV is a durable key-value store.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Update reads keys, hands their current values to fn and applies the
	// writes fn returns, as one atomic step across every process sharing
	// the backend. fn may run more than once and must not call back into
	// the KV.
	Update(ctx context.Context, keys []string, fn UpdateFunc) error

	// Close releases the backend.
	Close() error
}

// UpdateFunc computes writes from the current values of the keys passed to
// Update. Keys that are not stored are missing from current. In the returned
// map a nil value deletes the key and keys left out are not touched. Writes
// should only name keys passed to Update. Returning an error aborts the
// update without writing anything.
type UpdateFunc func(current map[string][]byte) (map[string][]byte, error)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of BackendSQLite, BackendRedis or BackendMemory.
	Backend string

	// Path is the SQLite database file.
	Path string

	// RedisURL is a redis:// URL for the Redis backend.
	RedisURL string

	// MaxBytes caps the total size of stored values (0 = unlimited).
	// Only enforced by the SQLite and Memory backends.
	MaxBytes int64
}

// Open creates the backend described by cfg.
func Open(ctx context.Context, cfg Config) (KV, error) {
	switch cfg.Backend {
	case "", BackendSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("store path cannot be empty")
		}
		return OpenSQLite(cfg.Path, cfg.MaxBytes)
	case BackendRedis:
		return OpenRedis(ctx, cfg.RedisURL)
	case BackendMemory:
		m := NewMemory()
		m.MaxBytes = cfg.MaxBytes
		return m, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
