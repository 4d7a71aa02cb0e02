package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process KV. Contents are lost on exit.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error

	// MaxBytes caps the total size of stored values (0 = unlimited).
	MaxBytes int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// FailWith makes every subsequent operation return err (nil restores
// normal behavior).
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Get implements KV.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements KV.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	if value == nil {
		value = []byte{}
	}
	return m.put(key, value)
}

// Update implements KV. fn runs with the store locked.
func (m *Memory) Update(_ context.Context, keys []string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	current := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := m.data[key]; ok {
			current[key] = append([]byte(nil), v...)
		}
	}

	writes, err := fn(current)
	if err != nil {
		return err
	}

	// Check the quota for the whole batch before touching anything
	if m.MaxBytes > 0 {
		var used int64
		for k, v := range m.data {
			if _, replaced := writes[k]; !replaced {
				used += int64(len(v))
			}
		}
		for k, v := range writes {
			used += int64(len(v))
			if used > m.MaxBytes {
				return fmt.Errorf("writing %d bytes to %s: %w", len(v), k, ErrQuotaExceeded)
			}
		}
	}

	for k, v := range writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *Memory) put(key string, value []byte) error {
	if m.MaxBytes > 0 {
		var used int64
		for k, v := range m.data {
			if k != key {
				used += int64(len(v))
			}
		}
		if used+int64(len(value)) > m.MaxBytes {
			return fmt.Errorf("writing %d bytes to %s: %w", len(value), key, ErrQuotaExceeded)
		}
	}

	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KV.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

// Close implements KV.
func (m *Memory) Close() error {
	return nil
}
