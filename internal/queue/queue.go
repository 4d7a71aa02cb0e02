// Package queue implements the durable per-kind outbox of events waiting to
// be written to the remote store.
//
// Each kind has its own append-only sequence persisted in a store.KV:
//
//	queue/<kind>       JSON array of pending envelopes, oldest first
//	seq/<kind>         last localId handed out
//	dead/<kind>        envelopes parked after repeated rejections
//	rejections/<kind>  consecutive rejected sync attempts
//	lease/<name>       cross-process lease, see AcquireLease
//
// Every mutation is a single store.KV Update, so the daemon and one-shot CLI
// commands can share one store file without losing each other's writes.
//
// A drain is List followed by Clear with the listed snapshot. Clear removes
// exactly the drained localIds, so events appended while the drain was in
// flight, by this process or another, stay queued for the next run.
// Delivery is therefore at-least-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/store"
)

var (
	// ErrDataLoss is returned when an event could not be persisted locally.
	// The caller must tell the user the event was not saved.
	ErrDataLoss = errors.New("event could not be saved locally")

	// ErrInvalidEvent is returned when an envelope fails validation.
	ErrInvalidEvent = errors.New("invalid event")
)

// Observer is notified with the new pending count after every change.
type Observer interface {
	PendingChanged(kind schema.Kind, count int)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(kind schema.Kind, count int)

// PendingChanged implements Observer.
func (f ObserverFunc) PendingChanged(kind schema.Kind, count int) { f(kind, count) }

// Queue is the durable outbox. It is safe for concurrent use, also by
// several processes over one store.
type Queue struct {
	kv     store.KV
	logger *log.Logger
	now    func() time.Time

	observersMu sync.RWMutex
	observers   []Observer
}

// New creates a queue persisted in kv.
// If logger is nil, a default logger writing to stderr is used.
func New(kv store.KV, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers an observer for pending-count changes.
func (q *Queue) Subscribe(o Observer) {
	q.observersMu.Lock()
	defer q.observersMu.Unlock()
	q.observers = append(q.observers, o)
}

func (q *Queue) notify(kind schema.Kind, count int) {
	q.observersMu.RLock()
	observers := make([]Observer, len(q.observers))
	copy(observers, q.observers)
	q.observersMu.RUnlock()

	for _, o := range observers {
		o.PendingChanged(kind, count)
	}
}

// Enqueue validates env, assigns its localId and missing capture metadata,
// and appends it to its kind's sequence. The stored envelope is returned.
//
// Storage failures are reported as ErrDataLoss wrapping the store error.
func (q *Queue) Enqueue(ctx context.Context, env schema.Envelope) (schema.Envelope, error) {
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	qKey, sKey := queueKey(env.Kind), seqKey(env.Kind)
	var stored schema.Envelope
	var count int

	err := q.kv.Update(ctx, []string{qKey, sKey}, func(cur map[string][]byte) (map[string][]byte, error) {
		pending, err := decodeEnvelopes(qKey, cur[qKey])
		if err != nil {
			return nil, err
		}
		seq, err := decodeInt(sKey, cur[sKey])
		if err != nil {
			return nil, err
		}
		if n := len(pending); n > 0 && pending[n-1].LocalID > seq {
			seq = pending[n-1].LocalID
		}
		seq++

		stored = env
		stored.LocalID = seq
		stored.Stamp(q.now())
		pending = append(pending, stored)

		data, err := encodeEnvelopes(pending)
		if err != nil {
			return nil, err
		}
		count = len(pending)
		return map[string][]byte{qKey: data, sKey: encodeInt(seq)}, nil
	})
	if err != nil {
		q.logger.Printf("Failed to persist %s event: %v", env.Kind, err)
		return env, fmt.Errorf("%w: %w", ErrDataLoss, err)
	}

	q.notify(env.Kind, count)
	return stored, nil
}

// List returns every pending envelope of kind in capture order. It has no
// side effects.
func (q *Queue) List(ctx context.Context, kind schema.Kind) ([]schema.Envelope, error) {
	return q.load(ctx, queueKey(kind))
}

// Count returns the number of pending envelopes of kind.
func (q *Queue) Count(ctx context.Context, kind schema.Kind) (int, error) {
	pending, err := q.List(ctx, kind)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Pending returns the pending count of every kind.
func (q *Queue) Pending(ctx context.Context) (map[schema.Kind]int, error) {
	counts := make(map[schema.Kind]int, len(schema.Kinds))
	for _, kind := range schema.Kinds {
		n, err := q.Count(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s queue: %w", kind, err)
		}
		counts[kind] = n
	}
	return counts, nil
}

// Clear removes exactly the drained envelopes from kind's sequence.
// Envelopes appended after drained was listed are kept.
func (q *Queue) Clear(ctx context.Context, kind schema.Kind, drained []schema.Envelope) error {
	if len(drained) == 0 {
		return nil
	}

	key := queueKey(kind)
	var count int
	err := q.kv.Update(ctx, []string{key}, func(cur map[string][]byte) (map[string][]byte, error) {
		pending, err := decodeEnvelopes(key, cur[key])
		if err != nil {
			return nil, err
		}
		kept, _ := without(pending, drained)
		data, err := encodeEnvelopes(kept)
		if err != nil {
			return nil, err
		}
		count = len(kept)
		return map[string][]byte{key: data}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear %s queue: %w", kind, err)
	}

	q.notify(kind, count)
	return nil
}

// without splits pending into the envelopes whose localId is not in drained
// and the ones that are.
func without(pending, drained []schema.Envelope) (kept, removed []schema.Envelope) {
	done := make(map[int64]bool, len(drained))
	for _, env := range drained {
		done[env.LocalID] = true
	}

	for _, env := range pending {
		if done[env.LocalID] {
			removed = append(removed, env)
		} else {
			kept = append(kept, env)
		}
	}
	return kept, removed
}

func (q *Queue) load(ctx context.Context, key string) ([]schema.Envelope, error) {
	data, err := q.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return []schema.Envelope{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeEnvelopes(key, data)
}

func decodeEnvelopes(key string, data []byte) ([]schema.Envelope, error) {
	if len(data) == 0 {
		return []schema.Envelope{}, nil
	}
	var envs []schema.Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("corrupt queue %s: %w", key, err)
	}
	return envs, nil
}

// encodeEnvelopes returns nil for an empty list so Update deletes the key.
func encodeEnvelopes(envs []schema.Envelope) ([]byte, error) {
	if len(envs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelopes: %w", err)
	}
	return data, nil
}

func decodeInt(key string, data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return n, nil
}

func encodeInt(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func queueKey(kind schema.Kind) string      { return "queue/" + string(kind) }
func seqKey(kind schema.Kind) string        { return "seq/" + string(kind) }
func deadKey(kind schema.Kind) string       { return "dead/" + string(kind) }
func rejectionsKey(kind schema.Kind) string { return "rejections/" + string(kind) }
func leaseKey(name string) string           { return "lease/" + name }
