package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmb-retail/fieldsync/internal/schema"
	"github.com/mmb-retail/fieldsync/internal/store"
)

// DeadLetter moves the drained envelopes out of kind's sequence into its
// dead-letter list in one step. Drained envelopes that are no longer pending
// (cleared by another process in the meantime) are left alone.
func (q *Queue) DeadLetter(ctx context.Context, kind schema.Kind, drained []schema.Envelope) error {
	if len(drained) == 0 {
		return nil
	}

	qKey, dKey := queueKey(kind), deadKey(kind)
	var count, moved int
	err := q.kv.Update(ctx, []string{qKey, dKey}, func(cur map[string][]byte) (map[string][]byte, error) {
		pending, err := decodeEnvelopes(qKey, cur[qKey])
		if err != nil {
			return nil, err
		}
		dead, err := decodeEnvelopes(dKey, cur[dKey])
		if err != nil {
			return nil, err
		}

		kept, removed := without(pending, drained)
		dead = append(dead, removed...)

		queueData, err := encodeEnvelopes(kept)
		if err != nil {
			return nil, err
		}
		deadData, err := encodeEnvelopes(dead)
		if err != nil {
			return nil, err
		}
		count, moved = len(kept), len(removed)
		return map[string][]byte{qKey: queueData, dKey: deadData}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s events: %w", kind, err)
	}

	q.logger.Printf("Moved %d %s events to dead letters", moved, kind)
	q.notify(kind, count)
	return nil
}

// ListDead returns the dead-lettered envelopes of kind.
func (q *Queue) ListDead(ctx context.Context, kind schema.Kind) ([]schema.Envelope, error) {
	return q.load(ctx, deadKey(kind))
}

// Requeue appends every dead-lettered envelope of kind back onto its
// sequence with fresh localIds and empties the dead list. Idempotency keys
// are preserved. It returns the number of envelopes moved.
func (q *Queue) Requeue(ctx context.Context, kind schema.Kind) (int, error) {
	qKey, dKey, sKey := queueKey(kind), deadKey(kind), seqKey(kind)
	var count, moved int
	err := q.kv.Update(ctx, []string{qKey, dKey, sKey}, func(cur map[string][]byte) (map[string][]byte, error) {
		dead, err := decodeEnvelopes(dKey, cur[dKey])
		if err != nil {
			return nil, err
		}
		moved = len(dead)
		if moved == 0 {
			return nil, nil
		}

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

		for _, env := range dead {
			seq++
			env.LocalID = seq
			pending = append(pending, env)
		}

		data, err := encodeEnvelopes(pending)
		if err != nil {
			return nil, err
		}
		count = len(pending)
		return map[string][]byte{qKey: data, sKey: encodeInt(seq), dKey: nil}, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to requeue %s dead letters: %w", kind, err)
	}
	if moved == 0 {
		return 0, nil
	}

	q.logger.Printf("Requeued %d %s events", moved, kind)
	q.notify(kind, count)
	return moved, nil
}

// Rejections returns the number of consecutive rejected sync attempts for kind.
func (q *Queue) Rejections(ctx context.Context, kind schema.Kind) (int, error) {
	data, err := q.kv.Get(ctx, rejectionsKey(kind))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := decodeInt(rejectionsKey(kind), data)
	return int(n), err
}

// RecordRejection increments kind's rejection counter and returns the new value.
func (q *Queue) RecordRejection(ctx context.Context, kind schema.Kind) (int, error) {
	key := rejectionsKey(kind)
	var n int64
	err := q.kv.Update(ctx, []string{key}, func(cur map[string][]byte) (map[string][]byte, error) {
		prev, err := decodeInt(key, cur[key])
		if err != nil {
			return nil, err
		}
		n = prev + 1
		return map[string][]byte{key: encodeInt(n)}, nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ResetRejections clears kind's rejection counter.
func (q *Queue) ResetRejections(ctx context.Context, kind schema.Kind) error {
	return q.kv.Delete(ctx, rejectionsKey(kind))
}
