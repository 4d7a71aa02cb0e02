package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AcquireLease takes the named lease for owner until ttl elapses. It reports
// false when a different owner holds an unexpired lease. Taking a lease the
// owner already holds extends it.
//
// Leases coordinate processes sharing the store; an owner that crashes
// without ReleaseLease blocks others for at most ttl.
func (q *Queue) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	key := leaseKey(name)
	acquired := false
	err := q.kv.Update(ctx, []string{key}, func(cur map[string][]byte) (map[string][]byte, error) {
		now := q.now()
		if data, ok := cur[key]; ok {
			var held lease
			if err := json.Unmarshal(data, &held); err == nil &&
				held.Owner != owner && now.Before(held.ExpiresAt) {
				acquired = false
				return nil, nil
			}
		}

		data, err := json.Marshal(lease{Owner: owner, ExpiresAt: now.Add(ttl)})
		if err != nil {
			return nil, err
		}
		acquired = true
		return map[string][]byte{key: data}, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return acquired, nil
}

// ReleaseLease gives up the named lease if owner still holds it.
func (q *Queue) ReleaseLease(ctx context.Context, name, owner string) error {
	key := leaseKey(name)
	err := q.kv.Update(ctx, []string{key}, func(cur map[string][]byte) (map[string][]byte, error) {
		data, ok := cur[key]
		if !ok {
			return nil, nil
		}
		var held lease
		if err := json.Unmarshal(data, &held); err == nil && held.Owner != owner {
			return nil, nil
		}
		return map[string][]byte{key: nil}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
