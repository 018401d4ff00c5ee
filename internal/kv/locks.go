package kv

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrLeaseLost is returned by Renew when the lease expired or changed hands.
var ErrLeaseLost = errors.New("kv: lease lost")

// LockStore hands out short-lived exclusive leases via NATS KV. Leases
// expire with the bucket's TTL, so a crashed holder cannot wedge a key.
type LockStore struct {
	store *Store
}

// NewLockStore creates a new LockStore.
func NewLockStore(kv jetstream.KeyValue) *LockStore {
	return &LockStore{store: NewStore(kv)}
}

// Acquire attempts to take the lease on key for owner.
// Returns the current holder if the lease is taken, empty string if acquired.
func (l *LockStore) Acquire(ctx context.Context, key, owner string) (string, error) {
	// Try to create (fails if key exists)
	_, err := l.store.Create(ctx, key, []byte(owner))
	if err == nil {
		return "", nil
	}
	if !errors.Is(err, ErrConflict) {
		return "", err
	}
	data, _, getErr := l.store.Get(ctx, key)
	if errors.Is(getErr, ErrNotFound) {
		// Expired between the two calls; the caller may retry.
		return "unknown", nil
	}
	if getErr != nil {
		return "", getErr
	}
	return string(data), nil
}

// Renew rewrites the lease on key so its TTL starts over. It fails with
// ErrLeaseLost unless owner still holds the lease.
func (l *LockStore) Renew(ctx context.Context, key, owner string) error {
	data, rev, err := l.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	if string(data) != owner {
		return ErrLeaseLost
	}
	if _, err := l.store.Update(ctx, key, []byte(owner), rev); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return ErrLeaseLost
		}
		return err
	}
	return nil
}

// Release drops the lease on key if owner still holds it.
func (l *LockStore) Release(ctx context.Context, key, owner string) error {
	data, rev, err := l.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(data) != owner {
		return nil
	}
	err = l.store.DeleteRevision(ctx, key, rev)
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
