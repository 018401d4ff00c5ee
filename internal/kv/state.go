// Package kv provides typed access to NATS JetStream key-value buckets.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict is returned when a create finds the key already present or
	// an update is made against a stale revision.
	ErrConflict = errors.New("kv: revision conflict")
)

// maxCASAttempts bounds the read-modify-write loop of UpdateJSON.
const maxCASAttempts = 5

// Store provides typed access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get retrieves a value and its revision.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, mapErr(key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores a value at key unconditionally.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Put(ctx, key, value)
}

// Create stores a value at key only if it doesn't already exist.
// Returns ErrConflict if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		return 0, mapErr(key, err)
	}
	return rev, nil
}

// Update stores a value at key only if the stored revision still matches.
// Returns ErrConflict otherwise.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		return 0, mapErr(key, err)
	}
	return rev, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return mapErr(key, s.kv.Delete(ctx, key))
}

// DeleteRevision removes a key only if it is still at revision.
func (s *Store) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	return mapErr(key, s.kv.Delete(ctx, key, jetstream.LastRevision(revision)))
}

// Entry is one retained revision of a key.
type Entry struct {
	Value    []byte
	Revision uint64
	Deleted  bool
}

// History returns the retained revisions of key, oldest first. Delete and
// purge markers are included with Deleted set.
func (s *Store) History(ctx context.Context, key string) ([]Entry, error) {
	entries, err := s.kv.History(ctx, key)
	if err != nil {
		return nil, mapErr(key, err)
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{
			Value:    e.Value(),
			Revision: e.Revision(),
			Deleted:  e.Operation() != jetstream.KeyValuePut,
		}
	}
	return out, nil
}

// Keys returns all keys in the bucket.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		// If no keys exist, NATS returns an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return rev, nil
}

// PutJSON marshals and stores a JSON value.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// UpdateJSON performs a CAS (compare-and-swap) update on a JSON value.
// mutate modifies the decoded value in place
// and reports whether anything changed. A missing key starts from the zero
// value and is created. Conflicts are retried; ErrConflict is returned once
// the attempts are exhausted.
func UpdateJSON[T any](ctx context.Context, s *Store, key string, mutate func(*T) bool) (*T, error) {
	for i := 0; i < maxCASAttempts; i++ {
		var target T
		rev, err := s.GetJSON(ctx, key, &target)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if !mutate(&target) {
			return &target, nil
		}
		data, mErr := json.Marshal(&target)
		if mErr != nil {
			return nil, fmt.Errorf("marshal key %s: %w", key, mErr)
		}
		if errors.Is(err, ErrNotFound) {
			_, err = s.Create(ctx, key, data)
		} else {
			_, err = s.Update(ctx, key, data, rev)
		}
		if err == nil {
			return &target, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		// Revision conflict, retry
	}
	return nil, fmt.Errorf("update key %s: %w", key, ErrConflict)
}

// Exists checks if a key exists.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, err := s.kv.Get(ctx, key)
	return err == nil
}

func mapErr(key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	case errors.Is(err, jetstream.ErrKeyExists):
		return fmt.Errorf("%s: %w", key, ErrConflict)
	default:
		return err
	}
}
