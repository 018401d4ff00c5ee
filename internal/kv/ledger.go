package kv

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// maxAppliedKeys is how many recent idempotency keys each entry remembers.
const maxAppliedKeys = 64

type ledgerRecord struct {
	Balance   uint64   `json:"balance"`
	UpdatedAt string   `json:"updated_at"`
	Applied   []string `json:"applied,omitempty"`
}

// LedgerStore keeps off-thread balances: worker earnings and authority
// refunds. Credits are idempotent per key.
type LedgerStore struct {
	store *Store
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(kv jetstream.KeyValue) *LedgerStore {
	return &LedgerStore{store: NewStore(kv)}
}

// Credit adds amount to addr. A credit whose idempotency key was already
// applied is ignored.
func (l *LedgerStore) Credit(ctx context.Context, addr core.Address, amount uint64, idempotencyKey string) (*core.LedgerEntry, error) {
	rec, err := UpdateJSON(ctx, l.store, addr.String(), func(r *ledgerRecord) bool {
		if idempotencyKey != "" && slices.Contains(r.Applied, idempotencyKey) {
			return false
		}
		r.Balance += amount
		r.UpdatedAt = core.FormatTime(time.Now())
		if idempotencyKey != "" {
			r.Applied = append(r.Applied, idempotencyKey)
			if len(r.Applied) > maxAppliedKeys {
				r.Applied = r.Applied[len(r.Applied)-maxAppliedKeys:]
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return toEntry(addr, rec), nil
}

// Balance returns the entry for addr. Unknown addresses have a zero balance.
func (l *LedgerStore) Balance(ctx context.Context, addr core.Address) (*core.LedgerEntry, error) {
	var rec ledgerRecord
	_, err := l.store.GetJSON(ctx, addr.String(), &rec)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return toEntry(addr, &rec), nil
}

func toEntry(addr core.Address, rec *ledgerRecord) *core.LedgerEntry {
	return &core.LedgerEntry{Address: addr, Balance: rec.Balance, UpdatedAt: rec.UpdatedAt}
}
