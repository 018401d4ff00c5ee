package nats

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
)

// pendingCredit is a set of ledger credits owed once the thread write it
// was staged with commits. Entries are written before the thread record
// and removed once the credits land, so a crash between the two leaves
// an entry for SettlePending to finish.
type pendingCredit struct {
	// Key is the ledger idempotency key: the receipt id for payouts,
	// "withdraw:" or "delete:" plus thread and revision for refunds.
	Key          string       `json:"key"`
	Thread       core.Address `json:"thread"`
	BaseRevision uint64       `json:"base_revision"`
	// Digest is the sha256 of the thread record written; empty for deletes.
	Digest    []byte         `json:"digest,omitempty"`
	Credits   []ledgerCredit `json:"credits"`
	CreatedAt time.Time      `json:"created_at"`
}

type ledgerCredit struct {
	Address core.Address `json:"address"`
	Amount  uint64       `json:"amount"`
}

func payoutCredits(payouts []core.Payout) []ledgerCredit {
	credits := make([]ledgerCredit, 0, len(payouts))
	for _, p := range payouts {
		if p.Amount > 0 {
			credits = append(credits, ledgerCredit{Address: p.Worker, Amount: p.Amount})
		}
	}
	return credits
}

// stageCredit records c in the settlement outbox and returns its id.
// Nothing is staged when c owes nothing.
func (b *NATSBackend) stageCredit(ctx context.Context, c *pendingCredit) (string, error) {
	if c == nil || len(c.Credits) == 0 {
		return "", nil
	}
	c.CreatedAt = time.Now().UTC()
	id := core.NewUUIDv7()
	if _, err := b.settlements.PutJSON(ctx, id, c); err != nil {
		return "", core.NewInternalError(fmt.Sprintf("staging credit %s: %v", c.Key, err))
	}
	return id, nil
}

// dropCredit removes a staged entry whose thread write definitely failed.
func (b *NATSBackend) dropCredit(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := b.settlements.Delete(ctx, id); err != nil && !errors.Is(err, kv.ErrNotFound) {
		slog.Warn("failed to drop staged credit", "error", err, "entry", id)
	}
}

// settle applies the credits of a committed entry and removes it. Ledger
// credits are idempotent per key, so a repeat after a partial run is safe.
func (b *NATSBackend) settle(ctx context.Context, id string, c *pendingCredit) error {
	for _, cr := range c.Credits {
		if _, err := b.ledger.Credit(ctx, cr.Address, cr.Amount, c.Key); err != nil {
			return fmt.Errorf("crediting %s: %w", cr.Address, err)
		}
	}
	if err := b.settlements.Delete(ctx, id); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("removing settled entry: %w", err)
	}
	return nil
}

// settleAfterCommit credits a staged entry right after its thread write.
// A failure is left to SettlePending.
func (b *NATSBackend) settleAfterCommit(ctx context.Context, id string, c *pendingCredit) {
	if id == "" {
		return
	}
	if err := b.settle(context.WithoutCancel(ctx), id, c); err != nil {
		slog.Warn("credit deferred to settlement retry", "error", err,
			"thread", c.Thread, "key", c.Key, "entry", id)
	}
}

// SettlePending finishes outbox entries older than the lease TTL. An entry
// is credited when the thread history shows its write committed and
// dropped when it shows the write never happened. It returns the number of
// entries credited.
func (b *NATSBackend) SettlePending(ctx context.Context) (int, error) {
	ids, err := b.settlements.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending credits: %w", err)
	}
	settled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		var c pendingCredit
		if _, err := b.settlements.GetJSON(ctx, id, &c); err != nil {
			if !errors.Is(err, kv.ErrNotFound) {
				slog.Warn("failed to read pending credit", "error", err, "entry", id)
			}
			continue
		}
		// Younger entries may still belong to an operation holding the lease.
		if time.Since(c.CreatedAt) < b.settleAfter {
			continue
		}
		committed, err := b.committed(ctx, &c)
		if err != nil {
			slog.Warn("failed to check pending credit", "error", err, "entry", id, "thread", c.Thread)
			continue
		}
		if !committed {
			slog.Info("dropping credit for uncommitted write", "entry", id, "thread", c.Thread, "key", c.Key)
			b.dropCredit(ctx, id)
			continue
		}
		if err := b.settle(ctx, id, &c); err != nil {
			slog.Error("pending credit not settled", "error", err, "entry", id, "thread", c.Thread, "key", c.Key)
			continue
		}
		settled++
	}
	return settled, nil
}

// committed reports whether the thread write c was staged with landed,
// judged from the thread's retained history.
func (b *NATSBackend) committed(ctx context.Context, c *pendingCredit) (bool, error) {
	entries, err := b.threads.History(ctx, c.Thread.String())
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	matches := func(e kv.Entry) bool {
		if len(c.Digest) == 0 {
			return e.Deleted
		}
		if e.Deleted {
			return false
		}
		sum := sha256.Sum256(e.Value)
		return bytes.Equal(sum[:], c.Digest)
	}
	if len(entries) > 0 && entries[0].Revision <= c.BaseRevision {
		// The base is still retained, so its successor decides.
		for _, e := range entries {
			if e.Revision > c.BaseRevision {
				return matches(e), nil
			}
		}
		return false, nil
	}
	slog.Warn("thread history trimmed past staged write", "thread", c.Thread, "base_revision", c.BaseRevision)
	for _, e := range entries {
		if e.Revision > c.BaseRevision && matches(e) {
			return true, nil
		}
	}
	return false, nil
}
