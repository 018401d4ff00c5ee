package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
)

// recordFailure keeps the latest instruction failure of a thread so its
// authority can see which step is stuck.
func (b *NATSBackend) recordFailure(ctx context.Context, th *core.Thread, worker core.Address, clock core.Clock, failure *core.OJSError) {
	addr := th.Address()
	index, _ := failure.Details["index"].(uint32)
	_, err := kv.UpdateJSON(ctx, b.failures, addr.String(), func(r *core.FailureRecord) bool {
		if r.Index != index {
			r.Count = 0
		}
		r.Thread = addr
		r.Authority = th.Authority
		r.Index = index
		r.Message = failure.Message
		r.Count++
		r.Worker = worker
		r.Clock = clock
		r.FailedAt = core.NowFormatted()
		return true
	})
	if err != nil {
		slog.Error("failed to record instruction failure", "error", err, "thread", addr)
	}
}

// clearFailure drops the failure record once the thread makes progress.
func (b *NATSBackend) clearFailure(ctx context.Context, addr core.Address) {
	err := b.failures.Delete(ctx, addr.String())
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		slog.Warn("failed to clear instruction failure", "error", err, "thread", addr)
	}
}

// ListFailures returns the recorded instruction failures.
func (b *NATSBackend) ListFailures(ctx context.Context, limit, offset int) ([]*core.FailureRecord, int, error) {
	keys, err := b.failures.Keys(ctx)
	if err != nil {
		return nil, 0, core.NewInternalError(fmt.Sprintf("listing failures: %v", err))
	}

	total := len(keys)

	// Sort keys (thread addresses) for consistent ordering
	sort.Strings(keys)

	var records []*core.FailureRecord
	for _, key := range paginate(keys, limit, offset) {
		var rec core.FailureRecord
		if _, err := b.failures.GetJSON(ctx, key, &rec); err == nil {
			records = append(records, &rec)
		}
	}
	return records, total, nil
}

// ClearFailure removes a thread's failure record. Only the thread's
// authority may clear it.
func (b *NATSBackend) ClearFailure(ctx context.Context, signer, addr core.Address) error {
	var rec core.FailureRecord
	if _, err := b.failures.GetJSON(ctx, addr.String(), &rec); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return core.NewNotFoundError("Failure", addr.String())
		}
		return core.NewInternalError(fmt.Sprintf("reading failure: %v", err))
	}
	if rec.Authority != signer {
		return core.NewUnauthorizedError(signer)
	}
	if err := b.failures.Delete(ctx, addr.String()); err != nil {
		return core.NewInternalError(fmt.Sprintf("clearing failure: %v", err))
	}
	return nil
}
