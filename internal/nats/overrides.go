package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
)

// A pending override lives in its own bucket keyed by thread address. The
// thread record keeps the account layout and never carries it.

// attachOverride loads the stored override of th and attaches it when it
// belongs to the running activation. It reports whether a record exists at
// all, so a commit knows to clear a stale one.
func (b *NATSBackend) attachOverride(ctx context.Context, th *core.Thread) (bool, error) {
	var ov core.PendingOverride
	_, err := b.overrides.GetJSON(ctx, th.Address().String(), &ov)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading override: %w", err)
	}
	if ov.AppliesTo(th.ExecContext) {
		th.Override = &ov
	}
	return true, nil
}

// stageOverride writes the override next carries when it differs from the
// one prev was loaded with. It reports whether anything was written.
func (b *NATSBackend) stageOverride(ctx context.Context, prev, next *core.Thread) (bool, error) {
	if next.Override == nil || sameOverride(prev.Override, next.Override) {
		return false, nil
	}
	if _, err := b.overrides.PutJSON(ctx, next.Address().String(), next.Override); err != nil {
		return false, core.NewInternalError(fmt.Sprintf("writing override: %v", err))
	}
	return true, nil
}

// restoreOverride puts back the override prev was loaded with after the
// thread write it was staged for did not happen.
func (b *NATSBackend) restoreOverride(ctx context.Context, prev *core.Thread) {
	addr := prev.Address()
	var err error
	if prev.Override != nil {
		_, err = b.overrides.PutJSON(ctx, addr.String(), prev.Override)
	} else {
		err = b.overrides.Delete(ctx, addr.String())
	}
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		slog.Warn("failed to restore override", "error", err, "thread", addr)
	}
}

func (b *NATSBackend) clearOverride(ctx context.Context, addr core.Address) {
	err := b.overrides.Delete(ctx, addr.String())
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		slog.Warn("failed to clear override", "error", err, "thread", addr)
	}
}

func sameOverride(a, b *core.PendingOverride) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.StartedAt == b.StartedAt && a.Index == b.Index
}
