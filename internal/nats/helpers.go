package nats

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
)

func (b *NATSBackend) loadThread(ctx context.Context, addr core.Address) (*core.Thread, uint64, error) {
	th, rev, _, err := b.loadThreadState(ctx, addr)
	return th, rev, err
}

// loadThreadState reads the thread record and its pending override. The
// bool reports whether an override record exists, applicable or not.
func (b *NATSBackend) loadThreadState(ctx context.Context, addr core.Address) (*core.Thread, uint64, bool, error) {
	data, rev, err := b.threads.Get(ctx, addr.String())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, 0, false, core.NewNotFoundError("Thread", addr.String())
	}
	if err != nil {
		return nil, 0, false, core.NewInternalError(fmt.Sprintf("reading thread %s: %v", addr, err))
	}
	th, err := UnmarshalThread(data)
	if err != nil {
		return nil, 0, false, core.NewInternalError(fmt.Sprintf("decoding thread %s: %v", addr, err))
	}
	stored, err := b.attachOverride(ctx, th)
	if err != nil {
		return nil, 0, false, core.NewInternalError(fmt.Sprintf("thread %s: %v", addr, err))
	}
	return th, rev, stored, nil
}

// commitThread writes next only if the stored record is still at revision.
// The override next carries is written first and credit is staged in the
// settlement outbox, so neither can be lost once the record commits.
// stored says whether prev was loaded alongside an override record.
func (b *NATSBackend) commitThread(ctx context.Context, prev, next *core.Thread, stored bool,
	revision uint64, credit *pendingCredit) (uint64, error) {
	addr := next.Address()
	data, err := MarshalThread(next)
	if err != nil {
		return 0, core.NewInternalError(fmt.Sprintf("encoding thread %s: %v", addr, err))
	}

	var entry string
	if credit != nil {
		sum := sha256.Sum256(data)
		credit.Thread = addr
		credit.BaseRevision = revision
		credit.Digest = sum[:]
		if entry, err = b.stageCredit(ctx, credit); err != nil {
			return 0, err
		}
	}
	written, err := b.stageOverride(ctx, prev, next)
	if err != nil {
		b.dropCredit(ctx, entry)
		return 0, err
	}

	rev, err := b.threads.Update(ctx, addr.String(), data, revision)
	if errors.Is(err, kv.ErrConflict) {
		b.dropCredit(ctx, entry)
		if written {
			b.restoreOverride(ctx, prev)
		}
		return 0, core.NewStaleStateError(addr)
	}
	if err != nil {
		// Outcome unknown; SettlePending decides from the thread history.
		return 0, core.NewInternalError(fmt.Sprintf("writing thread %s: %v", addr, err))
	}

	if next.Override == nil && (stored || prev.Override != nil) {
		b.clearOverride(ctx, addr)
	}
	b.settleAfterCommit(ctx, entry, credit)
	return rev, nil
}

// mutateThread runs one read, transform, compare-and-swap cycle under the
// thread lease and publishes eventType on success.
func (b *NATSBackend) mutateThread(ctx context.Context, addr core.Address, eventType string,
	fn func(th *core.Thread) (*core.Thread, error)) (*core.Thread, uint64, error) {
	return b.mutateThreadCredit(ctx, addr, eventType, fn, nil)
}

// mutateThreadCredit is mutateThread for operations that owe a ledger
// credit; credit builds it from the new state and the base revision.
func (b *NATSBackend) mutateThreadCredit(ctx context.Context, addr core.Address, eventType string,
	fn func(th *core.Thread) (*core.Thread, error),
	credit func(next *core.Thread, revision uint64) *pendingCredit) (*core.Thread, uint64, error) {
	release, err := b.acquireLease(ctx, addr, "mutation/"+core.NewUUIDv7())
	if err != nil {
		return nil, 0, err
	}
	defer release()

	th, rev, stored, err := b.loadThreadState(ctx, addr)
	if err != nil {
		return nil, 0, err
	}
	next, err := fn(th)
	if err != nil {
		return nil, 0, err
	}
	var pending *pendingCredit
	if credit != nil {
		pending = credit(next, rev)
	}
	newRev, err := b.commitThread(ctx, th, next, stored, rev, pending)
	if err != nil {
		return nil, 0, err
	}
	b.publish(eventType, next, nil)
	return next, newRev, nil
}

func (b *NATSBackend) publish(eventType string, th *core.Thread, data map[string]any) {
	if b.events == nil {
		return
	}
	event := &core.ThreadEvent{
		ID:        core.NewUUIDv7(),
		Type:      eventType,
		Thread:    th.Address(),
		Authority: th.Authority,
		Data:      data,
		Time:      core.NowFormatted(),
	}
	if err := b.events.PublishThreadEvent(event); err != nil {
		slog.Warn("thread event not delivered", "error", err, "type", eventType, "thread", event.Thread)
	}
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
