package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
	"github.com/openjobspec/ojs-thread-engine/internal/thread"
)

// Every write to a thread record, crank or mutation, happens under the
// thread's lease in the crank-locks bucket. The revision compare-and-swap
// stays in place underneath it.

type leaseKey struct{}

type lease struct {
	key   string
	owner string
}

// acquireLease takes the lease on addr for owner and returns its release
// func. A lease held by someone else is a retryable conflict.
func (b *NATSBackend) acquireLease(ctx context.Context, addr core.Address, owner string) (func(), error) {
	key := addr.String()
	holder, err := b.locks.Acquire(ctx, key, owner)
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("acquiring thread lease: %v", err))
	}
	if holder != "" {
		return nil, &core.OJSError{
			Code:      core.ErrCodeConflict,
			Message:   "Another operation on this thread is in progress.",
			Retryable: true,
			Details:   map[string]any{"thread": key, "reason": "thread_locked"},
		}
	}
	return func() {
		if err := b.locks.Release(context.WithoutCancel(ctx), key, owner); err != nil {
			slog.Warn("failed to release thread lease", "error", err, "thread", addr)
		}
	}, nil
}

func withLease(ctx context.Context, key, owner string) context.Context {
	return context.WithValue(ctx, leaseKey{}, lease{key: key, owner: owner})
}

func leaseFrom(ctx context.Context) (lease, bool) {
	l, ok := ctx.Value(leaseKey{}).(lease)
	return l, ok
}

func newLeaseLostError(addr core.Address) *core.OJSError {
	return &core.OJSError{
		Code:      core.ErrCodeConflict,
		Message:   "Thread lease expired during the crank; completed steps were kept.",
		Retryable: true,
		Details:   map[string]any{"thread": addr.String(), "reason": "lease_lost"},
	}
}

// leasedInvoker renews the caller's thread lease before each invocation so
// a crank running several instructions never outlives its lease.
type leasedInvoker struct {
	next  thread.Invoker
	locks *kv.LockStore
}

// Invoke implements thread.Invoker.
func (i *leasedInvoker) Invoke(ctx context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
	if l, ok := leaseFrom(ctx); ok {
		if err := i.locks.Renew(ctx, l.key, l.owner); err != nil {
			return nil, fmt.Errorf("renewing thread lease: %w", err)
		}
	}
	return i.next.Invoke(ctx, inv)
}
