package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
	"github.com/openjobspec/ojs-thread-engine/internal/metrics"
)

// Crank advances a thread on behalf of a worker. Cranks and mutations of
// the same thread are serialized by a lease in the crank-locks bucket,
// renewed before each invocation; the thread write itself is a
// compare-and-swap on the revision that was read.
func (b *NATSBackend) Crank(ctx context.Context, req *core.CrankRequest) (*core.CrankReceipt, error) {
	start := time.Now()
	receipt, err := b.crank(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = core.ErrCodeInternalError
		if oe, ok := core.AsOJSError(err); ok {
			outcome = oe.Code
		}
		metrics.ObserveCrank(outcome, start, 0, 0)
		return nil, err
	}
	metrics.ObserveCrank(outcome, start, receipt.Executed, receipt.FeesPaid)
	if receipt.ActivationComplete {
		metrics.ActivationsCompleted.Inc()
	}
	return receipt, nil
}

func (b *NATSBackend) crank(ctx context.Context, req *core.CrankRequest) (*core.CrankReceipt, error) {
	addr := req.Thread
	owner := req.Worker.String() + "/" + core.NewUUIDv7()

	release, err := b.acquireLease(ctx, addr, owner)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx = withLease(ctx, addr.String(), owner)

	th, rev, stored, err := b.loadThreadState(ctx, addr)
	if err != nil {
		return nil, err
	}
	if req.ExpectedNextIndex != nil {
		var current uint32
		if th.ExecContext != nil {
			current = th.ExecContext.NextIndex
		}
		if current != *req.ExpectedNextIndex {
			return nil, core.NewStaleStateError(addr)
		}
	}

	chain, err := b.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	next, receipt, failure := b.controller.Crank(ctx, th, req.Worker, chain)
	if next == nil {
		if chain.err != nil {
			return nil, core.NewInternalError(fmt.Sprintf("reading chain state: %v", chain.err))
		}
		return nil, b.crankFailed(ctx, th, req.Worker, chain.Clock(), failure)
	}
	if chain.err != nil {
		slog.Warn("chain state unreadable after steps ran", "error", chain.err, "thread", addr)
	}

	// Steps that ran are committed even when a later one failed.
	receipt.ID = core.NewUUIDv7()
	receipt.CreatedAt = core.NowFormatted()
	credit := &pendingCredit{Key: receipt.ID, Credits: payoutCredits(receipt.Payouts)}
	if _, err := b.commitThread(ctx, th, next, stored, rev, credit); err != nil {
		return nil, err
	}
	if err := b.publishReceipt(ctx, receipt); err != nil {
		slog.Warn("crank receipt not published", "error", err, "thread", addr, "receipt", receipt.ID)
	}

	b.publish(core.EventThreadCranked, next, map[string]any{
		"receipt":    receipt.ID,
		"executed":   receipt.Executed,
		"next_index": receipt.NextIndex,
		"fees_paid":  receipt.FeesPaid,
	})
	if receipt.ActivationComplete {
		b.publish(core.EventThreadCompleted, next, map[string]any{"receipt": receipt.ID})
	}

	if failure != nil {
		err := b.crankFailed(ctx, next, req.Worker, chain.Clock(), failure)
		if oe, ok := core.AsOJSError(err); ok {
			if oe.Details == nil {
				oe.Details = map[string]any{}
			}
			oe.Details["receipt"] = receipt.ID
			oe.Details["executed"] = receipt.Executed
		}
		return nil, err
	}

	b.clearFailure(ctx, addr)
	slog.Debug("thread cranked", "thread", addr, "worker", req.Worker,
		"executed", receipt.Executed, "next_index", receipt.NextIndex, "complete", receipt.ActivationComplete)
	return receipt, nil
}

// crankFailed records an instruction failure against th. A lease lost
// while invoking is reported as a conflict instead.
func (b *NATSBackend) crankFailed(ctx context.Context, th *core.Thread, worker core.Address, clock core.Clock, err error) error {
	if errors.Is(err, kv.ErrLeaseLost) {
		slog.Warn("thread lease lost during crank", "thread", th.Address(), "worker", worker)
		return newLeaseLostError(th.Address())
	}
	var oe *core.OJSError
	if errors.As(err, &oe) && oe.Code == core.ErrCodeInstructionFailed {
		b.recordFailure(ctx, th, worker, clock, oe)
		b.publish(core.EventThreadFailed, th, map[string]any{
			"index":   oe.Details["index"],
			"message": oe.Message,
			"worker":  worker.String(),
		})
	}
	return err
}
