package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// crankDue cranks every candidate thread once as worker. Outcomes that only
// mean another worker got there first, or the thread is not ready, are
// logged at debug; a single thread failing never stops the others.
func (s *Scheduler) crankDue(ctx context.Context, worker core.Address, clock core.Clock) error {
	candidates, err := s.backend.CrankCandidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, addr := range candidates {
		g.Go(func() error {
			receipt, err := s.backend.Crank(gctx, &core.CrankRequest{Thread: addr, Worker: worker})
			if err != nil {
				logCrankError(addr, clock, err)
				return nil
			}
			slog.Debug("local worker cranked thread", "thread", addr, "slot", clock.Slot,
				"executed", receipt.Executed, "complete", receipt.ActivationComplete)
			return nil
		})
	}
	return g.Wait()
}

func logCrankError(addr core.Address, clock core.Clock, err error) {
	switch {
	case errors.Is(err, core.ErrTriggerNotDue),
		errors.Is(err, core.ErrConflict),
		errors.Is(err, core.ErrThreadPaused),
		errors.Is(err, core.ErrNotFound):
		slog.Debug("crank skipped", "thread", addr, "slot", clock.Slot, "reason", err)
	default:
		slog.Warn("crank failed", "thread", addr, "slot", clock.Slot, "error", err)
	}
}
