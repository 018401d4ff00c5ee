package nats

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// CrankCandidates returns the threads a worker should crank now: threads
// with an activation in progress, and idle unpaused threads whose trigger is
// due at the current chain clock. Threads that cannot be read or evaluated
// are skipped.
func (b *NATSBackend) CrankCandidates(ctx context.Context) ([]core.Address, error) {
	keys, err := b.threads.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	sort.Strings(keys)

	chain, err := b.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var due []core.Address
	for _, key := range keys {
		addr, err := core.ParseAddress(key)
		if err != nil {
			continue
		}
		th, _, err := b.loadThread(ctx, addr)
		if err != nil {
			continue
		}
		if th.IsRunning() {
			due = append(due, addr)
			continue
		}
		if th.Paused {
			continue
		}
		res, err := b.evaluator.Evaluate(th.Trigger, chain)
		if err != nil {
			if !errors.Is(err, core.ErrTriggerConditionUnreadable) {
				return nil, err
			}
			continue
		}
		if res.Due {
			due = append(due, addr)
		}
	}
	if chain.err != nil {
		return nil, chain.err
	}
	return due, nil
}
