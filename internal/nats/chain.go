package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
)

// chainSnapshot is the chain state one operation observes: the clock read
// once at the start, and account data read on demand.
type chainSnapshot struct {
	ctx      context.Context
	clock    core.Clock
	accounts *kv.Store
	err      error
}

func (c *chainSnapshot) Clock() core.Clock { return c.clock }

func (c *chainSnapshot) AccountData(addr core.Address) ([]byte, bool) {
	data, _, err := c.accounts.Get(c.ctx, addr.String())
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) && c.err == nil {
			c.err = fmt.Errorf("read account %s: %w", addr, err)
		}
		return nil, false
	}
	return data, true
}

func (b *NATSBackend) snapshot(ctx context.Context) (*chainSnapshot, error) {
	clock, err := b.Clock(ctx)
	if err != nil {
		return nil, err
	}
	return &chainSnapshot{ctx: ctx, clock: clock, accounts: b.accounts}, nil
}

// Clock returns the current chain clock. Before the first tick the clock is
// slot 0 at the current wall time.
func (b *NATSBackend) Clock(ctx context.Context) (core.Clock, error) {
	var clock core.Clock
	_, err := b.chain.GetJSON(ctx, chainClockKey, &clock)
	if errors.Is(err, kv.ErrNotFound) {
		return core.Clock{UnixTimestamp: time.Now().Unix()}, nil
	}
	if err != nil {
		return core.Clock{}, core.NewInternalError(fmt.Sprintf("reading chain clock: %v", err))
	}
	return clock, nil
}

// AdvanceClock moves the chain forward one slot. Chain time follows wall
// time but never runs backwards.
func (b *NATSBackend) AdvanceClock(ctx context.Context, now time.Time) (core.Clock, error) {
	clock, err := kv.UpdateJSON(ctx, b.chain, chainClockKey, func(c *core.Clock) bool {
		c.Slot++
		c.Epoch = c.Slot / b.slotsPerEpoch
		if unix := now.Unix(); unix > c.UnixTimestamp {
			c.UnixTimestamp = unix
		}
		return true
	})
	if err != nil {
		return core.Clock{}, fmt.Errorf("advance chain clock: %w", err)
	}
	return *clock, nil
}

// PutAccount stores the data of a chain account watched by account triggers.
func (b *NATSBackend) PutAccount(ctx context.Context, addr core.Address, data []byte) error {
	if len(data) > core.MaxInstructionData {
		return core.NewInvalidRequestError(
			fmt.Sprintf("Account data must be at most %d bytes.", core.MaxInstructionData),
			map[string]any{"field": "data", "length": len(data)},
		)
	}
	if _, err := b.accounts.Put(ctx, addr.String(), data); err != nil {
		return core.NewInternalError(fmt.Sprintf("storing account %s: %v", addr, err))
	}
	return nil
}
