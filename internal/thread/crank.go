package thread

import (
	"context"
	"fmt"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/settlement"
	"github.com/openjobspec/ojs-thread-engine/internal/trigger"
)

// Crank advances th on behalf of worker.
//
// An idle thread has its trigger evaluated and, when due, starts a new
// activation at index 0. A running thread resumes at its stored cursor
// without re-evaluating the trigger. At most RateLimit instructions run per
// call, each paid for with one fee. The activation ends when the cursor
// reaches the end of the queue.
//
// If the first instruction of the call fails, the returned thread is nil and
// th is unchanged. If a later instruction fails, the instructions before it
// have already run, so the returned thread and receipt cover that prefix and
// the error reports the failing index; the cursor stops at the failing step
// and the next crank retries it.
func (c *Controller) Crank(ctx context.Context, th *core.Thread, worker core.Address, chain core.ChainContext) (*core.Thread, *core.CrankReceipt, error) {
	addr := th.Address()

	ok, err := c.authorizer.Authorize(ctx, worker, addr)
	if err != nil {
		return nil, nil, fmt.Errorf("authorize worker: %w", err)
	}
	if !ok {
		return nil, nil, core.NewWorkerNotAuthorizedError(worker, addr)
	}

	clock := chain.Clock()
	out := th.Clone()
	receipt := &core.CrankReceipt{
		Thread: addr,
		Worker: worker,
		Clock:  clock,
	}

	if out.ExecContext == nil {
		if out.Paused {
			return nil, nil, core.NewThreadPausedError(addr)
		}
		res, err := c.evaluator.Evaluate(out.Trigger, chain)
		if err != nil {
			return nil, nil, err
		}
		if !res.Due {
			return nil, nil, core.NewTriggerNotDueError(addr)
		}
		out.Trigger.Baseline = res.Baseline
		out.ExecContext = &core.ExecContext{StartedAt: clock.UnixTimestamp}
		out.Override = nil
		receipt.StartedActivation = true
	}

	exec := out.ExecContext
	if int(exec.NextIndex) >= len(out.Instructions) {
		return nil, nil, core.NewQueueExhaustedError(addr, exec.NextIndex, len(out.Instructions))
	}
	if err := c.policy.Precheck(out); err != nil {
		return nil, nil, err
	}

	receipt.StartIndex = exec.NextIndex
	ledger := c.policy.NewLedger()
	limit := uint32(out.RateLimit)
	if limit == 0 {
		limit = uint32(c.defaultRateLimit)
	}

	for receipt.Executed < limit && int(exec.NextIndex) < len(out.Instructions) {
		idx := exec.NextIndex
		in := out.Instructions[idx]
		if out.Override.AppliesTo(exec) {
			in = out.Override.Instruction
		}

		result, err := c.invoker.Invoke(ctx, &Invocation{
			Thread:      addr,
			Authority:   out.Authority,
			Worker:      worker,
			Index:       idx,
			Instruction: in.Clone(),
			Clock:       clock,
		})
		if err == nil {
			err = validateResult(result)
		}
		if err != nil {
			failure := core.NewInstructionFailedError(addr, idx, err)
			if receipt.Executed == 0 {
				return nil, nil, failure
			}
			receipt.FailedIndex = &idx
			c.logger.Info("instruction failed after earlier steps ran",
				"thread", addr, "index", idx, "executed", receipt.Executed, "error", err)
			return c.finish(out, receipt, ledger), receipt, failure
		}
		if err := ledger.Debit(out, worker); err != nil {
			return nil, nil, err
		}
		out.Override = nil
		exec.NextIndex++
		exec.Executed++
		receipt.Executed++

		if result != nil {
			if result.Trigger != nil {
				out.Trigger = trigger.Seed(*result.Trigger, chain)
				receipt.TriggerReplaced = true
			}
			if result.NextInstruction != nil && int(exec.NextIndex) < len(out.Instructions) {
				out.Override = &core.PendingOverride{
					StartedAt:   exec.StartedAt,
					Index:       exec.NextIndex,
					Instruction: result.NextInstruction.Clone(),
				}
			}
		}

		if !ledger.CanPay(out) {
			break
		}
	}

	return c.finish(out, receipt, ledger), receipt, nil
}

// finish fills in the settlement side of receipt and closes the activation
// when the cursor reached the end of the queue.
func (c *Controller) finish(out *core.Thread, receipt *core.CrankReceipt, ledger *settlement.Ledger) *core.Thread {
	exec := out.ExecContext
	receipt.NextIndex = exec.NextIndex
	receipt.FeesPaid = ledger.Paid()
	receipt.Payouts = ledger.Payouts()
	if int(exec.NextIndex) == len(out.Instructions) {
		out.ExecContext = nil
		out.Override = nil
		receipt.ActivationComplete = true
	}
	receipt.OverridePending = out.Override != nil
	return out
}

// validateResult rejects a malformed replacement trigger or override. The
// step counts as failed.
func validateResult(result *InvocationResult) error {
	if result == nil {
		return nil
	}
	if result.Trigger != nil {
		if err := trigger.Validate(result.Trigger); err != nil {
			return err
		}
	}
	if result.NextInstruction != nil {
		if err := core.ValidateInstruction(*result.NextInstruction); err != nil {
			return err
		}
	}
	return nil
}
