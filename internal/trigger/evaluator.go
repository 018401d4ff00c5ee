// Package trigger decides whether a thread is due to run.
//
// Evaluation depends only on the trigger, its stored baseline and the chain
// context handed in, so every worker looking at the same chain state reaches
// the same answer.
package trigger

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// Result is the outcome of evaluating a trigger. Baseline is only meaningful
// when Due is true.
type Result struct {
	Due      bool
	Baseline core.Baseline
}

// Evaluator evaluates triggers against chain state.
type Evaluator struct {
	next ScheduleFunc
}

// NewEvaluator creates an Evaluator. A nil next uses a fresh CronSchedules.
func NewEvaluator(next ScheduleFunc) *Evaluator {
	if next == nil {
		next = NewCronSchedules().Next
	}
	return &Evaluator{next: next}
}

// Evaluate decides whether t is due under chain. A missing account or an
// out-of-range window returns a trigger_condition_unreadable error.
func (e *Evaluator) Evaluate(t core.Trigger, chain core.ChainContext) (Result, error) {
	clock := chain.Clock()
	switch t.Kind {
	case core.TriggerCron:
		return e.evaluateCron(t, clock.UnixTimestamp), nil
	case core.TriggerNow:
		return oneShot(t.Baseline, true), nil
	case core.TriggerSlot:
		return oneShot(t.Baseline, clock.Slot >= uint64(t.Target)), nil
	case core.TriggerEpoch:
		return oneShot(t.Baseline, clock.Epoch >= uint64(t.Target)), nil
	case core.TriggerTimestamp:
		return oneShot(t.Baseline, clock.UnixTimestamp >= t.Target), nil
	case core.TriggerAccount:
		return evaluateAccount(t, chain)
	default:
		return Result{}, core.NewInternalError(fmt.Sprintf("unknown trigger kind %d", uint8(t.Kind)))
	}
}

func (e *Evaluator) evaluateCron(t core.Trigger, now int64) Result {
	next, ok := e.next(t.Schedule, t.Baseline.Timestamp)
	if !ok || next > now {
		return Result{}
	}
	if !t.Skippable {
		return Result{Due: true, Baseline: core.Baseline{Timestamp: next}}
	}
	return Result{Due: true, Baseline: core.Baseline{Timestamp: e.latestBefore(t.Schedule, t.Baseline.Timestamp, next, now)}}
}

// latestBefore finds the last occurrence at or before now, given that first
// is an occurrence after floor and not after now. The search window grows
// backwards from now by doubling, so long outages cost O(log gap) lookups
// rather than one per missed tick.
func (e *Evaluator) latestBefore(schedule string, floor, first, now int64) int64 {
	start := first
	for window := int64(1); now-window > floor; window *= 2 {
		n, ok := e.next(schedule, now-window)
		if ok && n <= now {
			start = n
			break
		}
	}
	latest := start
	for {
		n, ok := e.next(schedule, latest)
		if !ok || n > now {
			return latest
		}
		latest = n
	}
}

func oneShot(b core.Baseline, reached bool) Result {
	if b.Fired || !reached {
		return Result{}
	}
	return Result{Due: true, Baseline: core.Baseline{Fired: true}}
}

func evaluateAccount(t core.Trigger, chain core.ChainContext) (Result, error) {
	window, err := readWindow(t, chain)
	if err != nil {
		return Result{}, err
	}
	fp := Fingerprint(window)
	if bytes.Equal(fp, t.Baseline.Fingerprint) {
		return Result{}, nil
	}
	return Result{Due: true, Baseline: core.Baseline{Fingerprint: fp}}, nil
}

func readWindow(t core.Trigger, chain core.ChainContext) ([]byte, error) {
	data, ok := chain.AccountData(t.Address)
	if !ok {
		return nil, core.NewTriggerUnreadableError(t.Address, "account not found")
	}
	end := t.Offset + t.Size
	if end < t.Offset || end > uint64(len(data)) {
		return nil, core.NewTriggerUnreadableError(t.Address,
			fmt.Sprintf("window [%d, %d) outside %d bytes", t.Offset, end, len(data)))
	}
	return data[t.Offset:end], nil
}

// Fingerprint hashes an account window.
func Fingerprint(window []byte) []byte {
	sum := sha256.Sum256(window)
	return sum[:]
}

// Seed returns t with a fresh baseline for chain. Cron triggers anchor at the
// current chain time, so occurrences before creation never fire. Account
// triggers record the current window when it is readable; otherwise the
// first readable observation counts as a change.
func Seed(t core.Trigger, chain core.ChainContext) core.Trigger {
	t = t.Clone()
	t.Baseline = core.Baseline{}
	switch t.Kind {
	case core.TriggerCron:
		t.Baseline.Timestamp = chain.Clock().UnixTimestamp
	case core.TriggerAccount:
		if window, err := readWindow(t, chain); err == nil {
			t.Baseline.Fingerprint = Fingerprint(window)
		}
	}
	return t
}

// Validate checks t, including cron schedule syntax.
func Validate(t *core.Trigger) *core.OJSError {
	if err := core.ValidateTrigger(t); err != nil {
		return err
	}
	if t.Kind == core.TriggerCron {
		if err := ValidateSchedule(t.Schedule); err != nil {
			return core.NewInvalidRequestError(
				fmt.Sprintf("Invalid cron schedule: %s", t.Schedule),
				map[string]any{"field": "trigger.schedule", "error": err.Error()},
			)
		}
	}
	return nil
}
