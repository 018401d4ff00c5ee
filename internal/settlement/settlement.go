// Package settlement charges threads for the instructions workers execute.
package settlement

import (
	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// Policy holds the engine-wide fee rules. Zero values disable each rule.
type Policy struct {
	// MinBalance is kept back on every thread and never paid out.
	MinBalance uint64
	// MaxFee caps the per-instruction fee a thread may offer.
	MaxFee uint64
}

// ValidateFee rejects fees above the ceiling.
func (p Policy) ValidateFee(fee uint64) *core.OJSError {
	if p.MaxFee > 0 && fee > p.MaxFee {
		return core.NewFeeCeilingError(fee, p.MaxFee)
	}
	return nil
}

// Precheck fails closed when th cannot pay for a single instruction.
func (p Policy) Precheck(th *core.Thread) *core.OJSError {
	if err := p.ValidateFee(th.Fee); err != nil {
		return err
	}
	required, ok := addUint64(th.Fee, p.MinBalance)
	if !ok || th.Balance < required {
		return core.NewInsufficientBalanceError(th.Address(), th.Balance, required)
	}
	return nil
}

// Ledger accumulates the fees of one crank call.
type Ledger struct {
	policy  Policy
	paid    uint64
	payouts []core.Payout
}

// NewLedger starts an empty ledger for one crank call.
func (p Policy) NewLedger() *Ledger {
	return &Ledger{policy: p}
}

// CanPay reports whether th can pay for one more instruction.
func (l *Ledger) CanPay(th *core.Thread) bool {
	required, ok := addUint64(th.Fee, l.policy.MinBalance)
	return ok && th.Balance >= required
}

// Debit charges th one fee on behalf of worker. It must follow a successful
// instruction and never drives the balance below the policy minimum.
func (l *Ledger) Debit(th *core.Thread, worker core.Address) *core.OJSError {
	if !l.CanPay(th) {
		required, _ := addUint64(th.Fee, l.policy.MinBalance)
		return core.NewInsufficientBalanceError(th.Address(), th.Balance, required)
	}
	th.Balance -= th.Fee
	l.paid += th.Fee
	if th.Fee == 0 {
		return nil
	}
	for i := range l.payouts {
		if l.payouts[i].Worker == worker {
			l.payouts[i].Amount += th.Fee
			return nil
		}
	}
	l.payouts = append(l.payouts, core.Payout{Worker: worker, Amount: th.Fee})
	return nil
}

// Paid returns the total debited so far.
func (l *Ledger) Paid() uint64 { return l.paid }

// Payouts returns the credits owed to workers, one entry per worker.
func (l *Ledger) Payouts() []core.Payout {
	return append([]core.Payout(nil), l.payouts...)
}

func addUint64(a, b uint64) (uint64, bool) {
	s := a + b
	return s, s >= a
}
