package thread

import (
	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/trigger"
)

// Create builds a new thread from req. Uniqueness of the derived address is
// left to the store.
func (c *Controller) Create(signer core.Address, req *core.CreateThreadRequest, chain core.ChainContext) (*core.Thread, error) {
	if err := core.ValidateCreateThreadRequest(req); err != nil {
		return nil, err
	}
	if signer != req.Authority {
		return nil, core.NewUnauthorizedError(signer)
	}
	if err := trigger.Validate(&req.Trigger); err != nil {
		return nil, err
	}
	if err := c.policy.ValidateFee(req.Fee); err != nil {
		return nil, err
	}

	th := &core.Thread{
		Authority: req.Authority,
		ID:        req.ID,
		Trigger:   trigger.Seed(req.Trigger, chain),
		Fee:       req.Fee,
		Balance:   req.Deposit,
		RateLimit: c.rateLimit(req.RateLimit),
	}
	th.Instructions = make([]core.Instruction, len(req.Instructions))
	for i, in := range req.Instructions {
		th.Instructions[i] = in.Clone()
	}
	return th, nil
}

// Update applies req to th. Updates are rejected mid-activation.
func (c *Controller) Update(th *core.Thread, signer core.Address, req *core.UpdateThreadRequest, chain core.ChainContext) (*core.Thread, error) {
	if err := authorize(th, signer); err != nil {
		return nil, err
	}
	if th.IsRunning() {
		return nil, core.NewThreadBusyError(th.Address(), "update")
	}
	if err := core.ValidateUpdateThreadRequest(req); err != nil {
		return nil, err
	}

	out := th.Clone()
	if req.Trigger != nil {
		if err := trigger.Validate(req.Trigger); err != nil {
			return nil, err
		}
		out.Trigger = trigger.Seed(*req.Trigger, chain)
	}
	if req.Instructions != nil {
		out.Instructions = make([]core.Instruction, len(req.Instructions))
		for i, in := range req.Instructions {
			out.Instructions[i] = in.Clone()
		}
	}
	if req.Fee != nil {
		if err := c.policy.ValidateFee(*req.Fee); err != nil {
			return nil, err
		}
		out.Fee = *req.Fee
	}
	if req.RateLimit != nil {
		out.RateLimit = c.rateLimit(*req.RateLimit)
	}
	return out, nil
}

// Pause stops th from starting new activations. An activation already in
// progress may still be cranked to completion.
func (c *Controller) Pause(th *core.Thread, signer core.Address) (*core.Thread, error) {
	if err := authorize(th, signer); err != nil {
		return nil, err
	}
	if th.Paused {
		return nil, core.NewConflictError("Thread is already paused.",
			map[string]any{"thread": th.Address().String(), "reason": "already_paused"})
	}
	out := th.Clone()
	out.Paused = true
	return out, nil
}

// Resume lets a paused thread start activations again.
func (c *Controller) Resume(th *core.Thread, signer core.Address) (*core.Thread, error) {
	if err := authorize(th, signer); err != nil {
		return nil, err
	}
	if !th.Paused {
		return nil, core.NewConflictError("Thread is not paused.",
			map[string]any{"thread": th.Address().String(), "reason": "not_paused"})
	}
	out := th.Clone()
	out.Paused = false
	return out, nil
}

// Reset re-arms th's trigger against the current chain state and clears any
// activation. An activation in progress is only aborted when force is set.
func (c *Controller) Reset(th *core.Thread, signer core.Address, force bool, chain core.ChainContext) (*core.Thread, error) {
	if err := authorize(th, signer); err != nil {
		return nil, err
	}
	if th.IsRunning() && !force {
		return nil, core.NewThreadBusyError(th.Address(), "reset")
	}
	out := th.Clone()
	out.ExecContext = nil
	out.Override = nil
	out.Trigger = trigger.Seed(th.Trigger, chain)
	return out, nil
}

// Delete checks that th may be closed and returns the balance to refund to
// its authority.
func (c *Controller) Delete(th *core.Thread, signer core.Address) (uint64, error) {
	if err := authorize(th, signer); err != nil {
		return 0, err
	}
	if th.IsRunning() {
		return 0, core.NewThreadBusyError(th.Address(), "delete")
	}
	return th.Balance, nil
}

// Deposit adds amount to th's balance. Anyone may deposit.
func (c *Controller) Deposit(th *core.Thread, amount uint64) (*core.Thread, error) {
	if amount == 0 {
		return nil, core.NewInvalidRequestError("Field 'amount' must be positive.", map[string]any{"field": "amount"})
	}
	if th.Balance+amount < th.Balance {
		return nil, core.NewInvalidRequestError("Deposit would overflow the thread balance.",
			map[string]any{"field": "amount", "balance": th.Balance})
	}
	out := th.Clone()
	out.Balance += amount
	return out, nil
}

// Withdraw removes amount from th's balance.
func (c *Controller) Withdraw(th *core.Thread, signer core.Address, amount uint64) (*core.Thread, error) {
	if err := authorize(th, signer); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, core.NewInvalidRequestError("Field 'amount' must be positive.", map[string]any{"field": "amount"})
	}
	if amount > th.Balance {
		return nil, core.NewInsufficientBalanceError(th.Address(), th.Balance, amount)
	}
	out := th.Clone()
	out.Balance -= amount
	return out, nil
}

func (c *Controller) rateLimit(requested uint8) uint8 {
	if requested == 0 {
		return c.defaultRateLimit
	}
	return requested
}

func authorize(th *core.Thread, signer core.Address) *core.OJSError {
	if signer != th.Authority {
		return core.NewUnauthorizedError(signer)
	}
	return nil
}
