package core

// OJSVersion is the version of the thread API served by this engine.
const OJSVersion = "1.0.0"

// OJSMediaType is the content type of every API response.
const OJSMediaType = "application/openjobspec+json"

const (
	// MaxThreadIDLength bounds the caller-chosen thread id in bytes.
	MaxThreadIDLength = 32
	// MaxInstructions bounds the length of a thread's instruction queue.
	MaxInstructions = 64
	// MaxInstructionData bounds the opaque data of a single instruction.
	MaxInstructionData = 10 * 1024
	// MaxInstructionAccounts bounds the account list of a single instruction.
	MaxInstructionAccounts = 64
	// DefaultRateLimit applies when a thread is created with rate_limit 0.
	DefaultRateLimit = 10
)

// AccountMeta describes one account passed to an instruction.
type AccountMeta struct {
	Pubkey     Address `json:"pubkey"`
	IsSigner   bool    `json:"is_signer"`
	IsWritable bool    `json:"is_writable"`
}

// Instruction is one step of a thread's task body.
type Instruction struct {
	Program  Address       `json:"program"`
	Accounts []AccountMeta `json:"accounts"`
	Data     []byte        `json:"data"`
}

// Clone returns a deep copy of the instruction.
func (in Instruction) Clone() Instruction {
	out := Instruction{Program: in.Program}
	if in.Accounts != nil {
		out.Accounts = append([]AccountMeta(nil), in.Accounts...)
	}
	if in.Data != nil {
		out.Data = append([]byte(nil), in.Data...)
	}
	return out
}

// ExecContext is the persisted cursor of an in-progress activation.
type ExecContext struct {
	StartedAt int64  `json:"started_at"`
	NextIndex uint32 `json:"next_index"`
	Executed  uint32 `json:"executed"`
}

// Thread is a fee-funded automation task.
type Thread struct {
	Authority    Address       `json:"authority"`
	ID           string        `json:"id"`
	Trigger      Trigger       `json:"trigger"`
	Paused       bool          `json:"paused"`
	Fee          uint64        `json:"fee"`
	Balance      uint64        `json:"balance"`
	RateLimit    uint8         `json:"rate_limit"`
	ExecContext  *ExecContext  `json:"exec_context,omitempty"`
	Instructions []Instruction `json:"instructions"`

	// Override is the next-instruction override pending for the current
	// activation. It lives beside the account record, never inside
	// Instructions.
	Override *PendingOverride `json:"override,omitempty"`
}

// PendingOverride replaces the stored instruction at Index for the
// activation that started at StartedAt.
type PendingOverride struct {
	StartedAt   int64       `json:"started_at"`
	Index       uint32      `json:"index"`
	Instruction Instruction `json:"instruction"`
}

// AppliesTo reports whether o targets the cursor of ec.
func (o *PendingOverride) AppliesTo(ec *ExecContext) bool {
	return o != nil && ec != nil && o.StartedAt == ec.StartedAt && o.Index == ec.NextIndex
}

// Address returns the thread's derived address.
func (t *Thread) Address() Address {
	return ThreadAddress(t.Authority, t.ID)
}

// IsRunning reports whether an activation is in progress.
func (t *Thread) IsRunning() bool {
	return t.ExecContext != nil
}

// Clone returns a deep copy so callers can mutate it without touching t.
func (t *Thread) Clone() *Thread {
	out := *t
	out.Trigger = t.Trigger.Clone()
	if t.ExecContext != nil {
		ec := *t.ExecContext
		out.ExecContext = &ec
	}
	if t.Instructions != nil {
		out.Instructions = make([]Instruction, len(t.Instructions))
		for i, in := range t.Instructions {
			out.Instructions[i] = in.Clone()
		}
	}
	if t.Override != nil {
		ov := *t.Override
		ov.Instruction = t.Override.Instruction.Clone()
		out.Override = &ov
	}
	return &out
}

// ThreadView is the API representation of a thread.
type ThreadView struct {
	Address Address `json:"address"`
	*Thread
}

// NewThreadView wraps t with its derived address.
func NewThreadView(t *Thread) *ThreadView {
	return &ThreadView{Address: t.Address(), Thread: t}
}

// Clock is the chain's notion of time at a given moment.
type Clock struct {
	Slot          uint64 `json:"slot"`
	Epoch         uint64 `json:"epoch"`
	UnixTimestamp int64  `json:"unix_timestamp"`
}

// ChainContext is the read-only chain state a crank observes.
type ChainContext interface {
	Clock() Clock
	// AccountData returns the data of the account at addr, or false if the
	// account does not exist.
	AccountData(addr Address) ([]byte, bool)
}

// StaticChain is a ChainContext over a fixed clock and account set.
type StaticChain struct {
	Now      Clock
	Accounts map[Address][]byte
}

// Clock implements ChainContext.
func (c *StaticChain) Clock() Clock { return c.Now }

// AccountData implements ChainContext.
func (c *StaticChain) AccountData(addr Address) ([]byte, bool) {
	data, ok := c.Accounts[addr]
	return data, ok
}

// Payout is the amount owed to a worker for one crank call.
type Payout struct {
	Worker Address `json:"worker"`
	Amount uint64  `json:"amount"`
}

// CrankReceipt summarises the steps one crank call ran.
type CrankReceipt struct {
	ID                 string   `json:"id"`
	Thread             Address  `json:"thread"`
	Worker             Address  `json:"worker"`
	StartedActivation  bool     `json:"started_activation"`
	ActivationComplete bool     `json:"activation_complete"`
	StartIndex         uint32   `json:"start_index"`
	NextIndex          uint32   `json:"next_index"`
	Executed           uint32   `json:"executed"`
	FeesPaid           uint64   `json:"fees_paid"`
	Payouts            []Payout `json:"payouts,omitempty"`
	OverridePending    bool     `json:"override_pending,omitempty"`
	TriggerReplaced    bool     `json:"trigger_replaced,omitempty"`
	FailedIndex        *uint32  `json:"failed_index,omitempty"`
	Clock              Clock    `json:"clock"`
	CreatedAt          string   `json:"created_at,omitempty"`
}
