package core

// CreateThreadRequest is the payload of create_thread.
type CreateThreadRequest struct {
	Authority    Address       `json:"authority"`
	ID           string        `json:"id"`
	Trigger      Trigger       `json:"trigger"`
	Instructions []Instruction `json:"instructions"`
	Fee          uint64        `json:"fee"`
	Deposit      uint64        `json:"deposit"`
	RateLimit    uint8         `json:"rate_limit,omitempty"`
}

// UpdateThreadRequest is the payload of update_thread. Nil fields are left unchanged.
type UpdateThreadRequest struct {
	Trigger      *Trigger      `json:"trigger,omitempty"`
	Instructions []Instruction `json:"instructions,omitempty"`
	Fee          *uint64       `json:"fee,omitempty"`
	RateLimit    *uint8        `json:"rate_limit,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (r *UpdateThreadRequest) IsEmpty() bool {
	return r.Trigger == nil && r.Instructions == nil && r.Fee == nil && r.RateLimit == nil
}

// CrankRequest is the payload of crank.
//
// ExpectedNextIndex lets a worker pin the cursor it built its request against;
// a mismatch with the stored state is rejected as stale.
type CrankRequest struct {
	Thread            Address `json:"thread"`
	Worker            Address `json:"worker"`
	ExpectedNextIndex *uint32 `json:"expected_next_index,omitempty"`
}

// ResetThreadRequest is the payload of reset_thread.
type ResetThreadRequest struct {
	Force bool `json:"force"`
}

// AmountRequest is the payload of deposit and withdraw.
type AmountRequest struct {
	Amount uint64 `json:"amount"`
}

// ThreadListFilters narrows a thread listing.
type ThreadListFilters struct {
	Authority *Address
	Paused    *bool
	Running   *bool
}

// Matches reports whether t passes every set filter.
func (f ThreadListFilters) Matches(t *Thread) bool {
	if f.Authority != nil && t.Authority != *f.Authority {
		return false
	}
	if f.Paused != nil && t.Paused != *f.Paused {
		return false
	}
	if f.Running != nil && t.IsRunning() != *f.Running {
		return false
	}
	return true
}

// DeleteResult reports the refund of a deleted thread.
type DeleteResult struct {
	Thread   Address `json:"thread"`
	Refunded uint64  `json:"refunded"`
	Receiver Address `json:"receiver"`
}

// WorkerInfo describes a registered worker and its earnings.
type WorkerInfo struct {
	Address      Address `json:"address"`
	RegisteredAt string  `json:"registered_at"`
	Earned       uint64  `json:"earned"`
}

// LedgerEntry is the off-thread balance held for an address.
type LedgerEntry struct {
	Address   Address `json:"address"`
	Balance   uint64  `json:"balance"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// FailureRecord is the most recent instruction failure of a thread.
type FailureRecord struct {
	Thread    Address `json:"thread"`
	Authority Address `json:"authority"`
	Index     uint32  `json:"index"`
	Message   string  `json:"message"`
	Count     int     `json:"count"`
	Worker    Address `json:"worker"`
	Clock     Clock   `json:"clock"`
	FailedAt  string  `json:"failed_at"`
}

// ThreadEvent is published on every thread state change.
type ThreadEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Thread    Address        `json:"thread"`
	Authority Address        `json:"authority"`
	Data      map[string]any `json:"data,omitempty"`
	Time      string         `json:"time"`
}

// Thread event types.
const (
	EventThreadCreated   = "thread.created"
	EventThreadUpdated   = "thread.updated"
	EventThreadPaused    = "thread.paused"
	EventThreadResumed   = "thread.resumed"
	EventThreadReset     = "thread.reset"
	EventThreadDeleted   = "thread.deleted"
	EventThreadDeposited = "thread.deposited"
	EventThreadWithdrawn = "thread.withdrawn"
	EventThreadCranked   = "thread.cranked"
	EventThreadCompleted = "thread.completed"
	EventThreadFailed    = "thread.failed"
)

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Backend       BackendHealth `json:"backend"`
	Clock         *Clock        `json:"clock,omitempty"`
}

// BackendHealth describes the storage backend's health.
type BackendHealth struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}
