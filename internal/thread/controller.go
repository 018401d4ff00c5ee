// Package thread implements the thread state machine: lifecycle operations
// issued by a thread's authority and the crank operation issued by workers.
//
// Every operation takes the current thread and returns a new one. The input
// is never modified, so a failed operation leaves the caller's copy exactly
// as it was and the caller decides whether to persist the result.
package thread

import (
	"context"
	"log/slog"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/settlement"
	"github.com/openjobspec/ojs-thread-engine/internal/trigger"
)

// Invocation is one instruction executed on behalf of a thread. The thread's
// own address signs the call.
type Invocation struct {
	Thread      core.Address     `json:"thread"`
	Authority   core.Address     `json:"authority"`
	Worker      core.Address     `json:"worker"`
	Index       uint32           `json:"index"`
	Instruction core.Instruction `json:"instruction"`
	Clock       core.Clock       `json:"clock"`
}

// InvocationResult is what a target program may hand back.
type InvocationResult struct {
	// NextInstruction replaces the stored instruction at the following index
	// for the current activation only; it is kept across crank calls until
	// that step runs or the activation ends.
	NextInstruction *core.Instruction `json:"next_instruction,omitempty"`
	// Trigger replaces the thread's trigger.
	Trigger *core.Trigger `json:"trigger,omitempty"`
}

// Invoker executes instructions against target programs.
type Invoker interface {
	Invoke(ctx context.Context, inv *Invocation) (*InvocationResult, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, inv *Invocation) (*InvocationResult, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, inv *Invocation) (*InvocationResult, error) {
	return f(ctx, inv)
}

// WorkerAuthorizer decides whether worker may crank thread right now.
type WorkerAuthorizer interface {
	Authorize(ctx context.Context, worker, thread core.Address) (bool, error)
}

// AllowAnyWorker authorizes every worker.
type AllowAnyWorker struct{}

// Authorize implements WorkerAuthorizer.
func (AllowAnyWorker) Authorize(context.Context, core.Address, core.Address) (bool, error) {
	return true, nil
}

// Config configures a Controller.
type Config struct {
	Invoker    Invoker
	Authorizer WorkerAuthorizer
	Evaluator  *trigger.Evaluator
	Policy     settlement.Policy
	Logger     *slog.Logger
	// DefaultRateLimit replaces a rate limit of 0 at create and update time.
	DefaultRateLimit uint8
}

// Controller runs thread operations. It holds no thread state.
type Controller struct {
	invoker          Invoker
	authorizer       WorkerAuthorizer
	evaluator        *trigger.Evaluator
	policy           settlement.Policy
	logger           *slog.Logger
	defaultRateLimit uint8
}

// New creates a Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		invoker:          cfg.Invoker,
		authorizer:       cfg.Authorizer,
		evaluator:        cfg.Evaluator,
		policy:           cfg.Policy,
		logger:           cfg.Logger,
		defaultRateLimit: cfg.DefaultRateLimit,
	}
	if c.authorizer == nil {
		c.authorizer = AllowAnyWorker{}
	}
	if c.evaluator == nil {
		c.evaluator = trigger.NewEvaluator(nil)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.defaultRateLimit == 0 {
		c.defaultRateLimit = core.DefaultRateLimit
	}
	c.logger = c.logger.With("component", "thread")
	return c
}

// Policy returns the settlement policy in force.
func (c *Controller) Policy() settlement.Policy {
	return c.policy
}
