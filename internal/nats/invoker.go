package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/thread"
)

// invocationReply is the envelope a program answers an invocation with.
type invocationReply struct {
	OK              bool              `json:"ok"`
	Error           string            `json:"error,omitempty"`
	NextInstruction *core.Instruction `json:"next_instruction,omitempty"`
	Trigger         *core.Trigger     `json:"trigger,omitempty"`
}

// ProgramError is a failure reported by the target program itself, as
// opposed to a transport failure reaching it.
type ProgramError struct {
	Program core.Address
	Message string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("program %s: %s", e.Program, e.Message)
}

// RequestInvoker executes instructions by NATS request/reply on the target
// program's subject. Each program sits behind its own circuit breaker.
type RequestInvoker struct {
	nc      *nats.Conn
	timeout time.Duration

	mu       sync.Mutex
	breakers map[core.Address]*gobreaker.CircuitBreaker
}

// NewRequestInvoker creates a RequestInvoker.
func NewRequestInvoker(nc *nats.Conn, timeout time.Duration) *RequestInvoker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RequestInvoker{
		nc:       nc,
		timeout:  timeout,
		breakers: make(map[core.Address]*gobreaker.CircuitBreaker),
	}
}

// Invoke implements thread.Invoker.
func (r *RequestInvoker) Invoke(ctx context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
	program := inv.Instruction.Program
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	out, err := r.breaker(program).Execute(func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		msg, err := r.nc.RequestWithContext(rctx, ProgramSubject(program), data)
		if err != nil {
			return nil, fmt.Errorf("invoke program %s: %w", program, err)
		}
		var reply invocationReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return nil, fmt.Errorf("decode reply from program %s: %w", program, err)
		}
		if !reply.OK {
			return nil, &ProgramError{Program: program, Message: reply.Error}
		}
		return &thread.InvocationResult{NextInstruction: reply.NextInstruction, Trigger: reply.Trigger}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*thread.InvocationResult), nil
}

func (r *RequestInvoker) breaker(program core.Address) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[program]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        program.String(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A program rejecting an instruction is a healthy program.
		IsSuccessful: func(err error) bool {
			var pe *ProgramError
			return err == nil || errors.As(err, &pe)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("program circuit breaker state changed", "program", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[program] = cb
	return cb
}

// ProgramHandler executes one invocation inside a program.
type ProgramHandler func(ctx context.Context, inv *thread.Invocation) (*thread.InvocationResult, error)

// ServeProgram answers invocations for program on nc with handler. A handler
// error is reported back as a program failure.
func ServeProgram(nc *nats.Conn, program core.Address, handler ProgramHandler) (*nats.Subscription, error) {
	return nc.Subscribe(ProgramSubject(program), func(msg *nats.Msg) {
		var reply invocationReply
		var inv thread.Invocation
		if err := json.Unmarshal(msg.Data, &inv); err != nil {
			reply.Error = fmt.Sprintf("decode invocation: %v", err)
		} else if res, err := handler(context.Background(), &inv); err != nil {
			reply.Error = err.Error()
		} else {
			reply.OK = true
			if res != nil {
				reply.NextInstruction = res.NextInstruction
				reply.Trigger = res.Trigger
			}
		}
		data, err := json.Marshal(&reply)
		if err != nil {
			slog.Error("failed to marshal program reply", "error", err, "program", program)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Error("failed to respond to invocation", "error", err, "program", program)
		}
	})
}
