package nats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/settlement"
	"github.com/openjobspec/ojs-thread-engine/internal/thread"
)

func TestBackendCreateCrankCompleteFlow(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	program := randomAddress()
	var calls atomic.Int32
	sub, err := ServeProgram(backend.Conn(), program, func(_ context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
		calls.Add(1)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("ServeProgram() error = %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	authority := randomAddress()
	worker := randomAddress()
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "flow",
		Trigger:      core.NowTrigger(),
		Instructions: programInstructions(program, 3),
		Fee:          10,
		Deposit:      100,
		RateLimit:    2,
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	addr := created.Address()

	first, err := backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker})
	if err != nil {
		t.Fatalf("Crank() error = %v", err)
	}
	if !first.StartedActivation || first.Executed != 2 || first.ActivationComplete {
		t.Fatalf("first crank = %+v, want started, 2 executed, not complete", first)
	}

	second, err := backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker})
	if err != nil {
		t.Fatalf("second Crank() error = %v", err)
	}
	if !second.ActivationComplete || second.Executed != 1 {
		t.Fatalf("second crank = %+v, want 1 executed and complete", second)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("program calls = %d, want 3", got)
	}

	th, err := backend.GetThread(ctx, addr)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if th.Balance != 70 {
		t.Errorf("Balance = %d, want 70", th.Balance)
	}
	if th.IsRunning() {
		t.Error("thread still running after activation completed")
	}

	entry, err := backend.LedgerBalance(ctx, worker)
	if err != nil {
		t.Fatalf("LedgerBalance() error = %v", err)
	}
	if entry.Balance != 30 {
		t.Errorf("worker ledger balance = %d, want 30", entry.Balance)
	}

	latest, err := backend.LatestReceipt(ctx, addr)
	if err != nil {
		t.Fatalf("LatestReceipt() error = %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("LatestReceipt().ID = %s, want %s", latest.ID, second.ID)
	}

	_, err = backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker})
	if !errors.Is(err, core.ErrTriggerNotDue) {
		t.Fatalf("Crank() after one-shot fired error = %v, want trigger_not_due", err)
	}
}

func TestBackendDuplicateCreate(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	authority := randomAddress()
	req := &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "dup",
		Trigger:      core.NowTrigger(),
		Instructions: programInstructions(randomAddress(), 1),
		Deposit:      1,
	}
	if _, err := backend.CreateThread(ctx, authority, req); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	_, err := backend.CreateThread(ctx, authority, req)
	if !errors.Is(err, core.ErrDuplicate) {
		t.Fatalf("second CreateThread() error = %v, want duplicate", err)
	}
}

func TestBackendInstructionFailureRecorded(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	program := randomAddress()
	var fail atomic.Bool
	fail.Store(true)
	sub, err := ServeProgram(backend.Conn(), program, func(_ context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
		if fail.Load() {
			return nil, fmt.Errorf("step %d rejected", inv.Index)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("ServeProgram() error = %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	authority := randomAddress()
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "failing",
		Trigger:      core.NowTrigger(),
		Instructions: programInstructions(program, 1),
		Fee:          5,
		Deposit:      50,
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	addr := created.Address()
	worker := randomAddress()

	_, err = backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker})
	if !errors.Is(err, core.ErrInstructionFailed) {
		t.Fatalf("Crank() error = %v, want instruction failure", err)
	}

	th, err := backend.GetThread(ctx, addr)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if th.Balance != 50 || th.IsRunning() {
		t.Fatalf("thread changed by failed crank: balance=%d running=%v", th.Balance, th.IsRunning())
	}

	failures, _, err := backend.ListFailures(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if !containsFailure(failures, addr) {
		t.Fatalf("failure list does not include thread %s", addr)
	}

	if err := backend.ClearFailure(ctx, worker, addr); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("ClearFailure() by non-authority error = %v, want unauthorized", err)
	}

	fail.Store(false)
	if _, err := backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker}); err != nil {
		t.Fatalf("Crank() after fix error = %v", err)
	}
	failures, _, err = backend.ListFailures(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if containsFailure(failures, addr) {
		t.Fatalf("failure for %s should be cleared after a successful crank", addr)
	}
}

func TestBackendStaleExpectedIndex(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	authority := randomAddress()
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "stale",
		Trigger:      core.NowTrigger(),
		Instructions: programInstructions(randomAddress(), 1),
		Deposit:      10,
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	expected := uint32(3)
	_, err = backend.Crank(ctx, &core.CrankRequest{Thread: created.Address(), Worker: randomAddress(), ExpectedNextIndex: &expected})
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("Crank() error = %v, want conflict", err)
	}
}

func TestBackendDeleteRefundsAuthority(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	authority := randomAddress()
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "refund",
		Trigger:      core.CronTrigger("0 0 * * * *", false),
		Instructions: programInstructions(randomAddress(), 1),
		Deposit:      40,
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	addr := created.Address()

	if _, err := backend.Withdraw(ctx, authority, addr, 15); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	result, err := backend.DeleteThread(ctx, authority, addr)
	if err != nil {
		t.Fatalf("DeleteThread() error = %v", err)
	}
	if result.Refunded != 25 {
		t.Errorf("Refunded = %d, want 25", result.Refunded)
	}

	entry, err := backend.LedgerBalance(ctx, authority)
	if err != nil {
		t.Fatalf("LedgerBalance() error = %v", err)
	}
	if entry.Balance != 40 {
		t.Errorf("authority ledger balance = %d, want 40", entry.Balance)
	}

	if _, err := backend.GetThread(ctx, addr); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("GetThread() after delete error = %v, want not found", err)
	}
}

func TestBackendAccountTriggerCandidates(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	authority := randomAddress()
	watched := randomAddress()
	if err := backend.PutAccount(ctx, watched, []byte{0x00}); err != nil {
		t.Fatalf("PutAccount() error = %v", err)
	}
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "watch",
		Trigger:      core.AccountTrigger(watched, 0, 1),
		Instructions: programInstructions(randomAddress(), 1),
		Deposit:      10,
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	addr := created.Address()

	candidates, err := backend.CrankCandidates(ctx)
	if err != nil {
		t.Fatalf("CrankCandidates() error = %v", err)
	}
	if containsAddress(candidates, addr) {
		t.Fatal("unchanged account should not make the thread a candidate")
	}

	if err := backend.PutAccount(ctx, watched, []byte{0x01}); err != nil {
		t.Fatalf("PutAccount() error = %v", err)
	}
	candidates, err = backend.CrankCandidates(ctx)
	if err != nil {
		t.Fatalf("CrankCandidates() error = %v", err)
	}
	if !containsAddress(candidates, addr) {
		t.Fatal("changed account should make the thread a candidate")
	}
}

func TestBackendAdvanceClock(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	before, err := backend.Clock(ctx)
	if err != nil {
		t.Fatalf("Clock() error = %v", err)
	}
	after, err := backend.AdvanceClock(ctx, time.Now())
	if err != nil {
		t.Fatalf("AdvanceClock() error = %v", err)
	}
	if after.Slot <= before.Slot {
		t.Errorf("Slot = %d, want > %d", after.Slot, before.Slot)
	}
	if after.UnixTimestamp < before.UnixTimestamp {
		t.Errorf("UnixTimestamp went backwards: %d < %d", after.UnixTimestamp, before.UnixTimestamp)
	}
}

func TestBackendRegisterWorkerIdempotent(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	worker := randomAddress()
	first, err := backend.RegisterWorker(ctx, worker)
	if err != nil {
		t.Fatalf("RegisterWorker() error = %v", err)
	}
	second, err := backend.RegisterWorker(ctx, worker)
	if err != nil {
		t.Fatalf("second RegisterWorker() error = %v", err)
	}
	if first.RegisteredAt != second.RegisteredAt {
		t.Errorf("RegisteredAt changed: %s -> %s", first.RegisteredAt, second.RegisteredAt)
	}

	ok, err := (&registeredWorkers{store: backend.workers}).Authorize(ctx, worker, randomAddress())
	if err != nil || !ok {
		t.Fatalf("Authorize() = %v, %v, want true", ok, err)
	}
}

func programInstructions(program core.Address, n int) []core.Instruction {
	out := make([]core.Instruction, n)
	for i := range out {
		out[i] = core.Instruction{Program: program, Data: []byte{byte(i)}}
	}
	return out
}

func randomAddress() core.Address {
	var a core.Address
	u1, u2 := uuid.New(), uuid.New()
	copy(a[:16], u1[:])
	copy(a[16:], u2[:])
	return a
}

func containsFailure(records []*core.FailureRecord, addr core.Address) bool {
	for _, r := range records {
		if r != nil && r.Thread == addr {
			return true
		}
	}
	return false
}

func containsAddress(addrs []core.Address, addr core.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func newIntegrationBackend(t *testing.T) *NATSBackend {
	t.Helper()
	return newIntegrationBackendWith(t, nil)
}

func newIntegrationBackendWith(t *testing.T, configure func(*Options)) *NATSBackend {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	opts := Options{
		URL:            natsURL,
		Policy:         settlement.Policy{},
		AllowAnyWorker: true,
		InvokeTimeout:  2 * time.Second,
	}
	if configure != nil {
		configure(&opts)
	}
	backend, err := New(opts)
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return backend
}
