package nats

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
	"github.com/openjobspec/ojs-thread-engine/internal/thread"
)

func serveProgram(t *testing.T, backend *NATSBackend, program core.Address,
	fn func(context.Context, *thread.Invocation) (*thread.InvocationResult, error)) {
	t.Helper()
	sub, err := ServeProgram(backend.Conn(), program, fn)
	if err != nil {
		t.Fatalf("ServeProgram() error = %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestBackendDepositDuringInvocationDoesNotRerunStep(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	authority := randomAddress()
	addr := core.ThreadAddress(authority, "deposit-race")
	program := randomAddress()
	var calls atomic.Int32
	deposited := make(chan error, 1)
	serveProgram(t, backend, program, func(_ context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
		if calls.Add(1) == 1 {
			go func() {
				_, err := backend.Deposit(context.Background(), addr, 50)
				deposited <- err
			}()
			// Let the deposit reach the thread while this step is running.
			time.Sleep(100 * time.Millisecond)
		}
		return nil, nil
	})

	if _, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "deposit-race",
		Trigger:      core.NowTrigger(),
		Instructions: programInstructions(program, 1),
		Fee:          10,
		Deposit:      100,
		RateLimit:    1,
	}); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	worker := randomAddress()
	receipt, err := backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker})
	if err != nil {
		t.Fatalf("Crank() error = %v", err)
	}
	if !receipt.ActivationComplete {
		t.Fatalf("crank = %+v, want the one-shot to complete", receipt)
	}

	var depositErr error
	select {
	case depositErr = <-deposited:
	case <-time.After(5 * time.Second):
		t.Fatal("deposit did not return")
	}
	if depositErr != nil && !errors.Is(depositErr, core.ErrConflict) {
		t.Fatalf("Deposit() error = %v, want nil or conflict", depositErr)
	}

	_, err = backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker})
	if !errors.Is(err, core.ErrTriggerNotDue) {
		t.Fatalf("second Crank() error = %v, want trigger_not_due", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("program calls = %d, want 1", got)
	}

	th, err := backend.GetThread(ctx, addr)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	want := uint64(90)
	if depositErr == nil {
		want = 140
	}
	if th.Balance != want {
		t.Errorf("Balance = %d, want %d", th.Balance, want)
	}
	entry, err := backend.LedgerBalance(ctx, worker)
	if err != nil {
		t.Fatalf("LedgerBalance() error = %v", err)
	}
	if entry.Balance != 10 {
		t.Errorf("worker ledger balance = %d, want 10", entry.Balance)
	}
}

func TestBackendMutationsWaitForThreadLease(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	authority := randomAddress()
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "leased",
		Trigger:      core.CronTrigger("0 0 * * * *", false),
		Instructions: programInstructions(randomAddress(), 1),
		Deposit:      40,
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	addr := created.Address()

	if holder, err := backend.locks.Acquire(ctx, addr.String(), "other-worker"); err != nil || holder != "" {
		t.Fatalf("Acquire() = %q, %v, want lease", holder, err)
	}

	if _, err := backend.Withdraw(ctx, authority, addr, 5); !errors.Is(err, core.ErrConflict) {
		t.Errorf("Withdraw() under a held lease error = %v, want conflict", err)
	}
	if _, err := backend.PauseThread(ctx, authority, addr); !errors.Is(err, core.ErrConflict) {
		t.Errorf("PauseThread() under a held lease error = %v, want conflict", err)
	}
	if _, err := backend.DeleteThread(ctx, authority, addr); !errors.Is(err, core.ErrConflict) {
		t.Errorf("DeleteThread() under a held lease error = %v, want conflict", err)
	}

	if err := backend.locks.Release(ctx, addr.String(), "other-worker"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	result, err := backend.DeleteThread(ctx, authority, addr)
	if err != nil {
		t.Fatalf("DeleteThread() after release error = %v", err)
	}
	if result.Refunded != 40 {
		t.Errorf("Refunded = %d, want 40", result.Refunded)
	}
}

func TestBackendOverrideSurvivesAcrossCranks(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	program := randomAddress()
	replacement := randomAddress()
	var mu sync.Mutex
	var ran []string
	record := func(label string) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, label)
	}
	serveProgram(t, backend, program, func(_ context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
		record(fmt.Sprintf("stored-%d", inv.Index))
		if inv.Index == 0 {
			return &thread.InvocationResult{
				NextInstruction: &core.Instruction{Program: replacement, Data: []byte("swap")},
			}, nil
		}
		return nil, nil
	})
	serveProgram(t, backend, replacement, func(_ context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
		record(fmt.Sprintf("override-%d-%s", inv.Index, inv.Instruction.Data))
		return nil, nil
	})

	authority := randomAddress()
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "override",
		Trigger:      core.NowTrigger(),
		Instructions: programInstructions(program, 3),
		Fee:          1,
		Deposit:      10,
		RateLimit:    1,
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	addr := created.Address()
	worker := randomAddress()

	first, err := backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker})
	if err != nil {
		t.Fatalf("Crank() error = %v", err)
	}
	if !first.OverridePending {
		t.Fatalf("first crank = %+v, want an override pending", first)
	}
	th, err := backend.GetThread(ctx, addr)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if th.Override == nil || th.Override.Index != 1 {
		t.Fatalf("Override = %+v, want one pending for index 1", th.Override)
	}
	if th.Instructions[1].Program != program {
		t.Error("override leaked into the stored instructions")
	}

	for i := 0; i < 2; i++ {
		if _, err := backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker}); err != nil {
			t.Fatalf("Crank() #%d error = %v", i+2, err)
		}
	}

	mu.Lock()
	got := append([]string(nil), ran...)
	mu.Unlock()
	want := []string{"stored-0", "override-1-swap", "stored-2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ran = %v, want %v", got, want)
	}

	if _, _, err := backend.overrides.Get(ctx, addr.String()); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("override record after the step ran: error = %v, want not found", err)
	}
}

func TestBackendFailureKeepsExecutedSteps(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	program := randomAddress()
	var fail atomic.Bool
	fail.Store(true)
	var firstStep atomic.Int32
	serveProgram(t, backend, program, func(_ context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
		if inv.Index == 0 {
			firstStep.Add(1)
		}
		if inv.Index == 1 && fail.Load() {
			return nil, errors.New("step 1 rejected")
		}
		return nil, nil
	})

	authority := randomAddress()
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "prefix",
		Trigger:      core.NowTrigger(),
		Instructions: programInstructions(program, 3),
		Fee:          10,
		Deposit:      100,
		RateLimit:    3,
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
	oe, _ := core.AsOJSError(err)
	if oe == nil || oe.Details["receipt"] == nil || oe.Details["index"] != uint32(1) {
		t.Fatalf("error details = %+v, want receipt and index 1", oe)
	}

	th, err := backend.GetThread(ctx, addr)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if th.Balance != 90 || th.ExecContext == nil || th.ExecContext.NextIndex != 1 {
		t.Fatalf("thread after partial crank: balance=%d exec=%+v, want 90 at index 1", th.Balance, th.ExecContext)
	}
	latest, err := backend.LatestReceipt(ctx, addr)
	if err != nil {
		t.Fatalf("LatestReceipt() error = %v", err)
	}
	if latest.Executed != 1 || latest.FailedIndex == nil || *latest.FailedIndex != 1 {
		t.Errorf("LatestReceipt() = %+v, want 1 executed and failed index 1", latest)
	}
	entry, err := backend.LedgerBalance(ctx, worker)
	if err != nil {
		t.Fatalf("LedgerBalance() error = %v", err)
	}
	if entry.Balance != 10 {
		t.Errorf("worker ledger balance = %d, want 10", entry.Balance)
	}

	fail.Store(false)
	retry, err := backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: worker})
	if err != nil {
		t.Fatalf("Crank() retry error = %v", err)
	}
	if retry.StartIndex != 1 || retry.Executed != 2 || !retry.ActivationComplete {
		t.Errorf("retry = %+v, want start 1, 2 executed, complete", retry)
	}
	if got := firstStep.Load(); got != 1 {
		t.Errorf("step 0 ran %d times, want 1", got)
	}
}

func TestBackendLeaseRenewedBetweenInvocations(t *testing.T) {
	backend := newIntegrationBackendWith(t, func(o *Options) {
		o.CrankLockTTL = time.Second
		o.InvokeTimeout = 900 * time.Millisecond
	})
	ctx := context.Background()

	authority := randomAddress()
	addr := core.ThreadAddress(authority, "slow")
	program := randomAddress()
	var intruder atomic.Value
	serveProgram(t, backend, program, func(ctx context.Context, inv *thread.Invocation) (*thread.InvocationResult, error) {
		if inv.Index == 3 {
			holder, err := backend.locks.Acquire(ctx, addr.String(), "intruder")
			if err != nil {
				return nil, err
			}
			intruder.Store(holder)
			return nil, nil
		}
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	})

	if _, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "slow",
		Trigger:      core.NowTrigger(),
		Instructions: programInstructions(program, 4),
		Fee:          1,
		Deposit:      10,
		RateLimit:    4,
	}); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	receipt, err := backend.Crank(ctx, &core.CrankRequest{Thread: addr, Worker: randomAddress()})
	if err != nil {
		t.Fatalf("Crank() error = %v", err)
	}
	if receipt.Executed != 4 {
		t.Errorf("Executed = %d, want 4", receipt.Executed)
	}
	if holder, _ := intruder.Load().(string); holder == "" {
		t.Error("lease was free during the last step, want it held by the crank")
	}
}

func TestBackendSettlePendingCredits(t *testing.T) {
	backend := newIntegrationBackend(t)
	backend.settleAfter = 0
	ctx := context.Background()

	authority := randomAddress()
	created, err := backend.CreateThread(ctx, authority, &core.CreateThreadRequest{
		Authority:    authority,
		ID:           "outbox",
		Trigger:      core.CronTrigger("0 0 * * * *", false),
		Instructions: programInstructions(randomAddress(), 1),
		Deposit:      40,
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	addr := created.Address()

	th, rev, err := backend.loadThread(ctx, addr)
	if err != nil {
		t.Fatalf("loadThread() error = %v", err)
	}
	next := th.Clone()
	next.Balance -= 15
	data, err := MarshalThread(next)
	if err != nil {
		t.Fatalf("MarshalThread() error = %v", err)
	}
	sum := sha256.Sum256(data)

	// Staged and written, but never credited.
	payee := randomAddress()
	committed, err := backend.stageCredit(ctx, &pendingCredit{
		Key:          "withdraw:" + addr.String() + ":committed",
		Thread:       addr,
		BaseRevision: rev,
		Digest:       sum[:],
		Credits:      []ledgerCredit{{Address: payee, Amount: 15}},
	})
	if err != nil {
		t.Fatalf("stageCredit() error = %v", err)
	}
	newRev, err := backend.threads.Update(ctx, addr.String(), data, rev)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Staged against a write that never happened.
	stranger := randomAddress()
	other := sha256.Sum256(bytes.Repeat([]byte{0xFF}, 8))
	abandoned, err := backend.stageCredit(ctx, &pendingCredit{
		Key:          "withdraw:" + addr.String() + ":abandoned",
		Thread:       addr,
		BaseRevision: newRev,
		Digest:       other[:],
		Credits:      []ledgerCredit{{Address: stranger, Amount: 99}},
	})
	if err != nil {
		t.Fatalf("stageCredit() error = %v", err)
	}

	if _, err := backend.SettlePending(ctx); err != nil {
		t.Fatalf("SettlePending() error = %v", err)
	}
	// A repeat must not credit twice.
	if _, err := backend.SettlePending(ctx); err != nil {
		t.Fatalf("second SettlePending() error = %v", err)
	}

	for _, id := range []string{committed, abandoned} {
		if _, _, err := backend.settlements.Get(ctx, id); !errors.Is(err, kv.ErrNotFound) {
			t.Errorf("outbox entry %s still present: error = %v", id, err)
		}
	}
	if entry, _ := backend.LedgerBalance(ctx, payee); entry == nil || entry.Balance != 15 {
		t.Errorf("payee ledger = %+v, want 15", entry)
	}
	if entry, _ := backend.LedgerBalance(ctx, stranger); entry == nil || entry.Balance != 0 {
		t.Errorf("stranger ledger = %+v, want 0", entry)
	}
}
