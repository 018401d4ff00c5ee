package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
	"github.com/openjobspec/ojs-thread-engine/internal/settlement"
	"github.com/openjobspec/ojs-thread-engine/internal/thread"
	"github.com/openjobspec/ojs-thread-engine/internal/trigger"
)

// Options configures a NATSBackend.
type Options struct {
	URL              string
	Policy           settlement.Policy
	DefaultRateLimit uint8
	// AllowAnyWorker skips the registered-worker check on crank.
	AllowAnyWorker bool
	CrankLockTTL   time.Duration
	InvokeTimeout  time.Duration
	SlotsPerEpoch  uint64
	// Invoker overrides the NATS request/reply invoker.
	Invoker thread.Invoker
}

// NATSBackend implements core.Backend using NATS JetStream and KV.
type NATSBackend struct {
	nc *nats.Conn
	js jetstream.JetStream

	// KV stores
	threads     *kv.Store
	workers     *kv.Store
	accounts    *kv.Store
	chain       *kv.Store
	failures    *kv.Store
	overrides   *kv.Store
	settlements *kv.Store
	locks       *kv.LockStore
	ledger      *kv.LedgerStore

	controller    *thread.Controller
	evaluator     *trigger.Evaluator
	events        *PubSubBroker
	slotsPerEpoch uint64
	// settleAfter is how old an outbox entry must be before SettlePending
	// judges it; past two lease TTLs its writer has finished or given up.
	settleAfter time.Duration

	startTime time.Time
}

// New creates a new NATSBackend, connecting to NATS and setting up JetStream resources.
func New(opts Options) (*NATSBackend, error) {
	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if opts.CrankLockTTL <= 0 {
		opts.CrankLockTTL = 30 * time.Second
	}
	if opts.SlotsPerEpoch == 0 {
		opts.SlotsPerEpoch = 432000
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 5 * time.Second
	}
	if opts.InvokeTimeout >= opts.CrankLockTTL {
		nc.Close()
		return nil, fmt.Errorf("crank lock TTL %s must exceed invoke timeout %s", opts.CrankLockTTL, opts.InvokeTimeout)
	}

	// Set up streams and KV buckets
	if err := SetupJetStream(ctx, js, opts.CrankLockTTL); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	// Open KV buckets
	names := []string{BucketThreads, BucketWorkers, BucketLedger, BucketAccounts, BucketChain, BucketCrankLocks,
		BucketFailures, BucketOverrides, BucketSettlements}
	buckets := make(map[string]jetstream.KeyValue, len(names))
	for _, name := range names {
		bucket, err := js.KeyValue(ctx, name)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		buckets[name] = bucket
	}

	b := &NATSBackend{
		nc:            nc,
		js:            js,
		threads:       kv.NewStore(buckets[BucketThreads]),
		workers:       kv.NewStore(buckets[BucketWorkers]),
		accounts:      kv.NewStore(buckets[BucketAccounts]),
		chain:         kv.NewStore(buckets[BucketChain]),
		failures:      kv.NewStore(buckets[BucketFailures]),
		overrides:     kv.NewStore(buckets[BucketOverrides]),
		settlements:   kv.NewStore(buckets[BucketSettlements]),
		locks:         kv.NewLockStore(buckets[BucketCrankLocks]),
		ledger:        kv.NewLedgerStore(buckets[BucketLedger]),
		evaluator:     trigger.NewEvaluator(nil),
		events:        NewPubSubBroker(nc),
		slotsPerEpoch: opts.SlotsPerEpoch,
		settleAfter:   2 * opts.CrankLockTTL,
		startTime:     time.Now(),
	}

	invoker := opts.Invoker
	if invoker == nil {
		invoker = NewRequestInvoker(nc, opts.InvokeTimeout)
	}
	var authorizer thread.WorkerAuthorizer = &registeredWorkers{store: b.workers}
	if opts.AllowAnyWorker {
		authorizer = thread.AllowAnyWorker{}
	}
	b.controller = thread.New(thread.Config{
		Invoker:          &leasedInvoker{next: invoker, locks: b.locks},
		Authorizer:       authorizer,
		Evaluator:        b.evaluator,
		Policy:           opts.Policy,
		Logger:           slog.Default(),
		DefaultRateLimit: opts.DefaultRateLimit,
	})
	return b, nil
}

// Conn returns the underlying NATS connection for use by auxiliary services (e.g., program handlers).
func (b *NATSBackend) Conn() *nats.Conn {
	return b.nc
}

// Events returns the broker thread events are published through.
func (b *NATSBackend) Events() *PubSubBroker {
	return b.events
}

func (b *NATSBackend) Close() error {
	_ = b.events.Close()
	b.nc.Close()
	return nil
}

// CreateThread registers a new thread funded with the request's deposit.
func (b *NATSBackend) CreateThread(ctx context.Context, signer core.Address, req *core.CreateThreadRequest) (*core.Thread, error) {
	chain, err := b.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	th, err := b.controller.Create(signer, req, chain)
	if err != nil {
		return nil, err
	}
	if chain.err != nil {
		return nil, core.NewInternalError(chain.err.Error())
	}

	data, err := MarshalThread(th)
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("encoding thread: %v", err))
	}
	if _, err := b.threads.Create(ctx, th.Address().String(), data); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return nil, core.NewDuplicateError(th.Authority, th.ID)
		}
		return nil, core.NewInternalError(fmt.Sprintf("storing thread: %v", err))
	}

	b.publish(core.EventThreadCreated, th, map[string]any{"balance": th.Balance})
	return th, nil
}

// GetThread returns the stored thread.
func (b *NATSBackend) GetThread(ctx context.Context, addr core.Address) (*core.Thread, error) {
	th, _, err := b.loadThread(ctx, addr)
	return th, err
}

// UpdateThread replaces the trigger, instructions, fee or rate limit.
func (b *NATSBackend) UpdateThread(ctx context.Context, signer, addr core.Address, req *core.UpdateThreadRequest) (*core.Thread, error) {
	chain, err := b.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	th, _, err := b.mutateThread(ctx, addr, core.EventThreadUpdated, func(th *core.Thread) (*core.Thread, error) {
		return b.controller.Update(th, signer, req, chain)
	})
	return th, err
}

// PauseThread stops the thread from starting new activations.
func (b *NATSBackend) PauseThread(ctx context.Context, signer, addr core.Address) (*core.Thread, error) {
	th, _, err := b.mutateThread(ctx, addr, core.EventThreadPaused, func(th *core.Thread) (*core.Thread, error) {
		return b.controller.Pause(th, signer)
	})
	return th, err
}

// ResumeThread lets a paused thread start activations again.
func (b *NATSBackend) ResumeThread(ctx context.Context, signer, addr core.Address) (*core.Thread, error) {
	th, _, err := b.mutateThread(ctx, addr, core.EventThreadResumed, func(th *core.Thread) (*core.Thread, error) {
		return b.controller.Resume(th, signer)
	})
	return th, err
}

// ResetThread re-arms the trigger and clears the activation.
func (b *NATSBackend) ResetThread(ctx context.Context, signer, addr core.Address, force bool) (*core.Thread, error) {
	chain, err := b.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	th, _, err := b.mutateThread(ctx, addr, core.EventThreadReset, func(th *core.Thread) (*core.Thread, error) {
		return b.controller.Reset(th, signer, force, chain)
	})
	return th, err
}

// DeleteThread closes the thread and refunds its balance to the authority's
// ledger entry.
func (b *NATSBackend) DeleteThread(ctx context.Context, signer, addr core.Address) (*core.DeleteResult, error) {
	release, err := b.acquireLease(ctx, addr, "mutation/"+core.NewUUIDv7())
	if err != nil {
		return nil, err
	}
	defer release()

	th, rev, stored, err := b.loadThreadState(ctx, addr)
	if err != nil {
		return nil, err
	}
	refund, err := b.controller.Delete(th, signer)
	if err != nil {
		return nil, err
	}

	var credit *pendingCredit
	if refund > 0 {
		credit = &pendingCredit{
			Key:          fmt.Sprintf("delete:%s:%d", addr, rev),
			Thread:       addr,
			BaseRevision: rev,
			Credits:      []ledgerCredit{{Address: th.Authority, Amount: refund}},
		}
	}
	entry, err := b.stageCredit(ctx, credit)
	if err != nil {
		return nil, err
	}
	if err := b.threads.DeleteRevision(ctx, addr.String(), rev); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			b.dropCredit(ctx, entry)
			return nil, core.NewStaleStateError(addr)
		}
		return nil, core.NewInternalError(fmt.Sprintf("deleting thread %s: %v", addr, err))
	}

	b.settleAfterCommit(ctx, entry, credit)
	if stored {
		b.clearOverride(ctx, addr)
	}
	_ = b.failures.Delete(ctx, addr.String())

	b.publish(core.EventThreadDeleted, th, map[string]any{"refunded": refund})
	return &core.DeleteResult{Thread: addr, Refunded: refund, Receiver: th.Authority}, nil
}

// depositAttempts bounds how often a deposit retries a busy thread.
const depositAttempts = 5

// Deposit adds funds to a thread's balance.
func (b *NATSBackend) Deposit(ctx context.Context, addr core.Address, amount uint64) (*core.Thread, error) {
	var th *core.Thread
	var err error
	// Deposits commute, so a held lease or lost race is retried rather
	// than reported.
	backoff := 20 * time.Millisecond
	for i := 0; i < depositAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		th, _, err = b.mutateThread(ctx, addr, core.EventThreadDeposited, func(th *core.Thread) (*core.Thread, error) {
			return b.controller.Deposit(th, amount)
		})
		if !errors.Is(err, core.ErrConflict) {
			break
		}
	}
	return th, err
}

// Withdraw moves funds from the thread back to the authority's ledger entry.
func (b *NATSBackend) Withdraw(ctx context.Context, signer, addr core.Address, amount uint64) (*core.Thread, error) {
	th, _, err := b.mutateThreadCredit(ctx, addr, core.EventThreadWithdrawn, func(th *core.Thread) (*core.Thread, error) {
		return b.controller.Withdraw(th, signer, amount)
	}, func(next *core.Thread, rev uint64) *pendingCredit {
		return &pendingCredit{
			Key:     fmt.Sprintf("withdraw:%s:%d", addr, rev),
			Credits: []ledgerCredit{{Address: next.Authority, Amount: amount}},
		}
	})
	if err != nil {
		return nil, err
	}
	return th, nil
}

// Health returns the health status.
func (b *NATSBackend) Health(ctx context.Context) (*core.HealthResponse, error) {
	resp := &core.HealthResponse{
		Version:       core.OJSVersion,
		UptimeSeconds: int64(time.Since(b.startTime).Seconds()),
	}

	status := b.nc.Status()
	if status != nats.CONNECTED {
		resp.Status = "degraded"
		resp.Backend = core.BackendHealth{
			Type:   "nats",
			Status: "disconnected",
			Error:  fmt.Sprintf("NATS status: %v", status),
		}
		return resp, fmt.Errorf("NATS not connected")
	}

	// Measure actual NATS RTT with a KV operation
	start := time.Now()
	clock, err := b.Clock(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		resp.Status = "degraded"
		resp.Backend = core.BackendHealth{Type: "nats", Status: "error", Error: err.Error()}
		return resp, err
	}

	resp.Status = "ok"
	resp.Clock = &clock
	resp.Backend = core.BackendHealth{
		Type:      "nats",
		Status:    "connected",
		LatencyMs: latency,
	}
	return resp, nil
}
