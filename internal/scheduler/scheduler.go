// Package scheduler drives the chain clock and, optionally, a local crank
// worker.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/metrics"
)

// Backend is the subset of the engine the scheduler drives.
type Backend interface {
	AdvanceClock(ctx context.Context, now time.Time) (core.Clock, error)
	CrankCandidates(ctx context.Context) ([]core.Address, error)
	Crank(ctx context.Context, req *core.CrankRequest) (*core.CrankReceipt, error)
	SettlePending(ctx context.Context) (int, error)
}

// Config configures a Scheduler.
type Config struct {
	// SlotInterval is the time between clock ticks.
	SlotInterval time.Duration
	// Worker, when set, cranks due threads after every tick.
	Worker *core.Address
	// Concurrency bounds the cranks in flight per tick.
	Concurrency int
	// TickTimeout bounds one tick including its cranks.
	TickTimeout time.Duration
	// SettleInterval is the minimum time between retries of pending
	// ledger credits.
	SettleInterval time.Duration
}

// Scheduler runs background tasks for the thread engine.
type Scheduler struct {
	backend Backend
	cfg     Config
	now     func() time.Time

	lastSettle time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new scheduler.
func New(backend Backend, cfg Config) *Scheduler {
	if cfg.SlotInterval <= 0 {
		cfg.SlotInterval = 400 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 30 * time.Second
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = 10 * time.Second
	}
	return &Scheduler{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	slog.Info("scheduler started", "slot_interval", s.cfg.SlotInterval, "local_worker", s.cfg.Worker != nil)
}

// Stop halts the tick loop and waits for the current tick to finish. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SlotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickTimeout)
			if err := s.Tick(ctx); err != nil {
				slog.Error("scheduler tick failed", "error", err)
			}
			cancel()
		}
	}
}

// Tick advances the chain clock one slot, retries pending ledger credits
// once per SettleInterval and, with a local worker configured, cranks
// every thread that is due at the new clock.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	clock, err := s.backend.AdvanceClock(ctx, now)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return err
	}
	metrics.SchedulerTicks.WithLabelValues("ok").Inc()

	if now.Sub(s.lastSettle) >= s.cfg.SettleInterval {
		s.lastSettle = now
		settled, err := s.backend.SettlePending(ctx)
		if err != nil {
			slog.Warn("pending credits not settled", "error", err)
		} else if settled > 0 {
			slog.Info("pending credits settled", "count", settled)
		}
	}

	if s.cfg.Worker == nil {
		return nil
	}
	return s.crankDue(ctx, *s.cfg.Worker, clock)
}
