package nats

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
	"github.com/openjobspec/ojs-thread-engine/internal/kv"
)

// ListThreads returns a paginated, filtered list of threads ordered by
// authority then id.
func (b *NATSBackend) ListThreads(ctx context.Context, filters core.ThreadListFilters, limit, offset int) ([]*core.Thread, int, error) {
	keys, err := b.threads.Keys(ctx)
	if err != nil {
		return nil, 0, core.NewInternalError(fmt.Sprintf("listing threads: %v", err))
	}

	var filtered []*core.Thread
	for _, key := range keys {
		addr, err := core.ParseAddress(key)
		if err != nil {
			continue
		}
		th, _, err := b.loadThread(ctx, addr)
		if err != nil {
			continue
		}
		if !filters.Matches(th) {
			continue
		}
		filtered = append(filtered, th)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Authority != filtered[j].Authority {
			return filtered[i].Authority.String() < filtered[j].Authority.String()
		}
		return filtered[i].ID < filtered[j].ID
	})

	return paginate(filtered, limit, offset), len(filtered), nil
}

type workerRecord struct {
	RegisteredAt string `json:"registered_at"`
}

// RegisterWorker adds worker to the set allowed to crank. Registering twice
// returns the original registration.
func (b *NATSBackend) RegisterWorker(ctx context.Context, worker core.Address) (*core.WorkerInfo, error) {
	rec, err := kv.UpdateJSON(ctx, b.workers, worker.String(), func(r *workerRecord) bool {
		if r.RegisteredAt != "" {
			return false
		}
		r.RegisteredAt = core.NowFormatted()
		return true
	})
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("registering worker: %v", err))
	}
	return &core.WorkerInfo{Address: worker, RegisteredAt: rec.RegisteredAt}, nil
}

// ListWorkers returns a paginated list of registered workers and their
// earnings.
func (b *NATSBackend) ListWorkers(ctx context.Context, limit, offset int) ([]*core.WorkerInfo, int, error) {
	keys, err := b.workers.Keys(ctx)
	if err != nil {
		return nil, 0, core.NewInternalError(fmt.Sprintf("listing workers: %v", err))
	}
	sort.Strings(keys)
	total := len(keys)

	var workers []*core.WorkerInfo
	for _, key := range paginate(keys, limit, offset) {
		addr, err := core.ParseAddress(key)
		if err != nil {
			continue
		}
		var rec workerRecord
		if _, err := b.workers.GetJSON(ctx, key, &rec); err != nil {
			continue
		}
		info := &core.WorkerInfo{Address: addr, RegisteredAt: rec.RegisteredAt}
		if entry, err := b.ledger.Balance(ctx, addr); err == nil {
			info.Earned = entry.Balance
		}
		workers = append(workers, info)
	}
	return workers, total, nil
}

// LedgerBalance returns the off-thread balance held for addr.
func (b *NATSBackend) LedgerBalance(ctx context.Context, addr core.Address) (*core.LedgerEntry, error) {
	entry, err := b.ledger.Balance(ctx, addr)
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("reading ledger: %v", err))
	}
	return entry, nil
}

// registeredWorkers authorizes workers present in the workers bucket.
type registeredWorkers struct {
	store *kv.Store
}

func (r *registeredWorkers) Authorize(ctx context.Context, worker, _ core.Address) (bool, error) {
	_, _, err := r.store.Get(ctx, worker.String())
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
