package core

import "context"

// Backend is the full set of operations the engine exposes to callers.
// signer is the verified identity that signed the request.
type Backend interface {
	CreateThread(ctx context.Context, signer Address, req *CreateThreadRequest) (*Thread, error)
	GetThread(ctx context.Context, addr Address) (*Thread, error)
	ListThreads(ctx context.Context, filters ThreadListFilters, limit, offset int) ([]*Thread, int, error)
	UpdateThread(ctx context.Context, signer, addr Address, req *UpdateThreadRequest) (*Thread, error)
	PauseThread(ctx context.Context, signer, addr Address) (*Thread, error)
	ResumeThread(ctx context.Context, signer, addr Address) (*Thread, error)
	ResetThread(ctx context.Context, signer, addr Address, force bool) (*Thread, error)
	DeleteThread(ctx context.Context, signer, addr Address) (*DeleteResult, error)
	Deposit(ctx context.Context, addr Address, amount uint64) (*Thread, error)
	Withdraw(ctx context.Context, signer, addr Address, amount uint64) (*Thread, error)
	Crank(ctx context.Context, req *CrankRequest) (*CrankReceipt, error)

	LatestReceipt(ctx context.Context, addr Address) (*CrankReceipt, error)
	ListFailures(ctx context.Context, limit, offset int) ([]*FailureRecord, int, error)
	ClearFailure(ctx context.Context, signer, addr Address) error

	RegisterWorker(ctx context.Context, worker Address) (*WorkerInfo, error)
	ListWorkers(ctx context.Context, limit, offset int) ([]*WorkerInfo, int, error)
	LedgerBalance(ctx context.Context, addr Address) (*LedgerEntry, error)

	PutAccount(ctx context.Context, addr Address, data []byte) error
	Clock(ctx context.Context) (Clock, error)

	Health(ctx context.Context) (*HealthResponse, error)
	Close() error
}

// EventPublisher publishes thread events.
type EventPublisher interface {
	PublishThreadEvent(event *ThreadEvent) error
}

// EventSubscriber streams thread events.
type EventSubscriber interface {
	SubscribeThread(addr Address) (<-chan *ThreadEvent, func(), error)
	SubscribeAll() (<-chan *ThreadEvent, func(), error)
}
