package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/lock"
	"github.com/MorseWayne/stock_engine/internal/repo"
)

// faultyStockRepo wraps the memory repository and injects failures for testing
type faultyStockRepo struct {
	*repo.MemoryStockRepository

	mu            sync.Mutex
	readErr       error
	adjustErr     error
	adjustPanic   bool
	forceZeroRows bool
	vanishOnZero  bool
	vanished      bool
	beforeAdjust  func(ctx context.Context, inner *repo.MemoryStockRepository)
	afterRead     func(ctx context.Context)
	adjustCalls   int
}

func newFaultyStockRepo() *faultyStockRepo {
	return &faultyStockRepo{MemoryStockRepository: repo.NewMemoryStockRepository()}
}

func (f *faultyStockRepo) ReadForUpdate(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	f.mu.Lock()
	readErr, vanished, hook := f.readErr, f.vanished, f.afterRead
	f.mu.Unlock()

	if readErr != nil {
		return nil, readErr
	}
	if vanished {
		return nil, repo.ErrStockNotFound
	}
	rec, err := f.MemoryStockRepository.ReadForUpdate(ctx, productID)
	if err == nil && hook != nil {
		hook(ctx)
	}
	return rec, err
}

func (f *faultyStockRepo) ConditionalAdjust(ctx context.Context, productID int64, adj repo.Adjustment) (int64, error) {
	f.mu.Lock()
	f.adjustCalls++
	adjustErr, adjustPanic := f.adjustErr, f.adjustPanic
	forceZero, vanishOnZero := f.forceZeroRows, f.vanishOnZero
	hook := f.beforeAdjust
	f.mu.Unlock()

	if adjustPanic {
		panic("simulated repository panic")
	}
	if adjustErr != nil {
		return 0, adjustErr
	}
	if hook != nil {
		hook(ctx, f.MemoryStockRepository)
	}
	if forceZero {
		if vanishOnZero {
			f.mu.Lock()
			f.vanished = true
			f.mu.Unlock()
		}
		return 0, nil
	}
	return f.MemoryStockRepository.ConditionalAdjust(ctx, productID, adj)
}

func (f *faultyStockRepo) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adjustCalls
}

// recordingAlertSink collects low stock alerts
type recordingAlertSink struct {
	mu     sync.Mutex
	alerts []*domain.StockRecord
}

func (r *recordingAlertSink) NotifyLowStock(_ context.Context, rec *domain.StockRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, rec)
	return nil
}

func (r *recordingAlertSink) snapshot() []*domain.StockRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.StockRecord, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// blockingAuditSink blocks every delivery until release is closed
type blockingAuditSink struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func newBlockingAuditSink() *blockingAuditSink {
	return &blockingAuditSink{release: make(chan struct{})}
}

func (b *blockingAuditSink) RecordChange(ctx context.Context, _ *domain.StockChange) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	return nil
}

func (b *blockingAuditSink) delivered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// engineFixture bundles an engine with its in-memory collaborators
type engineFixture struct {
	engine   *InventoryEngine
	repo     *faultyStockRepo
	locker   *lock.MemoryLocker
	logs     *repo.MemoryStockLogRepository
	alerts   *recordingAlertSink
	notifier *Notifier
}

func newEngineFixture(t *testing.T, config *EngineConfig) *engineFixture {
	t.Helper()

	f := &engineFixture{
		repo:   newFaultyStockRepo(),
		locker: lock.NewMemoryLocker(),
		logs:   repo.NewMemoryStockLogRepository(),
		alerts: &recordingAlertSink{},
	}
	if config == nil {
		config = &EngineConfig{HoldTimeout: 5 * time.Second, WaitTimeout: 2 * time.Second, BatchLanes: 4}
	}
	f.notifier = NewNotifier(f.logs, f.alerts, &NotifierConfig{QueueSize: 4096, Workers: 2, DeliveryTimeout: time.Second}, nil, nil)
	f.notifier.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.notifier.Close(ctx)
	})

	f.engine = NewInventoryEngine(f.repo, lock.NewCoordinator(f.locker, nil), f.notifier, nil, config, nil)
	return f
}

// seed creates a record with the given quantities
func (f *engineFixture) seed(t *testing.T, productID int64, stock, frozen int, threshold *int) {
	t.Helper()
	rec := &domain.StockRecord{
		ProductID:         productID,
		ProductName:       "test product",
		StockQuantity:     stock,
		FrozenQuantity:    frozen,
		LowStockThreshold: threshold,
	}
	if err := f.repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("Failed to seed stock record: %v", err)
	}
}

// drain flushes pending notifications
func (f *engineFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.notifier.Close(ctx); err != nil {
		t.Fatalf("Failed to drain notifier: %v", err)
	}
}

func (f *engineFixture) current(t *testing.T, productID int64) *domain.StockRecord {
	t.Helper()
	rec, err := f.repo.Get(context.Background(), productID)
	if err != nil {
		t.Fatalf("Failed to read stock record: %v", err)
	}
	return rec
}

func opReq(productID int64, quantity int) *domain.StockOperationRequest {
	return &domain.StockOperationRequest{
		ProductID:  productID,
		Quantity:   quantity,
		OperatorID: "tester",
	}
}

func intp(v int) *int { return &v }
