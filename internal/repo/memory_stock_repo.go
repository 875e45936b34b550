package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MorseWayne/stock_engine/internal/domain"
)

// MemoryStockRepository 进程内库存仓储，用于单机开发与测试
type MemoryStockRepository struct {
	mu      sync.Mutex
	records map[int64]*domain.StockRecord
}

// NewMemoryStockRepository 创建内存仓储
func NewMemoryStockRepository() *MemoryStockRepository {
	return &MemoryStockRepository{records: make(map[int64]*domain.StockRecord)}
}

// Create 实现 StockRepository
func (m *MemoryStockRepository) Create(_ context.Context, rec *domain.StockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ProductID]; ok {
		return ErrStockExists
	}
	now := time.Now()
	cp := rec.Clone()
	cp.Status = cp.DeriveStatus()
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.records[rec.ProductID] = cp
	rec.Status, rec.CreatedAt, rec.UpdatedAt = cp.Status, now, now
	return nil
}

// ReadForUpdate 实现 StockRepository
func (m *MemoryStockRepository) ReadForUpdate(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	return m.Get(ctx, productID)
}

// Get 实现 StockRepository
func (m *MemoryStockRepository) Get(_ context.Context, productID int64) (*domain.StockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[productID]
	if !ok {
		return nil, ErrStockNotFound
	}
	return rec.Clone(), nil
}

// ConditionalAdjust 实现 StockRepository，前置条件与不变式在同一临界区内复核
func (m *MemoryStockRepository) ConditionalAdjust(ctx context.Context, productID int64, adj Adjustment) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[productID]
	if !ok || !adj.Predicate.Holds(rec, adj.Quantity) {
		return 0, nil
	}
	next := adj.Apply(rec.Snapshot())
	if next.Stock < 0 || next.Frozen < 0 || next.Frozen > next.Stock {
		return 0, nil
	}
	rec.StockQuantity, rec.FrozenQuantity = next.Stock, next.Frozen
	rec.Status = rec.DeriveStatus()
	rec.UpdatedAt = time.Now()
	return 1, nil
}

// SetDelisted 实现 StockRepository
func (m *MemoryStockRepository) SetDelisted(_ context.Context, productID int64, delisted bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[productID]
	if !ok {
		return 0, nil
	}
	if delisted {
		rec.Status = domain.StockStatusDelisted
	} else {
		rec.Status = ""
		rec.Status = rec.DeriveStatus()
	}
	rec.UpdatedAt = time.Now()
	return 1, nil
}

// ListLowStock 实现 StockRepository
func (m *MemoryStockRepository) ListLowStock(_ context.Context, limit int) ([]*domain.StockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.StockRecord
	for _, rec := range m.records {
		if rec.IsLowStock() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].AvailableQuantity(), out[j].AvailableQuantity()
		if ai != aj {
			return ai < aj
		}
		return out[i].ProductID < out[j].ProductID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
