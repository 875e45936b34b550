package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MorseWayne/stock_engine/internal/cache"
	"github.com/MorseWayne/stock_engine/internal/domain"
)

func seed(t *testing.T, r StockRepository, id int64, stock, frozen int) {
	t.Helper()
	rec := &domain.StockRecord{ProductID: id, ProductName: "p", StockQuantity: stock, FrozenQuantity: frozen}
	if err := r.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestPredicate_Holds(t *testing.T) {
	rec := &domain.StockRecord{StockQuantity: 100, FrozenQuantity: 30}
	tests := []struct {
		name string
		p    Predicate
		q    int
		want bool
	}{
		{"exists", PredicateExists, 1000, true},
		{"available exact", PredicateAvailableAtLeast, 70, true},
		{"available short", PredicateAvailableAtLeast, 71, false},
		{"frozen exact", PredicateFrozenAtLeast, 30, true},
		{"frozen short", PredicateFrozenAtLeast, 31, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Holds(rec, tt.q); got != tt.want {
				t.Errorf("Holds() = %v, want %v", got, tt.want)
			}
		})
	}
	if PredicateExists.Holds(nil, 1) {
		t.Error("nil record never satisfies a predicate")
	}
}

func TestMemoryStockRepository_ConditionalAdjust(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		stock      int
		frozen     int
		adj        Adjustment
		wantRows   int64
		wantStock  int
		wantFrozen int
	}{
		{
			name:  "reserve within available",
			stock: 100, frozen: 0,
			adj:      Adjustment{Predicate: PredicateAvailableAtLeast, Quantity: 30, FrozenDelta: 30},
			wantRows: 1, wantStock: 100, wantFrozen: 30,
		},
		{
			name:  "reserve beyond available",
			stock: 100, frozen: 30,
			adj:      Adjustment{Predicate: PredicateAvailableAtLeast, Quantity: 80, FrozenDelta: 80},
			wantRows: 0, wantStock: 100, wantFrozen: 30,
		},
		{
			name:  "confirm out",
			stock: 50, frozen: 20,
			adj:      Adjustment{Predicate: PredicateFrozenAtLeast, Quantity: 20, StockDelta: -20, FrozenDelta: -20},
			wantRows: 1, wantStock: 30, wantFrozen: 0,
		},
		{
			name:  "invariant guard rejects bypass",
			stock: 10, frozen: 10,
			adj:      Adjustment{Predicate: PredicateExists, Quantity: 5, StockDelta: -5},
			wantRows: 0, wantStock: 10, wantFrozen: 10,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewMemoryStockRepository()
			id := int64(i + 1)
			seed(t, r, id, tt.stock, tt.frozen)

			rows, err := r.ConditionalAdjust(ctx, id, tt.adj)
			if err != nil {
				t.Fatalf("ConditionalAdjust() error = %v", err)
			}
			if rows != tt.wantRows {
				t.Errorf("rows = %d, want %d", rows, tt.wantRows)
			}
			rec, _ := r.ReadForUpdate(ctx, id)
			if rec.StockQuantity != tt.wantStock || rec.FrozenQuantity != tt.wantFrozen {
				t.Errorf("record = {%d,%d}, want {%d,%d}", rec.StockQuantity, rec.FrozenQuantity, tt.wantStock, tt.wantFrozen)
			}
		})
	}
}

func TestMemoryStockRepository_ConditionalAdjustExpiredContext(t *testing.T) {
	r := NewMemoryStockRepository()
	seed(t, r, 1, 10, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	rows, err := r.ConditionalAdjust(ctx, 1, Adjustment{Predicate: PredicateAvailableAtLeast, Quantity: 3, StockDelta: -3})
	if !errors.Is(err, context.DeadlineExceeded) || rows != 0 {
		t.Fatalf("ConditionalAdjust() = %d, %v, want 0, DeadlineExceeded", rows, err)
	}
	if rec, _ := r.Get(context.Background(), 1); rec.StockQuantity != 10 {
		t.Errorf("stock = %d, expired context must not write", rec.StockQuantity)
	}
}

func TestMemoryStockRepository_StatusAndDelist(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryStockRepository()
	seed(t, r, 1, 10, 0)

	_, _ = r.ConditionalAdjust(ctx, 1, Adjustment{Predicate: PredicateAvailableAtLeast, Quantity: 10, FrozenDelta: 10})
	rec, _ := r.Get(ctx, 1)
	if rec.Status != domain.StockStatusOutOfStock {
		t.Fatalf("status = %s, want OUT_OF_STOCK", rec.Status)
	}

	_, _ = r.SetDelisted(ctx, 1, true)
	_, _ = r.ConditionalAdjust(ctx, 1, Adjustment{Predicate: PredicateExists, Quantity: 5, StockDelta: 5})
	rec, _ = r.Get(ctx, 1)
	if rec.Status != domain.StockStatusDelisted {
		t.Fatalf("status = %s, DELISTED must be sticky", rec.Status)
	}

	_, _ = r.SetDelisted(ctx, 1, false)
	rec, _ = r.Get(ctx, 1)
	if rec.Status != domain.StockStatusNormal {
		t.Fatalf("status after relist = %s, want NORMAL", rec.Status)
	}
}

func TestMemoryStockRepository_NotFoundAndDuplicate(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryStockRepository()

	if _, err := r.ReadForUpdate(ctx, 99); !errors.Is(err, ErrStockNotFound) {
		t.Fatalf("ReadForUpdate() error = %v, want ErrStockNotFound", err)
	}
	rows, err := r.ConditionalAdjust(ctx, 99, Adjustment{Predicate: PredicateExists, Quantity: 1, StockDelta: 1})
	if err != nil || rows != 0 {
		t.Fatalf("ConditionalAdjust on missing = %d, %v", rows, err)
	}

	seed(t, r, 1, 0, 0)
	if err := r.Create(ctx, &domain.StockRecord{ProductID: 1}); !errors.Is(err, ErrStockExists) {
		t.Fatalf("duplicate Create() error = %v, want ErrStockExists", err)
	}
}

func TestMemoryStockRepository_ListLowStock(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryStockRepository()
	th := 10
	for _, rec := range []*domain.StockRecord{
		{ProductID: 1, StockQuantity: 5, LowStockThreshold: &th},
		{ProductID: 2, StockQuantity: 50, LowStockThreshold: &th},
		{ProductID: 3, StockQuantity: 1},
		{ProductID: 4, StockQuantity: 20, FrozenQuantity: 19, LowStockThreshold: &th},
	} {
		_ = r.Create(ctx, rec)
	}

	got, err := r.ListLowStock(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ProductID != 4 || got[1].ProductID != 1 {
		t.Fatalf("ListLowStock() = %+v", got)
	}
}

func TestCachedStockRepository(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStockRepository()
	r := NewCachedStockRepository(base, cache.NewMemoryCache(), time.Minute)
	seed(t, r, 1, 10, 0)

	// 预热缓存
	if rec, err := r.Get(ctx, 1); err != nil || rec.StockQuantity != 10 {
		t.Fatalf("Get() = %+v, %v", rec, err)
	}

	// 绕过装饰器直接写底层，缓存视图允许过期
	_, _ = base.ConditionalAdjust(ctx, 1, Adjustment{Predicate: PredicateExists, Quantity: 5, StockDelta: 5})
	if rec, _ := r.Get(ctx, 1); rec.StockQuantity != 10 {
		t.Fatalf("cached Get() = %d, want stale 10", rec.StockQuantity)
	}
	// 持锁读取永远是权威值
	if rec, _ := r.ReadForUpdate(ctx, 1); rec.StockQuantity != 15 {
		t.Fatalf("ReadForUpdate() = %d, want 15", rec.StockQuantity)
	}

	// 经过装饰器的写入会清除缓存
	_, _ = r.ConditionalAdjust(ctx, 1, Adjustment{Predicate: PredicateExists, Quantity: 1, StockDelta: 1})
	if rec, _ := r.Get(ctx, 1); rec.StockQuantity != 16 {
		t.Fatalf("Get() after write = %d, want 16", rec.StockQuantity)
	}

	if _, err := r.Get(ctx, 404); !errors.Is(err, ErrStockNotFound) {
		t.Fatalf("Get() missing error = %v", err)
	}
}

func TestMemoryStockLogRepository(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryStockLogRepository()

	change := &domain.StockChange{EventID: "e1", ProductID: 1, OperationType: domain.OpStockIn, Quantity: 5, AfterStock: 5}
	_ = r.RecordChange(ctx, change)
	_ = r.RecordChange(ctx, change) // 重复投递
	_ = r.RecordChange(ctx, &domain.StockChange{EventID: "e2", ProductID: 1, OperationType: domain.OpStockOut, Quantity: 2, BeforeStock: 5, AfterStock: 3})
	_ = r.RecordChange(ctx, &domain.StockChange{EventID: "e3", ProductID: 2})

	logs, err := r.ListByProduct(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2 (duplicate ignored)", len(logs))
	}
	if logs[0].EventID != "e2" {
		t.Fatalf("logs not newest first: %s", logs[0].EventID)
	}
}
