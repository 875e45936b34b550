package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MorseWayne/stock_engine/internal/domain"
)

// StockLogRepository 库存变更日志仓储
// RecordChange 按 EventID 幂等，重复投递只保留一条。
type StockLogRepository interface {
	RecordChange(ctx context.Context, change *domain.StockChange) error
	ListByProduct(ctx context.Context, productID int64, limit int) ([]*domain.StockChange, error)
}

type stockLogRepo struct {
	db *sql.DB
}

// NewStockLogRepository 创建 MySQL 变更日志仓储
func NewStockLogRepository(db *sql.DB) StockLogRepository {
	return &stockLogRepo{db: db}
}

// RecordChange 写入一条变更日志
func (r *stockLogRepo) RecordChange(ctx context.Context, c *domain.StockChange) error {
	query := `
		INSERT IGNORE INTO stock_change_log
			(event_id, product_id, product_name, operation_type, quantity,
			 before_stock, after_stock, before_frozen, after_frozen,
			 related_order_id, operator_id, remark, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx, query,
		c.EventID, c.ProductID, c.ProductName, string(c.OperationType), c.Quantity,
		c.BeforeStock, c.AfterStock, c.BeforeFrozen, c.AfterFrozen,
		nullString(c.RelatedOrderID), c.OperatorID, nullString(c.Remark), createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert stock change log: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		c.ID = id
	}
	return nil
}

// ListByProduct 按时间倒序列出商品的变更日志
func (r *stockLogRepo) ListByProduct(ctx context.Context, productID int64, limit int) ([]*domain.StockChange, error) {
	query := `
		SELECT id, event_id, product_id, product_name, operation_type, quantity,
			before_stock, after_stock, before_frozen, after_frozen,
			related_order_id, operator_id, remark, created_at
		FROM stock_change_log
		WHERE product_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock change logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.StockChange
	for rows.Next() {
		c := &domain.StockChange{}
		var op string
		var orderID, remark sql.NullString
		if err := rows.Scan(
			&c.ID, &c.EventID, &c.ProductID, &c.ProductName, &op, &c.Quantity,
			&c.BeforeStock, &c.AfterStock, &c.BeforeFrozen, &c.AfterFrozen,
			&orderID, &c.OperatorID, &remark, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stock change log: %w", err)
		}
		c.OperationType = domain.OperationType(op)
		c.RelatedOrderID = orderID.String
		c.Remark = remark.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stock change logs: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// MemoryStockLogRepository 进程内变更日志
type MemoryStockLogRepository struct {
	mu     sync.Mutex
	nextID int64
	byID   map[string]struct{}
	logs   []*domain.StockChange
}

// NewMemoryStockLogRepository 创建内存变更日志仓储
func NewMemoryStockLogRepository() *MemoryStockLogRepository {
	return &MemoryStockLogRepository{byID: make(map[string]struct{})}
}

// RecordChange 实现 StockLogRepository
func (m *MemoryStockLogRepository) RecordChange(_ context.Context, c *domain.StockChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byID[c.EventID]; dup {
		return nil
	}
	m.byID[c.EventID] = struct{}{}
	m.nextID++
	cp := *c
	cp.ID = m.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.logs = append(m.logs, &cp)
	return nil
}

// ListByProduct 实现 StockLogRepository
func (m *MemoryStockLogRepository) ListByProduct(_ context.Context, productID int64, limit int) ([]*domain.StockChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.StockChange
	for _, c := range m.logs {
		if c.ProductID == productID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All 返回全部日志（按写入顺序）
func (m *MemoryStockLogRepository) All() []*domain.StockChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.StockChange, len(m.logs))
	for i, c := range m.logs {
		cp := *c
		out[i] = &cp
	}
	return out
}
