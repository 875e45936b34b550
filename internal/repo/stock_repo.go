// Package repo 实现库存数据访问层：条件更新仓储、读缓存装饰器与变更日志。
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/MorseWayne/stock_engine/internal/domain"
)

var (
	// ErrStockNotFound 库存记录不存在
	ErrStockNotFound = errors.New("stock record not found")
	// ErrStockExists 库存记录已存在
	ErrStockExists = errors.New("stock record already exists")
)

// Predicate 条件更新的前置条件
type Predicate int

const (
	PredicateExists           Predicate = iota // 记录存在
	PredicateAvailableAtLeast                  // stock - frozen >= quantity
	PredicateFrozenAtLeast                     // frozen >= quantity
)

// Holds 在给定记录上求值前置条件
func (p Predicate) Holds(rec *domain.StockRecord, quantity int) bool {
	if rec == nil {
		return false
	}
	switch p {
	case PredicateAvailableAtLeast:
		return rec.AvailableQuantity() >= quantity
	case PredicateFrozenAtLeast:
		return rec.FrozenQuantity >= quantity
	default:
		return true
	}
}

func (p Predicate) sql() string {
	switch p {
	case PredicateAvailableAtLeast:
		return "stock_quantity - frozen_quantity >= ?"
	case PredicateFrozenAtLeast:
		return "frozen_quantity >= ?"
	default:
		return "? > 0"
	}
}

// Adjustment 一次条件更新：满足 Predicate 时原子地加上两个增量
type Adjustment struct {
	Predicate   Predicate
	Quantity    int
	StockDelta  int
	FrozenDelta int
}

// Apply 返回应用增量后的快照
func (a Adjustment) Apply(s domain.StockSnapshot) domain.StockSnapshot {
	return domain.StockSnapshot{Stock: s.Stock + a.StockDelta, Frozen: s.Frozen + a.FrozenDelta}
}

// StockRepository 库存记录仓储
// ReadForUpdate 始终读主库，Get 允许被缓存（非权威）。
type StockRepository interface {
	Create(ctx context.Context, rec *domain.StockRecord) error
	ReadForUpdate(ctx context.Context, productID int64) (*domain.StockRecord, error)
	Get(ctx context.Context, productID int64) (*domain.StockRecord, error)
	ConditionalAdjust(ctx context.Context, productID int64, adj Adjustment) (int64, error)
	SetDelisted(ctx context.Context, productID int64, delisted bool) (int64, error)
	ListLowStock(ctx context.Context, limit int) ([]*domain.StockRecord, error)
}

// stockRepo MySQL 实现
type stockRepo struct {
	db *sql.DB
}

// NewStockRepository 创建 MySQL 库存仓储
func NewStockRepository(db *sql.DB) StockRepository {
	return &stockRepo{db: db}
}

const stockColumns = `product_id, product_name, stock_quantity, frozen_quantity, low_stock_threshold, status, created_at, updated_at`

// Create 创建库存记录
func (r *stockRepo) Create(ctx context.Context, rec *domain.StockRecord) error {
	query := `
		INSERT INTO stock (product_id, product_name, stock_quantity, frozen_quantity, low_stock_threshold, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	rec.Status = rec.DeriveStatus()
	var threshold sql.NullInt64
	if rec.LowStockThreshold != nil {
		threshold = sql.NullInt64{Int64: int64(*rec.LowStockThreshold), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		rec.ProductID,
		rec.ProductName,
		rec.StockQuantity,
		rec.FrozenQuantity,
		threshold,
		string(rec.Status),
	)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return ErrStockExists
		}
		return fmt.Errorf("failed to create stock: %w", err)
	}
	return nil
}

// ReadForUpdate 读取当前记录（调用方已持有商品锁）
func (r *stockRepo) ReadForUpdate(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	return r.get(ctx, productID)
}

// Get 读取记录
func (r *stockRepo) Get(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	return r.get(ctx, productID)
}

func (r *stockRepo) get(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	query := `SELECT ` + stockColumns + ` FROM stock WHERE product_id = ? AND deleted_at IS NULL`

	rec, err := scanStock(r.db.QueryRowContext(ctx, query, productID))
	if err == sql.ErrNoRows {
		return nil, ErrStockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock: %w", err)
	}
	return rec, nil
}

// ConditionalAdjust 单条条件更新
// 状态列放在 SET 最后，MySQL 按从左到右求值，因此基于更新后的数量重新推导。
// WHERE 同时复核不变式，防止绕过锁的写入破坏数据。
func (r *stockRepo) ConditionalAdjust(ctx context.Context, productID int64, adj Adjustment) (int64, error) {
	query := `
		UPDATE stock
		SET stock_quantity = stock_quantity + ?,
			frozen_quantity = frozen_quantity + ?,
			status = CASE
				WHEN status = 'DELISTED' THEN status
				WHEN stock_quantity - frozen_quantity > 0 THEN 'NORMAL'
				ELSE 'OUT_OF_STOCK'
			END
		WHERE product_id = ? AND deleted_at IS NULL
			AND ` + adj.Predicate.sql() + `
			AND stock_quantity + ? >= 0
			AND frozen_quantity + ? >= 0
			AND frozen_quantity + ? <= stock_quantity + ?
	`

	result, err := r.db.ExecContext(ctx, query,
		adj.StockDelta, adj.FrozenDelta,
		productID,
		adj.Quantity,
		adj.StockDelta,
		adj.FrozenDelta,
		adj.FrozenDelta, adj.StockDelta,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows, nil
}

// SetDelisted 设置或清除下架标记
func (r *stockRepo) SetDelisted(ctx context.Context, productID int64, delisted bool) (int64, error) {
	query := `
		UPDATE stock
		SET status = CASE
			WHEN ? THEN 'DELISTED'
			WHEN stock_quantity - frozen_quantity > 0 THEN 'NORMAL'
			ELSE 'OUT_OF_STOCK'
		END
		WHERE product_id = ? AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, delisted, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to update stock status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows, nil
}

// ListLowStock 列出可售数量不高于阈值的记录
func (r *stockRepo) ListLowStock(ctx context.Context, limit int) ([]*domain.StockRecord, error) {
	query := `SELECT ` + stockColumns + `
		FROM stock
		WHERE deleted_at IS NULL
			AND low_stock_threshold IS NOT NULL
			AND stock_quantity - frozen_quantity <= low_stock_threshold
		ORDER BY (stock_quantity - frozen_quantity) ASC, product_id ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock: %w", err)
	}
	defer rows.Close()

	var out []*domain.StockRecord
	for rows.Next() {
		rec, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stock: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStock(row rowScanner) (*domain.StockRecord, error) {
	rec := &domain.StockRecord{}
	var threshold sql.NullInt64
	var status string
	err := row.Scan(
		&rec.ProductID,
		&rec.ProductName,
		&rec.StockQuantity,
		&rec.FrozenQuantity,
		&threshold,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if threshold.Valid {
		t := int(threshold.Int64)
		rec.LowStockThreshold = &t
	}
	rec.Status = domain.StockStatus(status)
	return rec, nil
}
