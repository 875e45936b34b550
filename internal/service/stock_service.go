package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/repo"
)

// ErrStockExists 库存记录已存在
var ErrStockExists = repo.ErrStockExists

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StockService 库存管理：建档、缓存视图、上下架、低库存与变更日志查询
// 数量字段只允许通过 InventoryEngine 修改。
type StockService struct {
	stockRepo repo.StockRepository
	logRepo   repo.StockLogRepository
	engine    *InventoryEngine
	logger    *zap.Logger
}

// NewStockService 创建库存管理服务，stockRepo 通常是带缓存的仓储
func NewStockService(stockRepo repo.StockRepository, logRepo repo.StockLogRepository, engine *InventoryEngine, logger *zap.Logger) *StockService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockService{
		stockRepo: stockRepo,
		logRepo:   logRepo,
		engine:    engine,
		logger:    logger,
	}
}

// CreateStock 为商品建立库存记录
func (s *StockService) CreateStock(ctx context.Context, req *domain.CreateStockRequest) (*domain.StockRecord, error) {
	if req == nil || req.ProductID <= 0 {
		return nil, fmt.Errorf("%w: product_id must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ProductName) == "" {
		return nil, fmt.Errorf("%w: product_name is required", ErrInvalidRequest)
	}
	if req.InitialQuantity < 0 {
		return nil, fmt.Errorf("%w: initial_quantity must not be negative", ErrInvalidRequest)
	}
	if req.LowStockThreshold != nil && *req.LowStockThreshold < 0 {
		return nil, fmt.Errorf("%w: low_stock_threshold must not be negative", ErrInvalidRequest)
	}

	rec := &domain.StockRecord{
		ProductID:         req.ProductID,
		ProductName:       strings.TrimSpace(req.ProductName),
		StockQuantity:     req.InitialQuantity,
		LowStockThreshold: req.LowStockThreshold,
	}
	err := s.engine.withProductLock(ctx, req.ProductID, func(ctx context.Context) error {
		return s.stockRepo.Create(ctx, rec)
	})
	if err != nil {
		if errors.Is(err, repo.ErrStockExists) {
			return nil, ErrStockExists
		}
		return nil, fmt.Errorf("create stock: %w", err)
	}

	s.logger.Info("stock record created",
		zap.Int64("product_id", rec.ProductID),
		zap.Int("initial_quantity", rec.StockQuantity),
	)
	return rec, nil
}

// GetStock 读取缓存视图，可能过期，不能用于扣减决策
func (s *StockService) GetStock(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	if productID <= 0 {
		return nil, fmt.Errorf("%w: product_id must be positive", ErrInvalidRequest)
	}
	return s.stockRepo.Get(ctx, productID)
}

// GetSnapshot 持锁读取权威快照
func (s *StockService) GetSnapshot(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	return s.engine.GetStockWithLock(ctx, productID)
}

// Delist 下架：设置 DELISTED 标记，变更操作不会清除它
func (s *StockService) Delist(ctx context.Context, productID int64, operatorID string) error {
	return s.setDelisted(ctx, productID, operatorID, true)
}

// Relist 重新上架：按可售数量恢复状态
func (s *StockService) Relist(ctx context.Context, productID int64, operatorID string) error {
	return s.setDelisted(ctx, productID, operatorID, false)
}

func (s *StockService) setDelisted(ctx context.Context, productID int64, operatorID string, delisted bool) error {
	if productID <= 0 {
		return fmt.Errorf("%w: product_id must be positive", ErrInvalidRequest)
	}

	err := s.engine.withProductLock(ctx, productID, func(ctx context.Context) error {
		rows, err := s.stockRepo.SetDelisted(ctx, productID, delisted)
		if err != nil {
			return err
		}
		if rows == 0 {
			return repo.ErrStockNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("stock listing changed",
		zap.Int64("product_id", productID),
		zap.Bool("delisted", delisted),
		zap.String("operator_id", operatorID),
	)
	return nil
}

// ListLowStock 列出低库存记录
func (s *StockService) ListLowStock(ctx context.Context, limit int) ([]*domain.StockRecord, error) {
	return s.stockRepo.ListLowStock(ctx, clampLimit(limit))
}

// ListChangeLogs 按时间倒序列出商品变更日志
func (s *StockService) ListChangeLogs(ctx context.Context, productID int64, limit int) ([]*domain.StockChange, error) {
	if productID <= 0 {
		return nil, fmt.Errorf("%w: product_id must be positive", ErrInvalidRequest)
	}
	return s.logRepo.ListByProduct(ctx, productID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
