package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/MorseWayne/stock_engine/internal/cache"
	"github.com/MorseWayne/stock_engine/internal/domain"
)

// CachedStockRepository 带读缓存的库存仓储
// 只有 Get 走缓存；ReadForUpdate 始终透传到底层仓储，写操作后删除缓存。
type CachedStockRepository struct {
	repo  StockRepository
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedStockRepository 创建带缓存的库存仓储
func NewCachedStockRepository(repo StockRepository, cache cache.Cache, ttl time.Duration) StockRepository {
	return &CachedStockRepository{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
	}
}

// Create 创建库存记录（清除相关缓存）
func (r *CachedStockRepository) Create(ctx context.Context, rec *domain.StockRecord) error {
	if err := r.repo.Create(ctx, rec); err != nil {
		return err
	}
	_ = r.cache.Del(ctx, stockCacheKey(rec.ProductID))
	return nil
}

// ReadForUpdate 不经过缓存
func (r *CachedStockRepository) ReadForUpdate(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	return r.repo.ReadForUpdate(ctx, productID)
}

// Get 根据商品ID获取库存（带缓存，可能过期）
func (r *CachedStockRepository) Get(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	cacheKey := stockCacheKey(productID)

	var rec domain.StockRecord
	if err := r.cache.Get(ctx, cacheKey, &rec); err == nil {
		return &rec, nil
	}

	result, err := r.repo.Get(ctx, productID)
	if err != nil {
		return nil, err
	}

	// 库存变化频繁，TTL 取一半
	_ = r.cache.Set(ctx, cacheKey, result, r.ttl/2)
	return result, nil
}

// ConditionalAdjust 条件更新（成功后清除缓存）
func (r *CachedStockRepository) ConditionalAdjust(ctx context.Context, productID int64, adj Adjustment) (int64, error) {
	rows, err := r.repo.ConditionalAdjust(ctx, productID, adj)
	if err != nil {
		return rows, err
	}
	if rows > 0 {
		_ = r.cache.Del(ctx, stockCacheKey(productID))
	}
	return rows, nil
}

// SetDelisted 更新下架标记（清除缓存）
func (r *CachedStockRepository) SetDelisted(ctx context.Context, productID int64, delisted bool) (int64, error) {
	rows, err := r.repo.SetDelisted(ctx, productID, delisted)
	if err != nil {
		return rows, err
	}
	_ = r.cache.Del(ctx, stockCacheKey(productID))
	return rows, nil
}

// ListLowStock 不缓存
func (r *CachedStockRepository) ListLowStock(ctx context.Context, limit int) ([]*domain.StockRecord, error) {
	return r.repo.ListLowStock(ctx, limit)
}

func stockCacheKey(productID int64) string {
	return fmt.Sprintf("stock:view:%d", productID)
}
