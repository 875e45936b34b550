// Package lock 提供按商品粒度的分布式互斥锁：协调器负责“加锁-执行-释放”，
// 具体互斥原语由 Redis、ZooKeeper（公平）或进程内实现。
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const productKeyPrefix = "stock:product:"

var (
	// ErrNotObtained 在等待超时内未能获得锁
	ErrNotObtained = errors.New("lock not obtained")
	// ErrLeaseExpired 释放时发现租约已过期（锁已被回收）
	ErrLeaseExpired = errors.New("lock lease expired")
)

// Lease 已持有的锁
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker 互斥原语
// Acquire 最多阻塞 wait；hold 为租约上限，到期后原语自行回收锁。
// 同一调用方对同一 key 的二次获取不会直接成功（不可重入）。
type Locker interface {
	Acquire(ctx context.Context, key string, hold, wait time.Duration) (Lease, error)
}

// ProductLockKey 返回商品锁名
func ProductLockKey(productID int64) string {
	return productKeyPrefix + strconv.FormatInt(productID, 10)
}

// Coordinator 在持锁状态下执行工作单元
type Coordinator struct {
	locker         Locker
	logger         *zap.Logger
	releaseTimeout time.Duration
}

// NewCoordinator 创建锁协调器
func NewCoordinator(locker Locker, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		locker:         locker,
		logger:         logger,
		releaseTimeout: 3 * time.Second,
	}
}

// WithLock 获取 key 对应的锁后执行 work，并在 work 返回、出错或 panic 时释放。
// 获取超时返回 ErrNotObtained；work 的 ctx 不会超过租约 hold。
// 释放失败只记录日志，不覆盖 work 自身的结果。
func (c *Coordinator) WithLock(ctx context.Context, key string, hold, wait time.Duration, work func(ctx context.Context) error) error {
	lease, err := c.locker.Acquire(ctx, key, hold, wait)
	if err != nil {
		if errors.Is(err, ErrNotObtained) {
			return err
		}
		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.releaseTimeout)
		defer cancel()
		if rerr := lease.Release(rctx); rerr != nil {
			c.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(rerr))
		}
	}()

	workCtx, cancel := context.WithTimeout(ctx, hold)
	defer cancel()
	return work(workCtx)
}
