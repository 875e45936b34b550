package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker 基于 SET NX PX 的 Redis 锁
// 租约由服务端 PX 过期保证，释放使用 token 比对删除，不会误删他人的锁。
type RedisLocker struct {
	client        *redislock.Client
	retryInterval time.Duration
}

// NewRedisLocker 创建 Redis 锁，retryInterval 为等待期间的线性重试间隔
func NewRedisLocker(client redis.UniversalClient, retryInterval time.Duration) *RedisLocker {
	if retryInterval <= 0 {
		retryInterval = 20 * time.Millisecond
	}
	return &RedisLocker{
		client:        redislock.New(client),
		retryInterval: retryInterval,
	}
}

// Acquire 实现 Locker
func (l *RedisLocker) Acquire(ctx context.Context, key string, hold, wait time.Duration) (Lease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lk, err := l.client.Obtain(waitCtx, key, hold, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retryInterval),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s after %s", ErrNotObtained, key, wait)
		}
		return nil, fmt.Errorf("redis obtain %s: %w", key, err)
	}
	return &redisLease{lock: lk}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (r *redisLease) Key() string { return r.lock.Key() }

func (r *redisLease) Release(ctx context.Context) error {
	if err := r.lock.Release(ctx); err != nil {
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("%w: %s", ErrLeaseExpired, r.lock.Key())
		}
		return fmt.Errorf("redis release %s: %w", r.lock.Key(), err)
	}
	return nil
}
