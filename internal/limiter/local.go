package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const localMaxKeys = 10000

// LocalLimiter 进程内令牌桶，按 key 维护 rate.Limiter
// 条目数超过上限时清理长时间未使用的 key。
type LocalLimiter struct {
	config *Config
	limit  rate.Limit

	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter 创建进程内限流器
func NewLocalLimiter(config *Config) (*LocalLimiter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &LocalLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.Rate) / config.Window.Seconds()),
		entries: make(map[string]*localEntry),
	}, nil
}

// Allow 检查是否允许请求通过
func (l *LocalLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN 检查是否允许N个请求通过，不阻塞
func (l *LocalLimiter) AllowN(_ context.Context, key string, n int64) (*LimitResult, error) {
	now := time.Now()
	lim := l.get(key, now)

	r := lim.ReserveN(now, int(n))
	if !r.OK() {
		return &LimitResult{Allowed: false, Limit: l.config.Burst, RetryAfter: l.config.Window}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &LimitResult{
			Allowed:    false,
			Limit:      l.config.Burst,
			Remaining:  int64(lim.TokensAt(now)),
			RetryAfter: delay,
		}, nil
	}
	return &LimitResult{
		Allowed:   true,
		Limit:     l.config.Burst,
		Remaining: int64(lim.TokensAt(now)),
	}, nil
}

// Reset 重置 key 的令牌桶
func (l *LocalLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

func (l *LocalLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= localMaxKeys {
			l.evict(now)
		}
		e = &localEntry{limiter: rate.NewLimiter(l.limit, int(l.config.Burst))}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// evict 删除超过 10 个窗口未访问的 key
func (l *LocalLimiter) evict(now time.Time) {
	idle := 10 * l.config.Window
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > idle {
			delete(l.entries, k)
		}
	}
}
