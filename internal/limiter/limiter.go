// Package limiter 提供写接口的限流实现：基于 Redis Lua 脚本的令牌桶与固定窗口，
// 以及无 Redis 部署时使用的进程内令牌桶。
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitResult 限流结果
type LimitResult struct {
	Allowed    bool          `json:"allowed"`     // 是否允许通过
	Limit      int64         `json:"limit"`       // 限流阈值（桶容量或窗口配额）
	Remaining  int64         `json:"remaining"`   // 剩余配额
	RetryAfter time.Duration `json:"retry_after"` // 建议重试时间
}

// Limiter 限流器接口
type Limiter interface {
	// Allow 检查是否允许一个请求通过
	Allow(ctx context.Context, key string) (*LimitResult, error)

	// AllowN 检查是否允许N个请求通过
	AllowN(ctx context.Context, key string, n int64) (*LimitResult, error)

	// Reset 重置限流状态
	Reset(ctx context.Context, key string) error
}

// Config 限流配置
type Config struct {
	Rate      int64         `json:"rate"`       // 每个窗口补充/允许的请求数
	Window    time.Duration `json:"window"`     // 时间窗口
	Burst     int64         `json:"burst"`      // 突发容量（令牌桶），<=0 时取 Rate
	KeyPrefix string        `json:"key_prefix"` // Key前缀
}

func (c *Config) validate() error {
	if c.Rate <= 0 || c.Window <= 0 {
		return fmt.Errorf("limiter rate and window must be positive")
	}
	if c.Burst <= 0 {
		c.Burst = c.Rate
	}
	return nil
}

// LimiterType 限流器类型
type LimiterType string

const (
	TokenBucket LimiterType = "token_bucket" // 令牌桶
	FixedWindow LimiterType = "fixed_window" // 固定窗口
)

// New 创建限流器；client 为 nil 时退化为进程内令牌桶
func New(limiterType LimiterType, client redis.Cmdable, config *Config) (Limiter, error) {
	if client == nil {
		return NewLocalLimiter(config)
	}
	switch limiterType {
	case FixedWindow:
		return NewFixedWindowLimiter(client, config)
	case TokenBucket, "":
		return NewTokenBucketLimiter(client, config)
	default:
		return nil, fmt.Errorf("unsupported limiter type %q", limiterType)
	}
}

// toInt64 解析 Lua 脚本返回的整数
func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var out int64
		_, err := fmt.Sscan(n, &out)
		return out, err
	default:
		return 0, fmt.Errorf("unexpected script value %T", v)
	}
}

// parseScriptResult 解析 {allowed, remaining, retry_after_ms}
func parseScriptResult(val interface{}, limit int64) (*LimitResult, error) {
	values, ok := val.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected script result format")
	}
	nums := make([]int64, 3)
	for i, v := range values {
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		nums[i] = n
	}
	return &LimitResult{
		Allowed:    nums[0] == 1,
		Limit:      limit,
		Remaining:  nums[1],
		RetryAfter: time.Duration(nums[2]) * time.Millisecond,
	}, nil
}
