package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FixedWindowLimiter Redis 固定窗口计数
type FixedWindowLimiter struct {
	client redis.Cmdable
	config *Config
}

// NewFixedWindowLimiter 创建固定窗口限流器
func NewFixedWindowLimiter(client redis.Cmdable, config *Config) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "limiter:fw"
	}
	return &FixedWindowLimiter{client: client, config: config}, nil
}

var fixedWindowScript = redis.NewScript(`
-- KEYS[1]: 计数器key前缀
-- ARGV[1]: 窗口配额(rate)
-- ARGV[2]: 窗口(毫秒)
-- ARGV[3]: 请求数量
-- ARGV[4]: 当前时间(毫秒)

local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local window_start = math.floor(now / window) * window
local window_key = KEYS[1] .. ":" .. window_start
local current = tonumber(redis.call('GET', window_key) or 0)

if current + requested > limit then
    return {0, limit - current, window_start + window - now}
end

local count = redis.call('INCRBY', window_key, requested)
if count == requested then
    redis.call('PEXPIRE', window_key, window)
end
return {1, limit - count, 0}
`)

func (fw *FixedWindowLimiter) getKey(key string) string {
	return fmt.Sprintf("%s:%s", fw.config.KeyPrefix, key)
}

// Allow 检查是否允许请求通过
func (fw *FixedWindowLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return fw.AllowN(ctx, key, 1)
}

// AllowN 检查是否允许N个请求通过
func (fw *FixedWindowLimiter) AllowN(ctx context.Context, key string, n int64) (*LimitResult, error) {
	val, err := fixedWindowScript.Run(ctx, fw.client,
		[]string{fw.getKey(key)},
		fw.config.Rate,
		fw.config.Window.Milliseconds(),
		n,
		time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute fixed window script: %w", err)
	}
	return parseScriptResult(val, fw.config.Rate)
}

// Reset 删除当前窗口的计数
func (fw *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	window := fw.config.Window.Milliseconds()
	start := time.Now().UnixMilli() / window * window
	if err := fw.client.Del(ctx, fmt.Sprintf("%s:%d", fw.getKey(key), start)).Err(); err != nil {
		return fmt.Errorf("failed to reset fixed window: %w", err)
	}
	return nil
}
