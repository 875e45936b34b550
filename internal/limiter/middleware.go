package limiter

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/middleware"
	"github.com/MorseWayne/stock_engine/internal/resp"
)

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	// 限流器
	Limiter Limiter

	// Key生成函数
	KeyGenerator func(*gin.Context) string

	// 是否跳过限流检查
	Skip func(*gin.Context) bool

	// 限流服务异常时是否放行
	FailOpen bool

	// 单次检查超时
	Timeout time.Duration

	Logger *zap.Logger
}

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerRetryAfter = "Retry-After"
)

// IPKeyGenerator 按客户端 IP 生成 key
func IPKeyGenerator(c *gin.Context) string {
	return fmt.Sprintf("ip:%s", c.ClientIP())
}

// OperatorKeyGenerator 按已认证的操作员生成 key，未认证时退化为 IP
func OperatorKeyGenerator(c *gin.Context) string {
	if id := c.GetString(middleware.GinKeyOperatorID); id != "" {
		return fmt.Sprintf("operator:%s", id)
	}
	return IPKeyGenerator(c)
}

// RateLimitMiddleware 创建限流中间件
func RateLimitMiddleware(config *MiddlewareConfig) gin.HandlerFunc {
	if config.KeyGenerator == nil {
		config.KeyGenerator = IPKeyGenerator
	}
	if config.Timeout <= 0 {
		config.Timeout = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		if config.Skip != nil && config.Skip(c) {
			c.Next()
			return
		}

		key := config.KeyGenerator(c)
		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Timeout)
		result, err := config.Limiter.Allow(ctx, key)
		cancel()
		if err != nil {
			config.Logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			if config.FailOpen {
				c.Next()
				return
			}
			resp.Error(c.Writer, http.StatusServiceUnavailable, resp.CodeInternalError, "rate limiter unavailable",
				middleware.RequestIDFromContext(c.Request.Context()), middleware.TraceIDFromContext(c.Request.Context()))
			c.Abort()
			return
		}

		setRateLimitHeaders(c, result)
		if !result.Allowed {
			resp.Error(c.Writer, http.StatusTooManyRequests, resp.CodeTooManyReq, "too many requests",
				middleware.RequestIDFromContext(c.Request.Context()), middleware.TraceIDFromContext(c.Request.Context()))
			c.Abort()
			return
		}
		c.Next()
	}
}

// setRateLimitHeaders 设置限流相关的响应头
func setRateLimitHeaders(c *gin.Context, result *LimitResult) {
	c.Header(headerLimit, strconv.FormatInt(result.Limit, 10))
	remaining := result.Remaining
	if remaining < 0 {
		remaining = 0
	}
	c.Header(headerRemaining, strconv.FormatInt(remaining, 10))
	if result.RetryAfter > 0 {
		secs := int64(math.Ceil(result.RetryAfter.Seconds()))
		c.Header(headerRetryAfter, strconv.FormatInt(secs, 10))
	}
}
