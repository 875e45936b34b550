package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/cache"
	"github.com/MorseWayne/stock_engine/internal/resp"
)

// IdempotencyConfig 幂等性中间件配置
type IdempotencyConfig struct {
	// 幂等键头名称
	IdempotencyKeyHeader string

	// 跳过的请求方法
	SkipMethods []string

	// 幂等键保留时长
	CacheTTL time.Duration

	// 幂等键最大长度
	MaxKeyLength int
}

// DefaultIdempotencyConfig 默认幂等性配置
func DefaultIdempotencyConfig() *IdempotencyConfig {
	return &IdempotencyConfig{
		IdempotencyKeyHeader: "X-Idempotency-Key",
		SkipMethods:          []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		CacheTTL:             24 * time.Hour,
		MaxKeyLength:         128,
	}
}

// Idempotency 幂等性中间件
// 请求携带幂等键时以 SETNX 占位，窗口期内的重放直接返回 409，不会再次进入库存引擎。
// 未携带幂等键的请求照常放行。缓存不可用时放行并记录告警。
// 响应可重试（5xx 或带 Retry-After）时释放占位。
func Idempotency(store cache.Cache, logger *zap.Logger, config ...*IdempotencyConfig) gin.HandlerFunc {
	cfg := DefaultIdempotencyConfig()
	if len(config) > 0 && config[0] != nil {
		cfg = config[0]
	}

	return func(c *gin.Context) {
		for _, m := range cfg.SkipMethods {
			if c.Request.Method == m {
				c.Next()
				return
			}
		}

		ctx := c.Request.Context()
		key := strings.TrimSpace(c.GetHeader(cfg.IdempotencyKeyHeader))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > cfg.MaxKeyLength {
			resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, "idempotency key too long",
				RequestIDFromContext(ctx), TraceIDFromContext(ctx))
			c.Abort()
			return
		}

		cacheKey := idempotencyCacheKey(c, key)
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		claimed, err := store.SetNX(sctx, cacheKey, c.Request.Method+" "+c.Request.URL.Path, cfg.CacheTTL)
		cancel()
		if err != nil {
			logger.Warn("idempotency store unavailable, passing through",
				zap.String("request_id", RequestIDFromContext(ctx)),
				zap.Error(err),
			)
			c.Next()
			return
		}
		if !claimed {
			resp.Error(c.Writer, http.StatusConflict, resp.CodeConflict, "duplicate request",
				RequestIDFromContext(ctx), TraceIDFromContext(ctx))
			c.Abort()
			return
		}

		c.Set("idempotency_key", key)
		c.Next()

		// 可重试的失败释放幂等键，允许调用方用同一个键重试
		if c.Writer.Status() >= http.StatusInternalServerError || c.Writer.Header().Get("Retry-After") != "" {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := store.Del(dctx, cacheKey); err != nil {
				logger.Warn("failed to release idempotency key", zap.String("key", cacheKey), zap.Error(err))
			}
		}
	}
}

// idempotencyCacheKey 幂等键按操作员隔离
func idempotencyCacheKey(c *gin.Context, key string) string {
	return "idem:" + c.GetString(GinKeyOperatorID) + ":" + key
}
