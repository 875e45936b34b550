// Package router 提供 HTTP 路由设置和中间件配置功能
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/api"
	"github.com/MorseWayne/stock_engine/internal/cache"
	"github.com/MorseWayne/stock_engine/internal/config"
	"github.com/MorseWayne/stock_engine/internal/limiter"
	"github.com/MorseWayne/stock_engine/internal/middleware"
	"github.com/MorseWayne/stock_engine/internal/service"
)

// HealthCheck 依赖探活
type HealthCheck func(ctx context.Context) error

// Dependencies 包含路由设置所需的所有依赖
type Dependencies struct {
	StockHandler *api.StockHandler
	AuthHandler  *api.AuthHandler
	JWTService   service.JWTService

	// 为 nil 时不限流
	RateLimiter limiter.Limiter
	// 为 nil 时不做幂等校验
	IdempotencyStore cache.Cache

	HealthChecks   map[string]HealthCheck
	MetricsHandler http.Handler
}

// Router 路由器接口
type Router interface {
	Setup(cfg *config.Config, deps *Dependencies, lg *zap.Logger) http.Handler
}

// GinRouter Gin路由器实现
type GinRouter struct {
	engine *gin.Engine
	cfg    *config.Config
	deps   *Dependencies
	logger *zap.Logger
}

// New 创建新的路由器实例
func New() Router {
	return &GinRouter{}
}

// Setup 设置路由，请求 ID、恢复、超时、访问日志由外层 net/http 中间件负责
func (r *GinRouter) Setup(cfg *config.Config, deps *Dependencies, lg *zap.Logger) http.Handler {
	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	if lg == nil {
		lg = zap.NewNop()
	}

	r.engine = gin.New()
	r.engine.HandleMethodNotAllowed = true
	r.cfg = cfg
	r.deps = deps
	r.logger = lg

	r.setupRoutes()
	return r.engine
}

// setupRoutes 设置所有路由
func (r *GinRouter) setupRoutes() {
	r.engine.GET("/healthz", r.healthCheck)
	if r.deps.MetricsHandler != nil {
		r.engine.GET("/metrics", gin.WrapH(r.deps.MetricsHandler))
	} else {
		r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	auth := middleware.JWTAuth(r.deps.JWTService, r.logger)
	mutation := r.mutationMiddleware()
	stock := r.deps.StockHandler

	v1 := r.engine.Group("/api/v1")
	{
		// 认证路由（无需认证）
		if r.deps.AuthHandler != nil {
			v1.POST("/auth/refresh", r.deps.AuthHandler.RefreshToken)
		}

		// 库存路由（需要认证）
		stocks := v1.Group("/stock")
		stocks.Use(auth)
		{
			stocks.POST("/batch/:op", append(mutation, stock.BatchOperate)...)
			stocks.POST("/:op", append(mutation, stock.Operate)...)
			stocks.GET("/:id", stock.GetStock)
			stocks.GET("/:id/snapshot", stock.GetSnapshot)
			stocks.GET("/:id/logs", stock.ListChangeLogs)
		}

		// 管理员路由（需要认证+管理员权限）
		admin := v1.Group("/admin/stock")
		admin.Use(auth, middleware.RequireAdmin(r.logger))
		{
			admin.POST("", append(mutation, stock.CreateStock)...)
			admin.GET("/low", stock.ListLowStock)
			admin.POST("/:id/delist", append(mutation, stock.Delist)...)
			admin.POST("/:id/relist", append(mutation, stock.Relist)...)
		}
	}
}

// mutationMiddleware 写接口的限流与幂等中间件，每次返回新切片
func (r *GinRouter) mutationMiddleware() []gin.HandlerFunc {
	var chain []gin.HandlerFunc
	if r.deps.RateLimiter != nil {
		chain = append(chain, limiter.RateLimitMiddleware(&limiter.MiddlewareConfig{
			Limiter:      r.deps.RateLimiter,
			KeyGenerator: limiter.OperatorKeyGenerator,
			FailOpen:     r.cfg.RateLimit.FailOpen,
			Logger:       r.logger,
		}))
	}
	if r.deps.IdempotencyStore != nil {
		chain = append(chain, middleware.Idempotency(r.deps.IdempotencyStore, r.logger))
	}
	return chain[:len(chain):len(chain)]
}

// healthCheck 健康检查处理器，任一依赖失败返回 503
func (r *GinRouter) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(r.deps.HealthChecks))
	for name, check := range r.deps.HealthChecks {
		if err := check(ctx); err != nil {
			r.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"version": r.cfg.App.Version,
		"checks":  checks,
	})
}
