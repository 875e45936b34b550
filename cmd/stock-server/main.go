package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/api"
	"github.com/MorseWayne/stock_engine/internal/cache"
	"github.com/MorseWayne/stock_engine/internal/config"
	"github.com/MorseWayne/stock_engine/internal/database"
	"github.com/MorseWayne/stock_engine/internal/limiter"
	"github.com/MorseWayne/stock_engine/internal/lock"
	"github.com/MorseWayne/stock_engine/internal/logger"
	"github.com/MorseWayne/stock_engine/internal/metrics"
	mw "github.com/MorseWayne/stock_engine/internal/middleware"
	"github.com/MorseWayne/stock_engine/internal/mq"
	"github.com/MorseWayne/stock_engine/internal/repo"
	"github.com/MorseWayne/stock_engine/internal/router"
	"github.com/MorseWayne/stock_engine/internal/service"
	"github.com/MorseWayne/stock_engine/internal/tracing"
)

// closer 退出时按注册的逆序执行
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// app 持有需要在退出时关闭的组件
type app struct {
	cfg     *config.Config
	lg      *zap.Logger
	closers []closer
}

func (a *app) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// shutdown 逆序关闭，先停通知器再断开其依赖的连接
func (a *app) shutdown(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.lg.Warn("shutdown step failed", zap.String("component", c.name), zap.Error(err))
		}
	}
}

// initConfigAndLogger 初始化配置和日志器
func initConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, cfg.App.Name, cfg.App.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, lg, nil
}

// ensureJWTSecret 非生产环境未配置密钥时生成临时密钥，重启后旧令牌失效
func ensureJWTSecret(cfg *config.Config, lg *zap.Logger) error {
	if cfg.JWT.Secret != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}
	cfg.JWT.Secret = hex.EncodeToString(buf)
	lg.Warn("JWT_SECRET not set, using an ephemeral secret", zap.String("env", cfg.App.Env))
	return nil
}

// initTracing 开启链路追踪，关闭时返回空操作
func (a *app) initTracing() {
	if !a.cfg.Tracing.Enabled {
		return
	}
	shutdown, err := tracing.InitTracerProvider(a.cfg.App.Name, a.cfg.App.Version, a.cfg.Tracing.JaegerEndpoint, a.lg)
	if err != nil {
		a.lg.Warn("tracing disabled", zap.Error(err))
		return
	}
	a.onClose("tracer", shutdown)
}

// initDatabase 初始化数据库连接并执行迁移
func (a *app) initDatabase() (*database.DB, error) {
	db, err := database.New(a.cfg, a.lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.onClose("mysql", func(context.Context) error { return db.Close() })

	// 处理请求前完成表结构迁移
	a.lg.Info("using migrations directory", zap.String("path", a.cfg.Migrations.Dir))
	if err := db.RunMigrations(a.cfg.Migrations.Dir); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	return db, nil
}

// needsRedis 判断是否有组件依赖 Redis
func needsRedis(cfg *config.Config) bool {
	return cfg.Lock.Backend == "redis" ||
		(cfg.Cache.Enabled && cfg.Cache.Type == "redis") ||
		cfg.RateLimit.Enabled
}

// initRedis 建立共享的 Redis 客户端
// 锁后端为 redis 时连接失败直接退出；其余组件降级为进程内实现。
func (a *app) initRedis() (*redis.Client, error) {
	if !needsRedis(a.cfg) {
		return nil, nil
	}
	client, err := cache.NewRedisClient(a.cfg.Redis.Addr(), a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		if a.cfg.Lock.Backend == "redis" {
			return nil, fmt.Errorf("redis required by lock backend: %w", err)
		}
		a.lg.Warn("redis unavailable, falling back to in-process cache and limiter", zap.Error(err))
		return nil, nil
	}
	a.onClose("redis", func(context.Context) error { return client.Close() })
	a.lg.Info("redis connected", zap.String("addr", a.cfg.Redis.Addr()))
	return client, nil
}

// initLocker 按配置选择互斥原语
func (a *app) initLocker(rdb *redis.Client) (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case "redis":
		a.lg.Info("lock backend", zap.String("type", "redis"))
		return lock.NewRedisLocker(rdb, a.cfg.Lock.RetryInterval), nil
	case "zookeeper":
		zl, err := lock.NewZookeeperLocker(a.cfg.Zookeeper.Servers, a.cfg.Zookeeper.SessionTimeout, a.cfg.Zookeeper.Root, a.lg)
		if err != nil {
			return nil, fmt.Errorf("connect zookeeper: %w", err)
		}
		a.onClose("zookeeper", func(context.Context) error { zl.Close(); return nil })
		a.lg.Info("lock backend", zap.String("type", "zookeeper"), zap.Strings("servers", a.cfg.Zookeeper.Servers))
		return zl, nil
	default:
		// 仅适用于单实例部署
		a.lg.Warn("lock backend is in-process, do not run multiple instances")
		return lock.NewMemoryLocker(), nil
	}
}

// initCache 初始化读缓存
func (a *app) initCache(rdb *redis.Client) cache.Cache {
	if !a.cfg.Cache.Enabled {
		a.lg.Info("cache disabled")
		return cache.NewNullCache()
	}
	if a.cfg.Cache.Type == "redis" && rdb != nil {
		a.lg.Info("cache enabled", zap.String("type", "redis"), zap.Duration("ttl", a.cfg.Cache.TTL))
		return cache.NewRedisCache(rdb)
	}
	a.lg.Info("cache enabled", zap.String("type", "memory"), zap.Duration("ttl", a.cfg.Cache.TTL))
	c := cache.NewMemoryCache()
	a.onClose("memory-cache", func(context.Context) error { return c.Close() })
	return c
}

// initIdempotencyStore 幂等键需要跨实例共享，Redis 不可用时退化为进程内
func (a *app) initIdempotencyStore(rdb *redis.Client) cache.Cache {
	if rdb != nil {
		return cache.NewRedisCache(rdb)
	}
	c := cache.NewMemoryCache()
	a.onClose("idempotency-cache", func(context.Context) error { return c.Close() })
	return c
}

// initLimiter 初始化写接口限流器，未启用时返回 nil
func (a *app) initLimiter(rdb *redis.Client) (limiter.Limiter, error) {
	if !a.cfg.RateLimit.Enabled {
		return nil, nil
	}
	lc := &limiter.Config{
		Rate:      a.cfg.RateLimit.Rate,
		Burst:     a.cfg.RateLimit.Burst,
		Window:    a.cfg.RateLimit.Window,
		KeyPrefix: "stock:ratelimit:",
	}
	var client redis.Cmdable
	if rdb != nil {
		client = rdb
	}
	l, err := limiter.New(limiter.LimiterType(a.cfg.RateLimit.Algorithm), client, lc)
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}
	a.lg.Info("rate limit enabled",
		zap.String("algorithm", a.cfg.RateLimit.Algorithm),
		zap.Bool("distributed", rdb != nil),
		zap.Int64("rate", lc.Rate),
		zap.Duration("window", lc.Window),
	)
	return l, nil
}

// initMQ 连接 RabbitMQ 并声明拓扑，返回的发布器同时作为审计与告警出口。
// 审计消费者把变更日志写入 MySQL；重连后重新声明拓扑并重启消费。
func (a *app) initMQ(ctx context.Context, logRepo repo.StockLogRepository) (*mq.StockEventPublisher, *mq.ConnectionManager, error) {
	mqCfg := mq.FromAppConfig(a.cfg.MQ)
	if err := mqCfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid mq config: %w", err)
	}

	cm := mq.NewConnectionManager(mqCfg, a.lg)
	cctx, cancel := context.WithTimeout(ctx, mqCfg.ConnectionTimeout)
	defer cancel()
	if err := cm.Connect(cctx); err != nil {
		return nil, nil, err
	}
	a.onClose("rabbitmq", func(context.Context) error { return cm.Close() })

	if err := mqCfg.Topology.Declare(cctx, cm, a.lg); err != nil {
		return nil, nil, fmt.Errorf("declare topology: %w", err)
	}

	producer := mq.NewProducer(cm, mqCfg.Producer, a.cfg.App.Name, a.lg)
	a.onClose("mq-producer", func(context.Context) error { return producer.Close() })

	consumer := mq.NewAuditConsumer(cm, mqCfg.Topology.AuditQueue, logRepo, mqCfg.Consumer, a.lg)
	if err := consumer.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start audit consumer: %w", err)
	}
	a.onClose("audit-consumer", func(context.Context) error { consumer.Stop(); return nil })

	cm.OnReconnected(func() {
		rctx, rcancel := context.WithTimeout(ctx, mqCfg.ConnectionTimeout)
		defer rcancel()
		if err := mqCfg.Topology.Declare(rctx, cm, a.lg); err != nil {
			a.lg.Error("redeclare topology after reconnect failed", zap.Error(err))
			return
		}
		if err := consumer.Restart(ctx); err != nil {
			a.lg.Error("restart audit consumer failed", zap.Error(err))
		}
	})

	publisher := mq.NewStockEventPublisher(producer, mqCfg.Topology.Exchange, a.cfg.App.Name, a.lg)
	return publisher, cm, nil
}

// initNotifier 组装审计与告警出口
// 启用 MQ 时事件经 RabbitMQ 投递，否则直接写变更日志、告警输出到日志。
func (a *app) initNotifier(ctx context.Context, logRepo repo.StockLogRepository, m *metrics.Metrics) (*service.Notifier, *mq.ConnectionManager, error) {
	var (
		audit service.AuditSink = logRepo
		alert service.AlertSink = service.NewLogAlertSink(a.lg)
		cm    *mq.ConnectionManager
	)
	if a.cfg.MQ.Enabled {
		publisher, conn, err := a.initMQ(ctx, logRepo)
		if err != nil {
			return nil, nil, fmt.Errorf("init rabbitmq: %w", err)
		}
		audit, alert, cm = publisher, publisher, conn
	}

	notifier := service.NewNotifier(audit, alert, &service.NotifierConfig{
		QueueSize:       a.cfg.Engine.NotifyQueueSize,
		Workers:         a.cfg.Engine.NotifyWorkers,
		DeliveryTimeout: 5 * time.Second,
	}, m, a.lg)
	notifier.Start()
	a.onClose("notifier", notifier.Close)
	return notifier, cm, nil
}

// initMetrics 独立注册表，附带进程与运行时指标
func initMetrics() (*metrics.Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// initDependencies 初始化依赖注入链：仓储 -> 引擎/服务 -> 处理器 -> 路由
func (a *app) initDependencies(ctx context.Context) (http.Handler, error) {
	cfg, lg := a.cfg, a.lg

	db, err := a.initDatabase()
	if err != nil {
		return nil, err
	}
	rdb, err := a.initRedis()
	if err != nil {
		return nil, err
	}
	locker, err := a.initLocker(rdb)
	if err != nil {
		return nil, err
	}

	m, metricsHandler := initMetrics()
	stockRepo := repo.NewCachedStockRepository(repo.NewStockRepository(db.DB), a.initCache(rdb), cfg.Cache.TTL)
	logRepo := repo.NewStockLogRepository(db.DB)

	notifier, cm, err := a.initNotifier(ctx, logRepo, m)
	if err != nil {
		return nil, err
	}

	engine := service.NewInventoryEngine(stockRepo, lock.NewCoordinator(locker, lg), notifier, m, &service.EngineConfig{
		HoldTimeout: cfg.Lock.HoldTimeout,
		WaitTimeout: cfg.Lock.WaitTimeout,
		BatchLanes:  cfg.Engine.BatchLanes,
	}, lg)
	stockService := service.NewStockService(stockRepo, logRepo, engine, lg)

	if err := ensureJWTSecret(cfg, lg); err != nil {
		return nil, err
	}
	jwtService := service.NewJWTService(cfg, lg)

	rateLimiter, err := a.initLimiter(rdb)
	if err != nil {
		return nil, err
	}

	checks := map[string]router.HealthCheck{"mysql": db.HealthCheck}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if cm != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if !cm.IsConnected() {
				return mq.ErrNotConnected
			}
			return nil
		}
	}

	ginHandler := router.New().Setup(cfg, &router.Dependencies{
		StockHandler:     api.NewStockHandler(engine, stockService, lg),
		AuthHandler:      api.NewAuthHandler(jwtService, lg),
		JWTService:       jwtService,
		RateLimiter:      rateLimiter,
		IdempotencyStore: a.initIdempotencyStore(rdb),
		HealthChecks:     checks,
		MetricsHandler:   metricsHandler,
	}, lg)

	return wrapHandler(cfg, ginHandler, lg), nil
}

// wrapHandler 构建 net/http 中间件链
// 请求进入顺序：request ID → tracing → recovery → timeout → access log → CORS → gin
func wrapHandler(cfg *config.Config, h http.Handler, lg *zap.Logger) http.Handler {
	h = mw.CORS(cfg.CORS)(h)
	h = mw.AccessLog(lg)(h)
	h = mw.Timeout(cfg.App.RequestTimeout)(h)
	h = mw.Recovery(lg)(h)
	h = mw.Tracing(cfg.App.Name)(h)
	return mw.RequestID(h)
}

// startServer 启动服务器并处理优雅关闭
func (a *app) startServer(handler http.Handler) error {
	addr := fmt.Sprintf(":%d", a.cfg.App.Port)
	a.lg.Info("server starting", zap.String("addr", addr))
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	var serveErr error
	select {
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-quit:
		a.lg.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.lg.Error("server shutdown error", zap.Error(err))
	}
	a.shutdown(ctx)
	a.lg.Info("server exited")
	return serveErr
}

func main() {
	cfg, lg, err := initConfigAndLogger()
	if err != nil {
		log.Fatalf("failed to initialize config and logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	a := &app{cfg: cfg, lg: lg}
	a.initTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, err := a.initDependencies(ctx)
	if err != nil {
		sctx, scancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		a.shutdown(sctx)
		scancel()
		lg.Fatal("failed to initialize dependencies", zap.Error(err))
	}

	if err := a.startServer(handler); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}
