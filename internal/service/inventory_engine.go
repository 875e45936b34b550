// Package service 实现库存引擎与库存管理服务。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/lock"
	"github.com/MorseWayne/stock_engine/internal/metrics"
	"github.com/MorseWayne/stock_engine/internal/repo"
)

var (
	// ErrInvalidRequest 参数校验失败，发生在加锁之前
	ErrInvalidRequest = errors.New("invalid stock operation request")
	// ErrUnknownOperation 未知操作类型
	ErrUnknownOperation = errors.New("unknown stock operation")
)

// operation 操作描述：前置条件、增量方向与失败码
type operation struct {
	opType     domain.OperationType
	predicate  repo.Predicate
	stockSign  int
	frozenSign int
	failure    domain.ErrorCode
}

func (o operation) adjustment(quantity int) repo.Adjustment {
	return repo.Adjustment{
		Predicate:   o.predicate,
		Quantity:    quantity,
		StockDelta:  o.stockSign * quantity,
		FrozenDelta: o.frozenSign * quantity,
	}
}

var operations = map[domain.OperationType]operation{
	domain.OpStockIn: {
		opType: domain.OpStockIn, predicate: repo.PredicateExists,
		stockSign: 1, frozenSign: 0, failure: domain.ErrCodeStockNotFound,
	},
	domain.OpStockOut: {
		opType: domain.OpStockOut, predicate: repo.PredicateAvailableAtLeast,
		stockSign: -1, frozenSign: 0, failure: domain.ErrCodeInsufficientStock,
	},
	domain.OpReserve: {
		opType: domain.OpReserve, predicate: repo.PredicateAvailableAtLeast,
		stockSign: 0, frozenSign: 1, failure: domain.ErrCodeInsufficientStock,
	},
	domain.OpReleaseReserve: {
		opType: domain.OpReleaseReserve, predicate: repo.PredicateFrozenAtLeast,
		stockSign: 0, frozenSign: -1, failure: domain.ErrCodeInsufficientFrozen,
	},
	domain.OpConfirmOut: {
		opType: domain.OpConfirmOut, predicate: repo.PredicateFrozenAtLeast,
		stockSign: -1, frozenSign: -1, failure: domain.ErrCodeInsufficientFrozen,
	},
}

// EngineConfig 库存引擎配置
type EngineConfig struct {
	HoldTimeout time.Duration // 锁租约
	WaitTimeout time.Duration // 等锁上限
	BatchLanes  int           // 批量执行的并行通道数
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		HoldTimeout: 30 * time.Second,
		WaitTimeout: 3 * time.Second,
		BatchLanes:  8,
	}
}

// InventoryEngine 库存引擎
// 五种变更操作共享一个流程：校验 → 加商品锁 → 读当前记录 → 校验前置条件 → 条件更新 → 释放锁 → 组装结果 → 异步通知。
type InventoryEngine struct {
	repo        repo.StockRepository
	coordinator *lock.Coordinator
	notifier    *Notifier
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	config      *EngineConfig
	logger      *zap.Logger
}

// NewInventoryEngine 创建库存引擎，notifier 与 m 可为 nil
func NewInventoryEngine(
	stockRepo repo.StockRepository,
	coordinator *lock.Coordinator,
	notifier *Notifier,
	m *metrics.Metrics,
	config *EngineConfig,
	logger *zap.Logger,
) *InventoryEngine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryEngine{
		repo:        stockRepo,
		coordinator: coordinator,
		notifier:    notifier,
		metrics:     m,
		tracer:      otel.Tracer("github.com/MorseWayne/stock_engine/internal/service"),
		config:      config,
		logger:      logger,
	}
}

// StockIn 入库
func (e *InventoryEngine) StockIn(ctx context.Context, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
	return e.execute(ctx, operations[domain.OpStockIn], req)
}

// StockOut 直接出库
func (e *InventoryEngine) StockOut(ctx context.Context, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
	return e.execute(ctx, operations[domain.OpStockOut], req)
}

// Reserve 预留（冻结）库存
func (e *InventoryEngine) Reserve(ctx context.Context, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
	return e.execute(ctx, operations[domain.OpReserve], req)
}

// ReleaseReserve 释放预留
func (e *InventoryEngine) ReleaseReserve(ctx context.Context, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
	return e.execute(ctx, operations[domain.OpReleaseReserve], req)
}

// ConfirmOut 确认预留出库
func (e *InventoryEngine) ConfirmOut(ctx context.Context, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
	return e.execute(ctx, operations[domain.OpConfirmOut], req)
}

// Execute 按操作类型分派
// 返回 error 仅表示调用方错误（ErrInvalidRequest/ErrUnknownOperation），此时结果为 nil；
// 其余情况总是返回成功或带错误码的失败结果。
func (e *InventoryEngine) Execute(ctx context.Context, opType domain.OperationType, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
	op, ok := operations[opType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opType)
	}
	return e.execute(ctx, op, req)
}

// GetStockWithLock 在商品锁内读取一致快照
// 等锁超时返回包装后的 lock.ErrNotObtained，记录不存在返回 repo.ErrStockNotFound。
func (e *InventoryEngine) GetStockWithLock(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	if productID <= 0 {
		return nil, fmt.Errorf("%w: product_id must be positive", ErrInvalidRequest)
	}

	var rec *domain.StockRecord
	err := e.withProductLock(ctx, productID, func(ctx context.Context) error {
		var err error
		rec, err = e.repo.ReadForUpdate(ctx, productID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// withProductLock 在商品锁内执行 fn
func (e *InventoryEngine) withProductLock(ctx context.Context, productID int64, fn func(ctx context.Context) error) error {
	return e.coordinator.WithLock(ctx, lock.ProductLockKey(productID), e.config.HoldTimeout, e.config.WaitTimeout, fn)
}

func validateRequest(req *domain.StockOperationRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}
	var problems []string
	if req.ProductID <= 0 {
		problems = append(problems, "product_id must be positive")
	}
	if req.Quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	if strings.TrimSpace(req.OperatorID) == "" {
		problems = append(problems, "operator_id is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// lockedOutcome 持锁区间内产生的结果
type lockedOutcome struct {
	result *domain.OperationResult
	before domain.StockSnapshot
	after  *domain.StockRecord // 仅成功时非空
}

func (e *InventoryEngine) execute(ctx context.Context, op operation, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
	start := time.Now()
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "InventoryEngine."+string(op.opType), trace.WithAttributes(
		attribute.Int64("stock.product_id", req.ProductID),
		attribute.Int("stock.quantity", req.Quantity),
		attribute.String("stock.operator_id", req.OperatorID),
	))
	defer span.End()

	lg := e.logger.With(
		zap.String("operation", string(op.opType)),
		zap.Int64("product_id", req.ProductID),
		zap.Int("quantity", req.Quantity),
		zap.String("operator_id", req.OperatorID),
	)

	var lockWait time.Duration
	out, err := e.runLocked(ctx, req.ProductID, lg, func(ctx context.Context) (*lockedOutcome, error) {
		lockWait = time.Since(start)
		return e.apply(ctx, op, req, lg)
	})

	var result *domain.OperationResult
	switch {
	case err == nil:
		result = out.result
	case errors.Is(err, lock.ErrNotObtained):
		lockWait = time.Since(start)
		lg.Warn("lock wait timeout", zap.Duration("wait_timeout", e.config.WaitTimeout))
		result = domain.Failure(op.opType, req, domain.ErrCodeConcurrentUpdateFailed,
			fmt.Sprintf("could not acquire product lock within %s", e.config.WaitTimeout))
	default:
		lg.Error("stock operation failed", zap.Error(err))
		result = domain.Failure(op.opType, req, domain.ErrCodeSystemError, "internal error during stock operation")
	}

	e.finish(result, start, lockWait)
	span.SetAttributes(
		attribute.Bool("stock.succeeded", result.Succeeded),
		attribute.Int64("stock.lock_wait_ms", result.LockWaitMs),
	)
	if !result.Succeeded {
		span.SetStatus(codes.Error, string(result.ErrorCode))
	}

	if result.Succeeded && out != nil && out.after != nil {
		e.notify(op, req, out)
	}
	return result, nil
}

// finish 填充耗时并计入指标，所有返回给调用方的结果都经过这里
func (e *InventoryEngine) finish(result *domain.OperationResult, start time.Time, lockWait time.Duration) *domain.OperationResult {
	result.WithTiming(time.Since(start).Milliseconds(), lockWait.Milliseconds())
	e.metrics.ObserveOperation(result)
	return result
}

// runLocked 在商品锁内执行 work，并把 panic 转换为错误
// 锁的释放由 Coordinator 保证，panic 穿过 WithLock 时锁已释放。
func (e *InventoryEngine) runLocked(ctx context.Context, productID int64, lg *zap.Logger, work func(ctx context.Context) (*lockedOutcome, error)) (out *lockedOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			lg.Error("panic in locked section", zap.Any("panic", r), zap.Stack("stack"))
			out, err = nil, fmt.Errorf("panic in locked section: %v", r)
		}
	}()

	err = e.withProductLock(ctx, productID, func(ctx context.Context) error {
		var werr error
		out, werr = work(ctx)
		return werr
	})
	return out, err
}

// apply 持锁执行：读当前记录、校验前置条件、单条条件更新
func (e *InventoryEngine) apply(ctx context.Context, op operation, req *domain.StockOperationRequest, lg *zap.Logger) (*lockedOutcome, error) {
	rec, err := e.repo.ReadForUpdate(ctx, req.ProductID)
	if errors.Is(err, repo.ErrStockNotFound) {
		return &lockedOutcome{result: notFound(op, req)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stock: %w", err)
	}

	before := rec.Snapshot()
	if !op.predicate.Holds(rec, req.Quantity) {
		return &lockedOutcome{result: preconditionFailure(op, req, before), before: before}, nil
	}

	// 租约已过期时锁可能已被他人持有，不能再写
	if err := ctx.Err(); err != nil {
		lg.Warn("lock lease expired before the write", zap.Error(err))
		return &lockedOutcome{
			result: domain.Failure(op.opType, req, domain.ErrCodeConcurrentUpdateFailed,
				fmt.Sprintf("product lock lease expired after %s", e.config.HoldTimeout)),
			before: before,
		}, nil
	}

	adj := op.adjustment(req.Quantity)
	rows, err := e.repo.ConditionalAdjust(ctx, req.ProductID, adj)
	if err != nil {
		return nil, fmt.Errorf("conditional adjust: %w", err)
	}
	if rows == 0 {
		result, err := e.resolveZeroRows(ctx, op, req, lg)
		if err != nil {
			return nil, err
		}
		return &lockedOutcome{result: result, before: before}, nil
	}

	next := adj.Apply(before)
	after := rec.Clone()
	after.StockQuantity, after.FrozenQuantity = next.Stock, next.Frozen
	after.Status = after.DeriveStatus()

	return &lockedOutcome{
		result: domain.Success(op.opType, req, before, next),
		before: before,
		after:  after,
	}, nil
}

// resolveZeroRows 条件更新未命中时重新读取并归类：
// 记录不存在 → STOCK_NOT_FOUND；前置条件已不成立 → 对应的 INSUFFICIENT_*；否则 → CONCURRENT_UPDATE_FAILED。
func (e *InventoryEngine) resolveZeroRows(ctx context.Context, op operation, req *domain.StockOperationRequest, lg *zap.Logger) (*domain.OperationResult, error) {
	rec, err := e.repo.ReadForUpdate(ctx, req.ProductID)
	switch {
	case errors.Is(err, repo.ErrStockNotFound):
		lg.Warn("conditional update affected no rows: record vanished under lock")
		return notFound(op, req), nil
	case err != nil:
		return nil, fmt.Errorf("re-read stock after zero-row update: %w", err)
	case !op.predicate.Holds(rec, req.Quantity):
		lg.Warn("conditional update affected no rows: precondition no longer holds",
			zap.Int("stock_quantity", rec.StockQuantity), zap.Int("frozen_quantity", rec.FrozenQuantity))
		return preconditionFailure(op, req, rec.Snapshot()), nil
	default:
		lg.Warn("conditional update affected no rows although precondition holds",
			zap.Int("stock_quantity", rec.StockQuantity), zap.Int("frozen_quantity", rec.FrozenQuantity))
		return domain.Failure(op.opType, req, domain.ErrCodeConcurrentUpdateFailed,
			"conditional update affected no rows while holding the product lock"), nil
	}
}

func notFound(op operation, req *domain.StockOperationRequest) *domain.OperationResult {
	return domain.Failure(op.opType, req, domain.ErrCodeStockNotFound,
		fmt.Sprintf("stock record for product %d not found", req.ProductID))
}

func preconditionFailure(op operation, req *domain.StockOperationRequest, cur domain.StockSnapshot) *domain.OperationResult {
	switch op.failure {
	case domain.ErrCodeInsufficientStock:
		return domain.Failure(op.opType, req, op.failure,
			fmt.Sprintf("available quantity %d is less than requested %d", cur.Available(), req.Quantity))
	case domain.ErrCodeInsufficientFrozen:
		return domain.Failure(op.opType, req, op.failure,
			fmt.Sprintf("frozen quantity %d is less than requested %d", cur.Frozen, req.Quantity))
	default:
		return notFound(op, req)
	}
}

// notify 投递审计与低库存告警，不阻塞调用方
func (e *InventoryEngine) notify(op operation, req *domain.StockOperationRequest, out *lockedOutcome) {
	if e.notifier == nil {
		return
	}
	after := out.after
	e.notifier.Audit(&domain.StockChange{
		EventID:        uuid.NewString(),
		ProductID:      req.ProductID,
		ProductName:    after.ProductName,
		OperationType:  op.opType,
		Quantity:       req.Quantity,
		BeforeStock:    out.before.Stock,
		AfterStock:     after.StockQuantity,
		BeforeFrozen:   out.before.Frozen,
		AfterFrozen:    after.FrozenQuantity,
		RelatedOrderID: req.RelatedOrderID,
		OperatorID:     req.OperatorID,
		Remark:         req.Remark,
		CreatedAt:      time.Now(),
	})
	if after.CrossedLowStock(out.before) {
		e.notifier.Alert(after)
	}
}
