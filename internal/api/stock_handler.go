// Package api 提供库存引擎的 HTTP 处理器
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/lock"
	"github.com/MorseWayne/stock_engine/internal/middleware"
	"github.com/MorseWayne/stock_engine/internal/repo"
	"github.com/MorseWayne/stock_engine/internal/resp"
	"github.com/MorseWayne/stock_engine/internal/service"
)

const (
	maxBatchItems = 200
	// 锁竞争失败时建议的重试间隔（秒）
	retryAfterSeconds = "1"
)

// pathOperations 路由中的操作名
var pathOperations = map[string]domain.OperationType{
	"in":      domain.OpStockIn,
	"out":     domain.OpStockOut,
	"reserve": domain.OpReserve,
	"release": domain.OpReleaseReserve,
	"confirm": domain.OpConfirmOut,
}

// StockOperator 执行库存变更，由 service.InventoryEngine 实现
type StockOperator interface {
	Execute(ctx context.Context, opType domain.OperationType, req *domain.StockOperationRequest) (*domain.OperationResult, error)
	BatchExecute(ctx context.Context, opType domain.OperationType, reqs []*domain.StockOperationRequest) (*service.BatchResult, error)
}

// StockManager 库存管理与查询，由 service.StockService 实现
type StockManager interface {
	CreateStock(ctx context.Context, req *domain.CreateStockRequest) (*domain.StockRecord, error)
	GetStock(ctx context.Context, productID int64) (*domain.StockRecord, error)
	GetSnapshot(ctx context.Context, productID int64) (*domain.StockRecord, error)
	Delist(ctx context.Context, productID int64, operatorID string) error
	Relist(ctx context.Context, productID int64, operatorID string) error
	ListLowStock(ctx context.Context, limit int) ([]*domain.StockRecord, error)
	ListChangeLogs(ctx context.Context, productID int64, limit int) ([]*domain.StockChange, error)
}

// StockHandler 库存API处理器
type StockHandler struct {
	engine  StockOperator
	manager StockManager
	logger  *zap.Logger
}

// NewStockHandler 创建库存API处理器
func NewStockHandler(engine StockOperator, manager StockManager, logger *zap.Logger) *StockHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockHandler{engine: engine, manager: manager, logger: logger}
}

// stockOperationBody 变更请求体，操作员取自令牌
type stockOperationBody struct {
	ProductID      int64  `json:"product_id"`
	Quantity       int    `json:"quantity"`
	RelatedOrderID string `json:"related_order_id" binding:"max=64"`
	Remark         string `json:"remark" binding:"max=255"`
}

func (b *stockOperationBody) toRequest(operatorID string) *domain.StockOperationRequest {
	return &domain.StockOperationRequest{
		ProductID:      b.ProductID,
		Quantity:       b.Quantity,
		OperatorID:     operatorID,
		RelatedOrderID: b.RelatedOrderID,
		Remark:         b.Remark,
	}
}

// batchBody 批量请求体
type batchBody struct {
	Items []stockOperationBody `json:"items" binding:"required,min=1,dive"`
}

// BatchItem 批量结果中的一项
type BatchItem struct {
	Index  int                     `json:"index"`
	Result *domain.OperationResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// BatchResponse 批量执行响应
type BatchResponse struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Items     []BatchItem `json:"items"`
}

// Operate 执行单次库存变更
// POST /api/v1/stock/:op  op ∈ in|out|reserve|release|confirm
func (h *StockHandler) Operate(c *gin.Context) {
	opType, ok := pathOperations[c.Param("op")]
	if !ok {
		h.writeError(c, http.StatusNotFound, resp.CodeNotFound, "unknown stock operation")
		return
	}
	operator := middleware.OperatorFromContext(c.Request.Context())
	if operator == nil {
		h.writeError(c, http.StatusUnauthorized, resp.CodeUnauthorized, "operator required")
		return
	}

	var body stockOperationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.logger.Warn("参数绑定失败", zap.Error(err), zap.String("request_id", requestID(c)))
		h.writeError(c, http.StatusBadRequest, resp.CodeInvalidParam, "invalid request body")
		return
	}

	result, err := h.engine.Execute(c.Request.Context(), opType, body.toRequest(operator.ID))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeResult(c, result)
}

// BatchOperate 批量执行同一种变更，结果顺序与请求一致
// POST /api/v1/stock/batch/:op
func (h *StockHandler) BatchOperate(c *gin.Context) {
	opType, ok := pathOperations[c.Param("op")]
	if !ok {
		h.writeError(c, http.StatusNotFound, resp.CodeNotFound, "unknown stock operation")
		return
	}
	operator := middleware.OperatorFromContext(c.Request.Context())
	if operator == nil {
		h.writeError(c, http.StatusUnauthorized, resp.CodeUnauthorized, "operator required")
		return
	}

	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, http.StatusBadRequest, resp.CodeInvalidParam, "invalid request body")
		return
	}
	if len(body.Items) > maxBatchItems {
		h.writeError(c, http.StatusBadRequest, resp.CodeInvalidParam,
			"too many items, max "+strconv.Itoa(maxBatchItems))
		return
	}

	reqs := make([]*domain.StockOperationRequest, len(body.Items))
	for i := range body.Items {
		reqs[i] = body.Items[i].toRequest(operator.ID)
	}

	batch, err := h.engine.BatchExecute(c.Request.Context(), opType, reqs)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	out := BatchResponse{Total: len(reqs), Items: make([]BatchItem, len(reqs))}
	for i := range reqs {
		item := BatchItem{Index: i, Result: batch.Results[i]}
		if batch.Errors[i] != nil {
			item.Error = batch.Errors[i].Error()
		} else if item.Result != nil && item.Result.Succeeded {
			out.Succeeded++
		}
		out.Items[i] = item
	}

	h.logger.Info("批量库存操作完成",
		zap.String("operation_type", string(opType)),
		zap.String("operator_id", operator.ID),
		zap.Int("total", out.Total),
		zap.Int("succeeded", out.Succeeded))
	resp.OK(c.Writer, out, requestID(c), traceID(c))
}

// GetStock 读取缓存视图
// GET /api/v1/stock/:id
func (h *StockHandler) GetStock(c *gin.Context) {
	productID, ok := h.productID(c)
	if !ok {
		return
	}
	record, err := h.manager.GetStock(c.Request.Context(), productID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	resp.OK(c.Writer, record, requestID(c), traceID(c))
}

// GetSnapshot 持锁读取权威快照
// GET /api/v1/stock/:id/snapshot
func (h *StockHandler) GetSnapshot(c *gin.Context) {
	productID, ok := h.productID(c)
	if !ok {
		return
	}
	record, err := h.manager.GetSnapshot(c.Request.Context(), productID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	resp.OK(c.Writer, record, requestID(c), traceID(c))
}

// ListChangeLogs 商品变更日志
// GET /api/v1/stock/:id/logs?limit=
func (h *StockHandler) ListChangeLogs(c *gin.Context) {
	productID, ok := h.productID(c)
	if !ok {
		return
	}
	logs, err := h.manager.ListChangeLogs(c.Request.Context(), productID, queryLimit(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	resp.OK(c.Writer, logs, requestID(c), traceID(c))
}

// CreateStock 建立库存记录
// POST /api/v1/admin/stock
func (h *StockHandler) CreateStock(c *gin.Context) {
	var req domain.CreateStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, http.StatusBadRequest, resp.CodeInvalidParam, "invalid request body")
		return
	}
	record, err := h.manager.CreateStock(c.Request.Context(), &req)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	resp.WriteJSON(c.Writer, http.StatusCreated, resp.CodeOK, "created", record, requestID(c), traceID(c))
}

// Delist 下架
// POST /api/v1/admin/stock/:id/delist
func (h *StockHandler) Delist(c *gin.Context) {
	h.setListing(c, true)
}

// Relist 重新上架
// POST /api/v1/admin/stock/:id/relist
func (h *StockHandler) Relist(c *gin.Context) {
	h.setListing(c, false)
}

func (h *StockHandler) setListing(c *gin.Context, delisted bool) {
	productID, ok := h.productID(c)
	if !ok {
		return
	}
	operatorID := ""
	if op := middleware.OperatorFromContext(c.Request.Context()); op != nil {
		operatorID = op.ID
	}

	var err error
	if delisted {
		err = h.manager.Delist(c.Request.Context(), productID, operatorID)
	} else {
		err = h.manager.Relist(c.Request.Context(), productID, operatorID)
	}
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	resp.OK(c.Writer, gin.H{"product_id": productID, "delisted": delisted}, requestID(c), traceID(c))
}

// ListLowStock 低库存列表
// GET /api/v1/admin/stock/low?limit=
func (h *StockHandler) ListLowStock(c *gin.Context) {
	records, err := h.manager.ListLowStock(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	resp.OK(c.Writer, records, requestID(c), traceID(c))
}

// writeResult 将操作结果映射为 HTTP 响应，失败结果同样放在 data 中
func (h *StockHandler) writeResult(c *gin.Context, result *domain.OperationResult) {
	if result.Succeeded {
		resp.OK(c.Writer, result, requestID(c), traceID(c))
		return
	}

	status, code := http.StatusInternalServerError, resp.CodeInternalError
	switch result.ErrorCode {
	case domain.ErrCodeStockNotFound:
		status, code = http.StatusNotFound, resp.CodeNotFound
	case domain.ErrCodeInsufficientStock, domain.ErrCodeInsufficientFrozen:
		status, code = http.StatusConflict, resp.CodeConflict
	case domain.ErrCodeConcurrentUpdateFailed:
		status, code = http.StatusConflict, resp.CodeConflict
		c.Header("Retry-After", retryAfterSeconds)
	}
	resp.WriteJSON(c.Writer, status, code, string(result.ErrorCode), result, requestID(c), traceID(c))
}

// writeServiceError 将服务层错误映射为 HTTP 响应
func (h *StockHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		h.writeError(c, http.StatusBadRequest, resp.CodeInvalidParam, err.Error())
	case errors.Is(err, service.ErrUnknownOperation):
		h.writeError(c, http.StatusNotFound, resp.CodeNotFound, err.Error())
	case errors.Is(err, repo.ErrStockNotFound):
		h.writeError(c, http.StatusNotFound, resp.CodeNotFound, "stock record not found")
	case errors.Is(err, service.ErrStockExists):
		h.writeError(c, http.StatusConflict, resp.CodeConflict, "stock record already exists")
	case errors.Is(err, lock.ErrNotObtained):
		c.Header("Retry-After", retryAfterSeconds)
		h.writeError(c, http.StatusConflict, resp.CodeConflict, "product is busy, retry later")
	default:
		if middleware.HandleTimeout(c.Writer, c.Request) {
			return
		}
		h.logger.Error("库存请求处理失败", zap.Error(err), zap.String("request_id", requestID(c)))
		h.writeError(c, http.StatusInternalServerError, resp.CodeInternalError, "internal error")
	}
}

func (h *StockHandler) writeError(c *gin.Context, status, code int, message string) {
	resp.Error(c.Writer, status, code, message, requestID(c), traceID(c))
}

func (h *StockHandler) productID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(c, http.StatusBadRequest, resp.CodeInvalidParam, "invalid product id")
		return 0, false
	}
	return id, true
}

// queryLimit 解析 limit 参数，非法值交由服务层取默认
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func requestID(c *gin.Context) string {
	return middleware.RequestIDFromContext(c.Request.Context())
}

func traceID(c *gin.Context) string {
	return middleware.TraceIDFromContext(c.Request.Context())
}
