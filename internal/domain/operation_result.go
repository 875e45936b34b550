package domain

// OperationType 库存操作类型
type OperationType string

const (
	OpStockIn        OperationType = "STOCK_IN"
	OpStockOut       OperationType = "STOCK_OUT"
	OpReserve        OperationType = "RESERVE"
	OpReleaseReserve OperationType = "RELEASE_RESERVE"
	OpConfirmOut     OperationType = "CONFIRM_OUT"
)

// OperationTypes 全部变更操作类型
var OperationTypes = []OperationType{OpStockIn, OpStockOut, OpReserve, OpReleaseReserve, OpConfirmOut}

// ErrorCode 操作失败码
type ErrorCode string

const (
	ErrCodeStockNotFound          ErrorCode = "STOCK_NOT_FOUND"
	ErrCodeInsufficientStock      ErrorCode = "INSUFFICIENT_STOCK"
	ErrCodeInsufficientFrozen     ErrorCode = "INSUFFICIENT_FROZEN"
	ErrCodeConcurrentUpdateFailed ErrorCode = "CONCURRENT_UPDATE_FAILED"
	ErrCodeSystemError            ErrorCode = "SYSTEM_ERROR"
)

// Retryable 调用方能否在不改变输入的情况下重试
func (c ErrorCode) Retryable() bool {
	return c == ErrCodeConcurrentUpdateFailed || c == ErrCodeSystemError
}

// OperationResult 单次库存操作的结果
// 成功时填充前后数量，失败时填充错误码，After* 保持为空
type OperationResult struct {
	OperationType     OperationType `json:"operation_type"`
	ProductID         int64         `json:"product_id"`
	RequestedQuantity int           `json:"requested_quantity"`
	Succeeded         bool          `json:"succeeded"`
	BeforeStock       *int          `json:"before_stock,omitempty"`
	AfterStock        *int          `json:"after_stock,omitempty"`
	BeforeFrozen      *int          `json:"before_frozen,omitempty"`
	AfterFrozen       *int          `json:"after_frozen,omitempty"`
	ErrorCode         ErrorCode     `json:"error_code,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	OperatorID        string        `json:"operator_id"`
	Remark            string        `json:"remark,omitempty"`
	TotalDurationMs   int64         `json:"total_duration_ms"`
	LockWaitMs        int64         `json:"lock_wait_ms"`
}

// Success 构造成功结果
func Success(op OperationType, req *StockOperationRequest, before, after StockSnapshot) *OperationResult {
	r := newResult(op, req)
	r.Succeeded = true
	r.BeforeStock = intPtr(before.Stock)
	r.BeforeFrozen = intPtr(before.Frozen)
	r.AfterStock = intPtr(after.Stock)
	r.AfterFrozen = intPtr(after.Frozen)
	return r
}

// Failure 构造失败结果
func Failure(op OperationType, req *StockOperationRequest, code ErrorCode, message string) *OperationResult {
	r := newResult(op, req)
	r.ErrorCode = code
	r.ErrorMessage = message
	return r
}

// WithTiming 附加耗时信息，不改变成功/失败状态
func (r *OperationResult) WithTiming(totalMs, lockWaitMs int64) *OperationResult {
	r.TotalDurationMs = totalMs
	r.LockWaitMs = lockWaitMs
	return r
}

// Before 返回操作前快照（失败结果返回 false）
func (r *OperationResult) Before() (StockSnapshot, bool) {
	if r.BeforeStock == nil || r.BeforeFrozen == nil {
		return StockSnapshot{}, false
	}
	return StockSnapshot{Stock: *r.BeforeStock, Frozen: *r.BeforeFrozen}, true
}

// After 返回操作后快照（失败结果返回 false）
func (r *OperationResult) After() (StockSnapshot, bool) {
	if r.AfterStock == nil || r.AfterFrozen == nil {
		return StockSnapshot{}, false
	}
	return StockSnapshot{Stock: *r.AfterStock, Frozen: *r.AfterFrozen}, true
}

func newResult(op OperationType, req *StockOperationRequest) *OperationResult {
	r := &OperationResult{OperationType: op}
	if req != nil {
		r.ProductID = req.ProductID
		r.RequestedQuantity = req.Quantity
		r.OperatorID = req.OperatorID
		r.Remark = req.Remark
	}
	return r
}

func intPtr(v int) *int { return &v }
