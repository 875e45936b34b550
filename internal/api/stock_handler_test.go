package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/lock"
	"github.com/MorseWayne/stock_engine/internal/middleware"
	"github.com/MorseWayne/stock_engine/internal/repo"
	"github.com/MorseWayne/stock_engine/internal/service"
)

// MockStockOperator 模拟库存引擎
type MockStockOperator struct {
	executeFunc func(ctx context.Context, opType domain.OperationType, req *domain.StockOperationRequest) (*domain.OperationResult, error)
	lastOp      domain.OperationType
	lastReq     *domain.StockOperationRequest
}

func (m *MockStockOperator) Execute(ctx context.Context, opType domain.OperationType, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
	m.lastOp, m.lastReq = opType, req
	if m.executeFunc != nil {
		return m.executeFunc(ctx, opType, req)
	}
	return domain.Success(opType, req, domain.StockSnapshot{Stock: 10}, domain.StockSnapshot{Stock: 10 + req.Quantity}), nil
}

func (m *MockStockOperator) BatchExecute(ctx context.Context, opType domain.OperationType, reqs []*domain.StockOperationRequest) (*service.BatchResult, error) {
	res := &service.BatchResult{
		Results: make([]*domain.OperationResult, len(reqs)),
		Errors:  make([]error, len(reqs)),
	}
	for i, req := range reqs {
		if req.Quantity <= 0 {
			res.Errors[i] = fmt.Errorf("%w: quantity must be positive", service.ErrInvalidRequest)
			continue
		}
		res.Results[i], _ = m.Execute(ctx, opType, req)
	}
	return res, nil
}

// MockStockManager 模拟库存管理服务
type MockStockManager struct {
	records map[int64]*domain.StockRecord
	err     error
}

func newMockStockManager() *MockStockManager {
	return &MockStockManager{records: map[int64]*domain.StockRecord{
		1: {ProductID: 1, ProductName: "widget", StockQuantity: 10, Status: domain.StockStatusNormal},
	}}
}

func (m *MockStockManager) CreateStock(_ context.Context, req *domain.CreateStockRequest) (*domain.StockRecord, error) {
	if _, ok := m.records[req.ProductID]; ok {
		return nil, service.ErrStockExists
	}
	rec := &domain.StockRecord{ProductID: req.ProductID, ProductName: req.ProductName, StockQuantity: req.InitialQuantity}
	m.records[req.ProductID] = rec
	return rec, nil
}

func (m *MockStockManager) get(productID int64) (*domain.StockRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[productID]
	if !ok {
		return nil, repo.ErrStockNotFound
	}
	return rec, nil
}

func (m *MockStockManager) GetStock(_ context.Context, productID int64) (*domain.StockRecord, error) {
	return m.get(productID)
}

func (m *MockStockManager) GetSnapshot(_ context.Context, productID int64) (*domain.StockRecord, error) {
	return m.get(productID)
}

func (m *MockStockManager) Delist(_ context.Context, productID int64, _ string) error {
	rec, err := m.get(productID)
	if err != nil {
		return err
	}
	rec.Status = domain.StockStatusDelisted
	return nil
}

func (m *MockStockManager) Relist(_ context.Context, productID int64, _ string) error {
	rec, err := m.get(productID)
	if err != nil {
		return err
	}
	rec.Status = rec.DeriveStatus()
	return nil
}

func (m *MockStockManager) ListLowStock(context.Context, int) ([]*domain.StockRecord, error) {
	return []*domain.StockRecord{}, m.err
}

func (m *MockStockManager) ListChangeLogs(_ context.Context, productID int64, limit int) ([]*domain.StockChange, error) {
	return []*domain.StockChange{{EventID: "e1", ProductID: productID}}, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

// withOperator 模拟 JWTAuth 注入操作员
func withOperator(id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id != "" {
			c.Request = c.Request.WithContext(middleware.WithOperator(c.Request.Context(),
				&domain.Operator{ID: id, Role: domain.OperatorRoleOperator}))
		}
		c.Next()
	}
}

func setupStockRouter(h *StockHandler, operatorID string) *gin.Engine {
	r := gin.New()
	r.Use(withOperator(operatorID))
	r.POST("/api/v1/stock/batch/:op", h.BatchOperate)
	r.POST("/api/v1/stock/:op", h.Operate)
	r.GET("/api/v1/stock/:id", h.GetStock)
	r.GET("/api/v1/stock/:id/snapshot", h.GetSnapshot)
	r.GET("/api/v1/stock/:id/logs", h.ListChangeLogs)
	r.POST("/api/v1/admin/stock", h.CreateStock)
	r.POST("/api/v1/admin/stock/:id/delist", h.Delist)
	r.POST("/api/v1/admin/stock/:id/relist", h.Relist)
	r.GET("/api/v1/admin/stock/low", h.ListLowStock)
	return r
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid response %q: %v", w.Body.String(), err)
	}
	return env
}

func TestStockHandler_Operate(t *testing.T) {
	failWith := func(code domain.ErrorCode) func(context.Context, domain.OperationType, *domain.StockOperationRequest) (*domain.OperationResult, error) {
		return func(_ context.Context, op domain.OperationType, req *domain.StockOperationRequest) (*domain.OperationResult, error) {
			return domain.Failure(op, req, code, "failed"), nil
		}
	}

	tests := []struct {
		name           string
		path           string
		operator       string
		body           interface{}
		executeFunc    func(context.Context, domain.OperationType, *domain.StockOperationRequest) (*domain.OperationResult, error)
		wantStatus     int
		wantRetryAfter bool
	}{
		{
			name:       "stock in succeeds",
			path:       "/api/v1/stock/in",
			operator:   "op-1",
			body:       map[string]interface{}{"product_id": 1, "quantity": 5},
			wantStatus: http.StatusOK,
		},
		{
			name:        "insufficient stock",
			path:        "/api/v1/stock/out",
			operator:    "op-1",
			body:        map[string]interface{}{"product_id": 1, "quantity": 500},
			executeFunc: failWith(domain.ErrCodeInsufficientStock),
			wantStatus:  http.StatusConflict,
		},
		{
			name:        "record missing",
			path:        "/api/v1/stock/reserve",
			operator:    "op-1",
			body:        map[string]interface{}{"product_id": 99, "quantity": 1},
			executeFunc: failWith(domain.ErrCodeStockNotFound),
			wantStatus:  http.StatusNotFound,
		},
		{
			name:           "lock contention",
			path:           "/api/v1/stock/release",
			operator:       "op-1",
			body:           map[string]interface{}{"product_id": 1, "quantity": 1},
			executeFunc:    failWith(domain.ErrCodeConcurrentUpdateFailed),
			wantStatus:     http.StatusConflict,
			wantRetryAfter: true,
		},
		{
			name:        "system error",
			path:        "/api/v1/stock/confirm",
			operator:    "op-1",
			body:        map[string]interface{}{"product_id": 1, "quantity": 1},
			executeFunc: failWith(domain.ErrCodeSystemError),
			wantStatus:  http.StatusInternalServerError,
		},
		{
			name:     "invalid request",
			path:     "/api/v1/stock/in",
			operator: "op-1",
			body:     map[string]interface{}{"product_id": 1, "quantity": 0},
			executeFunc: func(context.Context, domain.OperationType, *domain.StockOperationRequest) (*domain.OperationResult, error) {
				return nil, fmt.Errorf("%w: quantity must be positive", service.ErrInvalidRequest)
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			path:       "/api/v1/stock/in",
			operator:   "op-1",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown operation",
			path:       "/api/v1/stock/teleport",
			operator:   "op-1",
			body:       map[string]interface{}{"product_id": 1, "quantity": 1},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "no operator",
			path:       "/api/v1/stock/in",
			body:       map[string]interface{}{"product_id": 1, "quantity": 1},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &MockStockOperator{executeFunc: tt.executeFunc}
			r := setupStockRouter(NewStockHandler(engine, newMockStockManager(), zap.NewNop()), tt.operator)

			w := doJSON(r, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := w.Header().Get("Retry-After") != ""; got != tt.wantRetryAfter {
				t.Errorf("Retry-After present = %v, want %v", got, tt.wantRetryAfter)
			}

			// 业务失败同样携带结果
			if tt.executeFunc != nil && w.Code != http.StatusBadRequest {
				var result domain.OperationResult
				if err := json.Unmarshal(decode(t, w).Data, &result); err != nil {
					t.Fatalf("result missing from data: %v", err)
				}
				if result.ErrorCode == "" {
					t.Error("failure result should carry error code")
				}
			}
		})
	}
}

func TestStockHandler_Operate_UsesTokenOperator(t *testing.T) {
	engine := &MockStockOperator{}
	r := setupStockRouter(NewStockHandler(engine, newMockStockManager(), nil), "wms-7")

	w := doJSON(r, http.MethodPost, "/api/v1/stock/reserve", map[string]interface{}{
		"product_id": 1, "quantity": 2, "related_order_id": "ORD-1", "operator_id": "spoofed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if engine.lastOp != domain.OpReserve {
		t.Errorf("operation = %s", engine.lastOp)
	}
	if engine.lastReq.OperatorID != "wms-7" || engine.lastReq.RelatedOrderID != "ORD-1" {
		t.Errorf("unexpected request %+v", engine.lastReq)
	}
}

func TestStockHandler_BatchOperate(t *testing.T) {
	r := setupStockRouter(NewStockHandler(&MockStockOperator{}, newMockStockManager(), nil), "op-1")

	w := doJSON(r, http.MethodPost, "/api/v1/stock/batch/in", map[string]interface{}{
		"items": []map[string]interface{}{
			{"product_id": 1, "quantity": 1},
			{"product_id": 2, "quantity": 0},
			{"product_id": 3, "quantity": 4},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var out BatchResponse
	if err := json.Unmarshal(decode(t, w).Data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 3 || out.Succeeded != 2 {
		t.Errorf("total/succeeded = %d/%d", out.Total, out.Succeeded)
	}
	for i, item := range out.Items {
		if item.Index != i {
			t.Errorf("item %d has index %d", i, item.Index)
		}
	}
	if out.Items[1].Error == "" || out.Items[1].Result != nil {
		t.Errorf("invalid item should carry error only: %+v", out.Items[1])
	}
	if out.Items[2].Result.ProductID != 3 {
		t.Errorf("order not preserved: %+v", out.Items[2].Result)
	}

	if w := doJSON(r, http.MethodPost, "/api/v1/stock/batch/in", map[string]interface{}{"items": []interface{}{}}); w.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d", w.Code)
	}
	tooMany := make([]map[string]interface{}, maxBatchItems+1)
	for i := range tooMany {
		tooMany[i] = map[string]interface{}{"product_id": 1, "quantity": 1}
	}
	if w := doJSON(r, http.MethodPost, "/api/v1/stock/batch/in", map[string]interface{}{"items": tooMany}); w.Code != http.StatusBadRequest {
		t.Errorf("oversized batch status = %d", w.Code)
	}
}

func TestStockHandler_Queries(t *testing.T) {
	manager := newMockStockManager()
	r := setupStockRouter(NewStockHandler(&MockStockOperator{}, manager, nil), "admin")

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
	}{
		{"get cached", http.MethodGet, "/api/v1/stock/1", nil, http.StatusOK},
		{"get missing", http.MethodGet, "/api/v1/stock/42", nil, http.StatusNotFound},
		{"get bad id", http.MethodGet, "/api/v1/stock/abc", nil, http.StatusBadRequest},
		{"snapshot", http.MethodGet, "/api/v1/stock/1/snapshot", nil, http.StatusOK},
		{"logs", http.MethodGet, "/api/v1/stock/1/logs?limit=5", nil, http.StatusOK},
		{"create", http.MethodPost, "/api/v1/admin/stock", map[string]interface{}{"product_id": 2, "product_name": "gadget", "initial_quantity": 3}, http.StatusCreated},
		{"create duplicate", http.MethodPost, "/api/v1/admin/stock", map[string]interface{}{"product_id": 1, "product_name": "widget"}, http.StatusConflict},
		{"create invalid", http.MethodPost, "/api/v1/admin/stock", map[string]interface{}{"product_id": -1, "product_name": "x"}, http.StatusBadRequest},
		{"delist", http.MethodPost, "/api/v1/admin/stock/1/delist", nil, http.StatusOK},
		{"relist missing", http.MethodPost, "/api/v1/admin/stock/77/relist", nil, http.StatusNotFound},
		{"low stock", http.MethodGet, "/api/v1/admin/stock/low?limit=10", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, tt.method, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d, body %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	if manager.records[1].Status != domain.StockStatusDelisted {
		t.Error("delist should reach the manager")
	}
}

func TestStockHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		err            error
		wantStatus     int
		wantRetryAfter bool
	}{
		{fmt.Errorf("wrapped: %w", lock.ErrNotObtained), http.StatusConflict, true},
		{errors.New("connection refused"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		manager := newMockStockManager()
		manager.err = tt.err
		r := setupStockRouter(NewStockHandler(&MockStockOperator{}, manager, nil), "op-1")

		w := doJSON(r, http.MethodGet, "/api/v1/stock/1/snapshot", nil)
		if w.Code != tt.wantStatus {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.wantStatus)
		}
		if got := w.Header().Get("Retry-After") != ""; got != tt.wantRetryAfter {
			t.Errorf("%v: Retry-After present = %v", tt.err, got)
		}
	}
}
