// Package domain 定义库存引擎的领域模型：库存记录、操作请求、操作结果与变更日志。
package domain

import (
	"time"
)

// StockStatus 库存状态标签
type StockStatus string

const (
	StockStatusNormal     StockStatus = "NORMAL"       // 可售
	StockStatusOutOfStock StockStatus = "OUT_OF_STOCK" // 可售数量为 0
	StockStatusDelisted   StockStatus = "DELISTED"     // 外部下架，变更操作不会清除
)

// StockRecord 表示单个商品的库存记录
// 不变式：0 <= FrozenQuantity <= StockQuantity
type StockRecord struct {
	ProductID         int64       `json:"product_id"`
	ProductName       string      `json:"product_name"`
	StockQuantity     int         `json:"stock_quantity"`  // 在库总量
	FrozenQuantity    int         `json:"frozen_quantity"` // 已预留未出库
	LowStockThreshold *int        `json:"low_stock_threshold,omitempty"`
	Status            StockStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// AvailableQuantity 返回可售数量
func (s *StockRecord) AvailableQuantity() int {
	return s.StockQuantity - s.FrozenQuantity
}

// Valid 判断记录是否满足库存不变式
func (s *StockRecord) Valid() bool {
	return s.FrozenQuantity >= 0 && s.FrozenQuantity <= s.StockQuantity
}

// Snapshot 返回数量快照
func (s *StockRecord) Snapshot() StockSnapshot {
	return StockSnapshot{Stock: s.StockQuantity, Frozen: s.FrozenQuantity}
}

// DeriveStatus 按可售数量推导状态，DELISTED 保持不变
func (s *StockRecord) DeriveStatus() StockStatus {
	if s.Status == StockStatusDelisted {
		return StockStatusDelisted
	}
	if s.AvailableQuantity() > 0 {
		return StockStatusNormal
	}
	return StockStatusOutOfStock
}

// IsLowStock 判断是否处于低库存（未配置阈值时恒为 false）
func (s *StockRecord) IsLowStock() bool {
	return s.LowStockThreshold != nil && s.AvailableQuantity() <= *s.LowStockThreshold
}

// CrossedLowStock 判断从 before 到当前记录是否向下穿越了低库存阈值
func (s *StockRecord) CrossedLowStock(before StockSnapshot) bool {
	if s.LowStockThreshold == nil {
		return false
	}
	threshold := *s.LowStockThreshold
	return before.Available() > threshold && s.AvailableQuantity() <= threshold
}

// Clone 返回深拷贝
func (s *StockRecord) Clone() *StockRecord {
	if s == nil {
		return nil
	}
	cp := *s
	if s.LowStockThreshold != nil {
		t := *s.LowStockThreshold
		cp.LowStockThreshold = &t
	}
	return &cp
}

// StockSnapshot 某一时刻的库存数量
type StockSnapshot struct {
	Stock  int `json:"stock"`
	Frozen int `json:"frozen"`
}

// Available 返回快照的可售数量
func (s StockSnapshot) Available() int {
	return s.Stock - s.Frozen
}

// StockOperationRequest 单次库存变更请求
type StockOperationRequest struct {
	ProductID      int64  `json:"product_id"`
	Quantity       int    `json:"quantity"`
	OperatorID     string `json:"operator_id"`
	RelatedOrderID string `json:"related_order_id,omitempty"`
	Remark         string `json:"remark,omitempty"`
}

// CreateStockRequest 创建库存记录请求
type CreateStockRequest struct {
	ProductID         int64  `json:"product_id" binding:"required,gt=0"`
	ProductName       string `json:"product_name" binding:"required,max=128"`
	InitialQuantity   int    `json:"initial_quantity" binding:"min=0"`
	LowStockThreshold *int   `json:"low_stock_threshold" binding:"omitempty,min=0"`
}
