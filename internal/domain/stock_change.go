package domain

import (
	"time"
)

// StockChange 一次成功变更的审计记录，同时作为 MQ 事件载荷与日志表行
// EventID 用于消费端幂等
type StockChange struct {
	ID             int64         `json:"id,omitempty"`
	EventID        string        `json:"event_id"`
	ProductID      int64         `json:"product_id"`
	ProductName    string        `json:"product_name"`
	OperationType  OperationType `json:"operation_type"`
	Quantity       int           `json:"quantity"`
	BeforeStock    int           `json:"before_stock"`
	AfterStock     int           `json:"after_stock"`
	BeforeFrozen   int           `json:"before_frozen"`
	AfterFrozen    int           `json:"after_frozen"`
	RelatedOrderID string        `json:"related_order_id,omitempty"`
	OperatorID     string        `json:"operator_id"`
	Remark         string        `json:"remark,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// StockDelta 返回在库总量变化值
func (c *StockChange) StockDelta() int {
	return c.AfterStock - c.BeforeStock
}

// FrozenDelta 返回预留数量变化值
func (c *StockChange) FrozenDelta() int {
	return c.AfterFrozen - c.BeforeFrozen
}

// LowStockAlert 低库存告警事件
type LowStockAlert struct {
	EventID           string    `json:"event_id"`
	ProductID         int64     `json:"product_id"`
	ProductName       string    `json:"product_name"`
	AvailableQuantity int       `json:"available_quantity"`
	Threshold         int       `json:"threshold"`
	OccurredAt        time.Time `json:"occurred_at"`
}
