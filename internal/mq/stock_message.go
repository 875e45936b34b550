package mq

import (
	"time"

	"github.com/google/uuid"

	"github.com/MorseWayne/stock_engine/internal/domain"
)

// MessageType 消息类型
type MessageType string

const (
	MessageTypeStockChange   MessageType = "stock_change"    // 库存变更审计
	MessageTypeLowStockAlert MessageType = "low_stock_alert" // 低库存告警
)

const messageVersion = "1.0"

// Message 库存事件信封
type Message[T any] struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Data      T           `json:"data"`
}

// StockChangeMessage 变更审计消息
type StockChangeMessage = Message[*domain.StockChange]

// LowStockAlertMessage 低库存告警消息
type LowStockAlertMessage = Message[*domain.LowStockAlert]

// NewStockChangeMessage 以变更的 EventID 作为消息 ID，重复投递可被消费端识别
func NewStockChangeMessage(change *domain.StockChange, source string) *StockChangeMessage {
	if change.EventID == "" {
		change.EventID = uuid.NewString()
	}
	return &StockChangeMessage{
		ID:        change.EventID,
		Type:      MessageTypeStockChange,
		Version:   messageVersion,
		Timestamp: time.Now(),
		Source:    source,
		Data:      change,
	}
}

// NewLowStockAlertMessage 由库存记录生成低库存告警消息
func NewLowStockAlertMessage(record *domain.StockRecord, source string) *LowStockAlertMessage {
	alert := &domain.LowStockAlert{
		EventID:           uuid.NewString(),
		ProductID:         record.ProductID,
		ProductName:       record.ProductName,
		AvailableQuantity: record.AvailableQuantity(),
		OccurredAt:        time.Now(),
	}
	if record.LowStockThreshold != nil {
		alert.Threshold = *record.LowStockThreshold
	}
	return &LowStockAlertMessage{
		ID:        alert.EventID,
		Type:      MessageTypeLowStockAlert,
		Version:   messageVersion,
		Timestamp: alert.OccurredAt,
		Source:    source,
		Data:      alert,
	}
}
