package mq

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/domain"
)

// JSONPublisher 发布 JSON 消息，Producer 实现该接口
type JSONPublisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, data interface{}, options *PublishOptions) error
}

// StockEventPublisher 将库存变更与低库存告警发布到 topic 交换机
// 同时满足 service.AuditSink 与 service.AlertSink。
type StockEventPublisher struct {
	publisher JSONPublisher
	exchange  string
	source    string
	logger    *zap.Logger
}

// NewStockEventPublisher 创建库存事件发布器
func NewStockEventPublisher(publisher JSONPublisher, exchange, source string, logger *zap.Logger) *StockEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockEventPublisher{
		publisher: publisher,
		exchange:  exchange,
		source:    source,
		logger:    logger,
	}
}

// RecordChange 发布 stock.change 事件
func (p *StockEventPublisher) RecordChange(ctx context.Context, change *domain.StockChange) error {
	msg := NewStockChangeMessage(change, p.source)
	err := p.publisher.PublishJSON(ctx, p.exchange, RoutingKeyStockChange, msg, &PublishOptions{
		MessageID: msg.ID,
		Type:      string(msg.Type),
		Timestamp: msg.Timestamp,
		Headers: map[string]interface{}{
			"product-id":     strconv.FormatInt(change.ProductID, 10),
			"operation-type": string(change.OperationType),
			"operator-id":    change.OperatorID,
		},
	})
	if err != nil {
		return err
	}
	p.logger.Debug("库存变更事件已发布",
		zap.String("event_id", msg.ID),
		zap.Int64("product_id", change.ProductID),
		zap.String("operation_type", string(change.OperationType)))
	return nil
}

// NotifyLowStock 发布 stock.alert.low 事件
func (p *StockEventPublisher) NotifyLowStock(ctx context.Context, record *domain.StockRecord) error {
	msg := NewLowStockAlertMessage(record, p.source)
	err := p.publisher.PublishJSON(ctx, p.exchange, RoutingKeyLowStockAlert, msg, &PublishOptions{
		MessageID: msg.ID,
		Type:      string(msg.Type),
		Timestamp: msg.Timestamp,
		Headers: map[string]interface{}{
			"product-id": strconv.FormatInt(record.ProductID, 10),
		},
	})
	if err != nil {
		return err
	}
	p.logger.Info("低库存告警已发布",
		zap.Int64("product_id", record.ProductID),
		zap.Int("available", msg.Data.AvailableQuantity),
		zap.Int("threshold", msg.Data.Threshold))
	return nil
}
