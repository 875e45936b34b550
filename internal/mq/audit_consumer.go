package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/repo"
)

// errEmptyChange 消息缺少变更数据
var errEmptyChange = errors.New("stock change message without data")

// AuditConsumer 消费 stock.change 并写入变更日志表
// 写入按 EventID 幂等，重复投递安全。
type AuditConsumer struct {
	logs     repo.StockLogRepository
	consumer *Consumer
	logger   *zap.Logger
}

// NewAuditConsumer 创建审计消费者
func NewAuditConsumer(cm *ConnectionManager, queue string, logs repo.StockLogRepository, config *ConsumerConfig, logger *zap.Logger) *AuditConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ac := &AuditConsumer{logs: logs, logger: logger}
	ac.consumer = NewConsumer(cm, queue, ac.Handler(), config, logger)
	return ac
}

// Handler 返回消息处理函数
func (ac *AuditConsumer) Handler() MessageHandler {
	return JSONMessageHandler(func(ctx context.Context, msg StockChangeMessage, delivery amqp.Delivery) error {
		return ac.handle(ctx, &msg)
	})
}

func (ac *AuditConsumer) handle(ctx context.Context, msg *StockChangeMessage) error {
	if msg.Type != MessageTypeStockChange {
		return &NonRetryableError{Err: fmt.Errorf("unexpected message type %q", msg.Type)}
	}
	change := msg.Data
	if change == nil {
		return &NonRetryableError{Err: errEmptyChange}
	}
	if change.EventID == "" {
		change.EventID = msg.ID
	}
	if change.EventID == "" || change.ProductID <= 0 {
		return &NonRetryableError{Err: fmt.Errorf("invalid stock change event %q for product %d", change.EventID, change.ProductID)}
	}

	if err := ac.logs.RecordChange(ctx, change); err != nil {
		return fmt.Errorf("persist stock change %s: %w", change.EventID, err)
	}
	ac.logger.Debug("库存变更日志已写入",
		zap.String("event_id", change.EventID),
		zap.Int64("product_id", change.ProductID))
	return nil
}

// Start 开始消费
func (ac *AuditConsumer) Start(ctx context.Context) error {
	return ac.consumer.Start(ctx)
}

// Restart 重连后重新消费
func (ac *AuditConsumer) Restart(ctx context.Context) error {
	return ac.consumer.Restart(ctx)
}

// Stop 停止消费
func (ac *AuditConsumer) Stop() {
	ac.consumer.Stop()
}

// Stats 返回消费统计
func (ac *AuditConsumer) Stats() ConsumerStats {
	return ac.consumer.GetStats()
}
