package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// 库存事件路由键
const (
	RoutingKeyStockChange   = "stock.change"
	RoutingKeyLowStockAlert = "stock.alert.low"
	RoutingKeyDeadLetter    = "stock.dead"
)

// Topology 库存事件的交换机与队列
type Topology struct {
	Exchange    string // topic 交换机
	AuditQueue  string // 绑定 stock.change
	DLXExchange string
	DLXQueue    string
}

// DefaultTopology 返回默认拓扑
func DefaultTopology() *Topology {
	return &Topology{
		Exchange:    "stock.events",
		AuditQueue:  "stock.change.audit",
		DLXExchange: "stock.events.dlx",
		DLXQueue:    "stock.events.dead",
	}
}

// Validate 验证拓扑配置
func (t *Topology) Validate() error {
	if t.Exchange == "" {
		return fmt.Errorf("exchange is required")
	}
	if t.AuditQueue == "" {
		return fmt.Errorf("audit queue is required")
	}
	if t.DLXExchange == "" || t.DLXQueue == "" {
		return fmt.Errorf("dead letter exchange and queue are required")
	}
	if t.DLXExchange == t.Exchange {
		return fmt.Errorf("dead letter exchange must differ from %q", t.Exchange)
	}
	return nil
}

// Declare 声明交换机、队列与绑定，可重复调用
func (t *Topology) Declare(ctx context.Context, cm *ConnectionManager, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return cm.WithChannel(func(ch *amqp.Channel) error {
		for _, name := range []string{t.Exchange, t.DLXExchange} {
			if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
				return fmt.Errorf("failed to declare exchange %s: %w", name, err)
			}
		}

		queues := []struct {
			name string
			args amqp.Table
		}{
			{t.DLXQueue, nil},
			{t.AuditQueue, amqp.Table{
				"x-dead-letter-exchange":    t.DLXExchange,
				"x-dead-letter-routing-key": RoutingKeyDeadLetter,
			}},
		}
		for _, q := range queues {
			if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
			}
		}

		bindings := []struct {
			queue, key, exchange string
		}{
			{t.AuditQueue, RoutingKeyStockChange, t.Exchange},
			{t.DLXQueue, "#", t.DLXExchange},
		}
		for _, b := range bindings {
			if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		logger.Info("库存事件拓扑声明完成",
			zap.String("exchange", t.Exchange),
			zap.String("audit_queue", t.AuditQueue),
			zap.String("dlx_queue", t.DLXQueue))
		return nil
	})
}
