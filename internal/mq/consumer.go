package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer RabbitMQ消费者
// 处理成功 ack；失败按配置重试，重试耗尽或不可重试时 nack 不重新入队，由队列的死信交换机接收。
type Consumer struct {
	cm      *ConnectionManager
	config  *ConsumerConfig
	logger  *zap.Logger
	handler MessageHandler

	queueName   string
	consumerTag string

	mu      sync.Mutex
	workers []*consumerWorker
	running atomic.Bool

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

type consumerWorker struct {
	id       int
	ch       *amqp.Channel
	delivery <-chan amqp.Delivery
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConsumer 创建消费者
func NewConsumer(cm *ConnectionManager, queueName string, handler MessageHandler, config *ConsumerConfig, logger *zap.Logger) *Consumer {
	if config == nil {
		config = DefaultConfig().Consumer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		cm:          cm,
		config:      config,
		logger:      logger,
		handler:     handler,
		queueName:   queueName,
		consumerTag: fmt.Sprintf("stock-engine-%s-%d", queueName, time.Now().Unix()),
	}
}

// Start 启动并发消费工作器
func (c *Consumer) Start(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("message handler is not set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("consumer is already running")
	}

	c.logger.Info("开始消费消息",
		zap.String("queue", c.queueName),
		zap.Int("concurrent_consumers", c.config.ConcurrentConsumers))

	c.workers = make([]*consumerWorker, 0, c.config.ConcurrentConsumers)
	for i := 0; i < c.config.ConcurrentConsumers; i++ {
		worker, err := c.createWorker(ctx, i)
		if err != nil {
			c.stopWorkersLocked()
			c.running.Store(false)
			return fmt.Errorf("failed to create worker %d: %w", i, err)
		}
		c.workers = append(c.workers, worker)
	}
	return nil
}

// Restart 重连后重新建立消费
func (c *Consumer) Restart(ctx context.Context) error {
	c.Stop()
	return c.Start(ctx)
}

// Stop 停止消费并等待在途消息处理完毕
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.logger.Info("停止消费消息", zap.String("queue", c.queueName))
	c.stopWorkersLocked()
}

func (c *Consumer) createWorker(ctx context.Context, id int) (*consumerWorker, error) {
	ch, err := c.cm.GetChannel()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := fmt.Sprintf("%s-%d", c.consumerTag, id)
	deliveries, err := ch.Consume(c.queueName, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := &consumerWorker{
		id:       id,
		ch:       ch,
		delivery: deliveries,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(workerCtx, w)
	return w, nil
}

func (c *Consumer) stopWorkersLocked() {
	for _, w := range c.workers {
		w.cancel()
	}
	for _, w := range c.workers {
		<-w.done
	}
	c.workers = nil
}

func (c *Consumer) run(ctx context.Context, w *consumerWorker) {
	defer close(w.done)
	// 消费中的通道不归还池中复用
	defer func() { _ = w.ch.Close() }()

	for {
		select {
		case delivery, ok := <-w.delivery:
			if !ok {
				c.logger.Info("消费通道关闭", zap.Int("worker_id", w.id), zap.String("queue", c.queueName))
				return
			}
			c.processMessage(ctx, delivery)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) processMessage(parent context.Context, delivery amqp.Delivery) {
	ctx, cancel := context.WithTimeout(parent, c.config.ConsumeTimeout)
	defer cancel()

	err := c.handleWithRetry(ctx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("消息确认失败", zap.Error(ackErr), zap.String("message_id", delivery.MessageId))
		}
		c.processed.Add(1)
		return
	}

	if parent.Err() != nil {
		// 停止消费时中断的消息重新入队
		_ = delivery.Nack(false, true)
		return
	}

	c.failed.Add(1)
	c.logger.Error("消息处理失败，转入死信",
		zap.String("queue", c.queueName),
		zap.String("message_id", delivery.MessageId),
		zap.Error(err))
	if nackErr := delivery.Nack(false, false); nackErr != nil {
		c.logger.Error("消息拒绝失败", zap.Error(nackErr), zap.String("message_id", delivery.MessageId))
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, delivery amqp.Delivery) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = c.handler(ctx, delivery); err == nil {
			return nil
		}
		if IsNonRetryableError(err) || attempt >= c.config.MaxRetryAttempts {
			return err
		}
		c.retried.Add(1)
		c.logger.Warn("消息处理失败，稍后重试",
			zap.String("message_id", delivery.MessageId),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-time.After(c.config.RetryInterval):
		case <-ctx.Done():
			return err
		}
	}
}

// IsRunning 检查是否正在运行
func (c *Consumer) IsRunning() bool {
	return c.running.Load()
}

// GetStats 获取统计信息
func (c *Consumer) GetStats() ConsumerStats {
	return ConsumerStats{
		QueueName: c.queueName,
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
		Retried:   c.retried.Load(),
		Running:   c.IsRunning(),
	}
}

// ConsumerStats 消费者统计信息
type ConsumerStats struct {
	QueueName string `json:"queue_name"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Retried   int64  `json:"retried"`
	Running   bool   `json:"running"`
}

// JSONMessageHandler 通用JSON消息处理器，解码失败视为不可重试
func JSONMessageHandler[T any](handler func(ctx context.Context, data T, delivery amqp.Delivery) error) MessageHandler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		var data T
		if err := json.Unmarshal(delivery.Body, &data); err != nil {
			return &NonRetryableError{Err: fmt.Errorf("failed to unmarshal JSON message: %w", err)}
		}
		return handler(ctx, data, delivery)
	}
}

// NonRetryableError 不可重试错误
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable error: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryableError 检查是否为不可重试错误
func IsNonRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nonRetryable *NonRetryableError
	return errors.As(err, &nonRetryable)
}
