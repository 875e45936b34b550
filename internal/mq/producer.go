package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// ChannelProvider 提供 AMQP 通道，ConnectionManager 实现该接口
type ChannelProvider interface {
	GetChannel() (*amqp.Channel, error)
	ReturnChannel(ch *amqp.Channel)
}

// PublishOptions 发布选项
type PublishOptions struct {
	MessageID string
	Type      string
	Timestamp time.Time
	Headers   amqp.Table
	Mandatory bool
}

// Producer RabbitMQ生产者，支持发布确认与有限次重试
type Producer struct {
	channels ChannelProvider
	config   *ProducerConfig
	logger   *zap.Logger
	appID    string

	published atomic.Int64
	confirmed atomic.Int64
	failed    atomic.Int64
	closed    atomic.Bool
}

// NewProducer 创建生产者
func NewProducer(channels ChannelProvider, config *ProducerConfig, appID string, logger *zap.Logger) *Producer {
	if config == nil {
		config = DefaultConfig().Producer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		channels: channels,
		config:   config,
		logger:   logger,
		appID:    appID,
	}
}

// PublishJSON 以 JSON 编码发布消息
func (p *Producer) PublishJSON(ctx context.Context, exchange, routingKey string, data interface{}, options *PublishOptions) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return p.Publish(ctx, exchange, routingKey, body, options)
}

// Publish 发布消息，失败时按配置重试
func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, body []byte, options *PublishOptions) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	publishing := p.buildPublishing(body, options)
	mandatory := options != nil && options.Mandatory
	maxAttempts := p.config.MaxRetryAttempts + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.publishOnce(ctx, exchange, routingKey, mandatory, publishing)
		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Warn("消息发布失败",
			zap.String("exchange", exchange),
			zap.String("routing_key", routingKey),
			zap.String("message_id", publishing.MessageId),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))

		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(p.config.RetryInterval):
		case <-ctx.Done():
			p.failed.Add(1)
			return ctx.Err()
		}
	}

	p.failed.Add(1)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxAttempts, lastErr)
}

// publishOnce 单次发布，确认模式下等待 broker ack
func (p *Producer) publishOnce(ctx context.Context, exchange, routingKey string, mandatory bool, publishing amqp.Publishing) error {
	ch, err := p.channels.GetChannel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	if !p.config.EnableConfirm {
		if err := ch.PublishWithContext(publishCtx, exchange, routingKey, mandatory, false, publishing); err != nil {
			_ = ch.Close()
			return fmt.Errorf("failed to publish message: %w", err)
		}
		p.published.Add(1)
		p.channels.ReturnChannel(ch)
		return nil
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set confirm mode: %w", err)
	}
	confirmation, err := ch.PublishWithDeferredConfirmWithContext(publishCtx, exchange, routingKey, mandatory, false, publishing)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to publish message: %w", err)
	}
	p.published.Add(1)

	confirmCtx, confirmCancel := context.WithTimeout(ctx, p.config.ConfirmTimeout)
	defer confirmCancel()
	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		// 未确认的通道状态不可知，不再复用
		_ = ch.Close()
		return fmt.Errorf("publish confirmation: %w", err)
	}
	p.channels.ReturnChannel(ch)
	if !acked {
		return fmt.Errorf("message was nacked by broker")
	}
	p.confirmed.Add(1)
	return nil
}

func (p *Producer) buildPublishing(body []byte, options *PublishOptions) amqp.Publishing {
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		AppId:        p.appID,
		Body:         body,
	}
	if options != nil {
		publishing.MessageId = options.MessageID
		publishing.Type = options.Type
		publishing.Headers = options.Headers
		if !options.Timestamp.IsZero() {
			publishing.Timestamp = options.Timestamp
		}
	}
	return publishing
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.closed.Store(true)
	return nil
}

// GetStats 获取统计信息
func (p *Producer) GetStats() ProducerStats {
	return ProducerStats{
		Published: p.published.Load(),
		Confirmed: p.confirmed.Load(),
		Failed:    p.failed.Load(),
		Closed:    p.closed.Load(),
	}
}

// ProducerStats 生产者统计信息
type ProducerStats struct {
	Published int64 `json:"published"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
	Closed    bool  `json:"closed"`
}
