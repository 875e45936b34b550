package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/config"
	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/repo"
)

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.MQConfig{
		URL:         "amqp://stock:secret@mq:5672/inv",
		Exchange:    "inv.events",
		AuditQueue:  "inv.audit",
		Consumers:   5,
		PrefetchCnt: 50,
	})

	if cfg.Topology.Exchange != "inv.events" || cfg.Topology.AuditQueue != "inv.audit" {
		t.Errorf("topology not applied: %+v", cfg.Topology)
	}
	if cfg.Consumer.ConcurrentConsumers != 5 || cfg.Consumer.PrefetchCount != 50 {
		t.Errorf("consumer not applied: %+v", cfg.Consumer)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if strings.Contains(cfg.RedactedURL(), "secret") {
		t.Errorf("RedactedURL() leaks password: %s", cfg.RedactedURL())
	}

	defaults := FromAppConfig(config.MQConfig{})
	if defaults.Topology.Exchange != DefaultTopology().Exchange {
		t.Errorf("empty exchange should keep default, got %q", defaults.Topology.Exchange)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.URL = "http://localhost" }},
		{"no channels", func(c *Config) { c.MaxChannels = 0 }},
		{"no timeout", func(c *Config) { c.ConnectionTimeout = 0 }},
		{"nil topology", func(c *Config) { c.Topology = nil }},
		{"dlx same as exchange", func(c *Config) { c.Topology.DLXExchange = c.Topology.Exchange }},
		{"negative producer retries", func(c *Config) { c.Producer.MaxRetryAttempts = -1 }},
		{"no consumers", func(c *Config) { c.Consumer.ConcurrentConsumers = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestIsNonRetryableError(t *testing.T) {
	testCases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("db down"), false},
		{&NonRetryableError{Err: errors.New("bad payload")}, true},
		{fmt.Errorf("wrapped: %w", &NonRetryableError{Err: errEmptyChange}), true},
		{context.DeadlineExceeded, true},
	}
	for _, tc := range testCases {
		if got := IsNonRetryableError(tc.err); got != tc.want {
			t.Errorf("IsNonRetryableError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

// recordingPublisher 记录发布的消息
type recordingPublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
}

type published struct {
	exchange, routingKey string
	body                 []byte
	options              *PublishOptions
}

func (p *recordingPublisher) PublishJSON(_ context.Context, exchange, routingKey string, data interface{}, options *PublishOptions) error {
	if p.err != nil {
		return p.err
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{exchange, routingKey, body, options})
	return nil
}

func TestStockEventPublisher_RecordChange(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewStockEventPublisher(pub, "stock.events", "stock-engine", zap.NewNop())

	change := &domain.StockChange{
		EventID:       "evt-1",
		ProductID:     42,
		OperationType: domain.OpReserve,
		Quantity:      3,
		BeforeStock:   10,
		AfterStock:    10,
		AfterFrozen:   3,
		OperatorID:    "op-1",
	}
	if err := p.RecordChange(context.Background(), change); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	if len(pub.sent) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.sent))
	}
	got := pub.sent[0]
	if got.exchange != "stock.events" || got.routingKey != RoutingKeyStockChange {
		t.Errorf("published to %s/%s", got.exchange, got.routingKey)
	}
	if got.options.MessageID != "evt-1" || got.options.Headers["product-id"] != "42" {
		t.Errorf("unexpected options %+v", got.options)
	}

	var msg StockChangeMessage
	if err := json.Unmarshal(got.body, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MessageTypeStockChange || msg.Source != "stock-engine" || msg.Data.AfterFrozen != 3 {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestStockEventPublisher_NotifyLowStock(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewStockEventPublisher(pub, "stock.events", "stock-engine", nil)

	threshold := 5
	record := &domain.StockRecord{ProductID: 7, ProductName: "widget", StockQuantity: 8, FrozenQuantity: 4, LowStockThreshold: &threshold}
	if err := p.NotifyLowStock(context.Background(), record); err != nil {
		t.Fatalf("NotifyLowStock() error = %v", err)
	}

	got := pub.sent[0]
	if got.routingKey != RoutingKeyLowStockAlert {
		t.Errorf("routing key = %s", got.routingKey)
	}
	var msg LowStockAlertMessage
	if err := json.Unmarshal(got.body, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Data.AvailableQuantity != 4 || msg.Data.Threshold != 5 || msg.Data.EventID == "" {
		t.Errorf("unexpected alert %+v", msg.Data)
	}

	pub.err = errors.New("broker unavailable")
	if err := p.NotifyLowStock(context.Background(), record); err == nil {
		t.Error("publish error should be returned")
	}
}

// failingLogRepo 写入失败的日志仓储
type failingLogRepo struct{ *repo.MemoryStockLogRepository }

func (failingLogRepo) RecordChange(context.Context, *domain.StockChange) error {
	return errors.New("mysql gone")
}

func delivery(t *testing.T, v interface{}) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Body: body}
}

func TestAuditConsumer_Handler(t *testing.T) {
	ctx := context.Background()
	logs := repo.NewMemoryStockLogRepository()
	handler := NewAuditConsumer(nil, "stock.change.audit", logs, nil, zap.NewNop()).Handler()

	change := &domain.StockChange{EventID: "evt-9", ProductID: 9, OperationType: domain.OpStockIn, Quantity: 5, AfterStock: 5}
	msg := NewStockChangeMessage(change, "test")

	// 重复投递只写入一条
	for i := 0; i < 2; i++ {
		if err := handler(ctx, delivery(t, msg)); err != nil {
			t.Fatalf("handler() error = %v", err)
		}
	}
	rows, _ := logs.ListByProduct(ctx, 9, 10)
	if len(rows) != 1 || rows[0].EventID != "evt-9" || rows[0].AfterStock != 5 {
		t.Fatalf("unexpected rows %+v", rows)
	}

	testCases := []struct {
		name string
		d    amqp.Delivery
	}{
		{"malformed json", amqp.Delivery{Body: []byte("{")}},
		{"wrong type", delivery(t, &StockChangeMessage{ID: "x", Type: MessageTypeLowStockAlert, Data: change})},
		{"missing data", delivery(t, &StockChangeMessage{ID: "x", Type: MessageTypeStockChange})},
		{"missing product", delivery(t, &StockChangeMessage{ID: "x", Type: MessageTypeStockChange, Data: &domain.StockChange{EventID: "x"}})},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := handler(ctx, tc.d); !IsNonRetryableError(err) {
				t.Errorf("expected non-retryable error, got %v", err)
			}
		})
	}

	broken := NewAuditConsumer(nil, "q", failingLogRepo{logs}, nil, nil).Handler()
	err := broken(ctx, delivery(t, NewStockChangeMessage(&domain.StockChange{EventID: "evt-10", ProductID: 9}, "test")))
	if err == nil || IsNonRetryableError(err) {
		t.Errorf("storage failure should be retryable, got %v", err)
	}
}

func TestStockEvents_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping RabbitMQ test in short mode")
	}

	cfg := DefaultConfig()
	cfg.Topology = &Topology{
		Exchange:    fmt.Sprintf("test.stock.events.%d", time.Now().UnixNano()),
		AuditQueue:  fmt.Sprintf("test.stock.audit.%d", time.Now().UnixNano()),
		DLXExchange: "test.stock.dlx",
		DLXQueue:    "test.stock.dead",
	}
	cm := NewConnectionManager(cfg, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cm.Connect(ctx); err != nil {
		t.Skipf("Skipping RabbitMQ test, cannot connect: %v", err)
	}
	t.Cleanup(func() {
		_ = cm.WithChannel(func(ch *amqp.Channel) error {
			_, _ = ch.QueueDelete(cfg.Topology.AuditQueue, false, false, false)
			return ch.ExchangeDelete(cfg.Topology.Exchange, false, false)
		})
		_ = cm.Close()
	})

	if err := cfg.Topology.Declare(ctx, cm, zap.NewNop()); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	logs := repo.NewMemoryStockLogRepository()
	consumer := NewAuditConsumer(cm, cfg.Topology.AuditQueue, logs, cfg.Consumer, zap.NewNop())
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer consumer.Stop()

	publisher := NewStockEventPublisher(NewProducer(cm, cfg.Producer, "test", nil), cfg.Topology.Exchange, "test", nil)
	change := &domain.StockChange{EventID: "rt-1", ProductID: 77, OperationType: domain.OpStockOut, Quantity: 1}
	if err := publisher.RecordChange(ctx, change); err != nil {
		t.Fatalf("RecordChange() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rows, _ := logs.ListByProduct(ctx, 77, 1); len(rows) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("audit row was not persisted")
}
