package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/metrics"
)

// AuditSink 接收成功变更的审计记录
type AuditSink interface {
	RecordChange(ctx context.Context, change *domain.StockChange) error
}

// AlertSink 接收低库存告警
type AlertSink interface {
	NotifyLowStock(ctx context.Context, record *domain.StockRecord) error
}

// ErrNotifierClosed 通知器已关闭
var ErrNotifierClosed = errors.New("notifier closed")

const (
	notifyKindAudit = "audit"
	notifyKindAlert = "alert"
)

// NotifierConfig 通知器配置
type NotifierConfig struct {
	QueueSize       int
	Workers         int
	DeliveryTimeout time.Duration
}

// DefaultNotifierConfig 默认配置
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		QueueSize:       1024,
		Workers:         4,
		DeliveryTimeout: 5 * time.Second,
	}
}

type notification struct {
	kind   string
	change *domain.StockChange
	record *domain.StockRecord
}

// Notifier 有界异步分发器
// 入队从不阻塞：队列满时丢弃并记录告警日志；投递失败只记录日志，不影响库存操作结果。
type Notifier struct {
	audit   AuditSink
	alert   AlertSink
	config  *NotifierConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	queue chan notification
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewNotifier 创建通知器，audit/alert 为 nil 时对应事件直接忽略
func NewNotifier(audit AuditSink, alert AlertSink, config *NotifierConfig, m *metrics.Metrics, logger *zap.Logger) *Notifier {
	if config == nil {
		config = DefaultNotifierConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		audit:   audit,
		alert:   alert,
		config:  config,
		metrics: m,
		logger:  logger,
		queue:   make(chan notification, config.QueueSize),
	}
}

// Start 启动投递协程
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.closed {
		return
	}
	n.started = true
	for i := 0; i < n.config.Workers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
}

// Audit 入队一条审计记录，返回是否入队成功
func (n *Notifier) Audit(change *domain.StockChange) bool {
	if n.audit == nil {
		return false
	}
	return n.enqueue(notification{kind: notifyKindAudit, change: change})
}

// Alert 入队一条低库存告警
func (n *Notifier) Alert(record *domain.StockRecord) bool {
	if n.alert == nil {
		return false
	}
	return n.enqueue(notification{kind: notifyKindAlert, record: record.Clone()})
}

func (n *Notifier) enqueue(item notification) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("notifier closed, dropping notification", zap.String("kind", item.kind))
		n.metrics.NotificationDropped(item.kind)
		return false
	}

	select {
	case n.queue <- item:
		return true
	default:
		n.logger.Warn("notification queue full, dropping notification",
			zap.String("kind", item.kind),
			zap.Int("queue_size", n.config.QueueSize),
		)
		n.metrics.NotificationDropped(item.kind)
		return false
	}
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()
	for item := range n.queue {
		n.deliver(id, item)
	}
}

func (n *Notifier) deliver(worker int, item notification) {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.DeliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("notification sink panicked", zap.String("kind", item.kind), zap.Any("panic", r))
			n.metrics.NotificationFailed(item.kind)
		}
	}()

	var err error
	var productID int64
	switch item.kind {
	case notifyKindAudit:
		productID = item.change.ProductID
		err = n.audit.RecordChange(ctx, item.change)
	case notifyKindAlert:
		productID = item.record.ProductID
		err = n.alert.NotifyLowStock(ctx, item.record)
	}
	if err != nil {
		n.logger.Warn("notification delivery failed",
			zap.Int("worker", worker),
			zap.String("kind", item.kind),
			zap.Int64("product_id", productID),
			zap.Error(err),
		)
		n.metrics.NotificationFailed(item.kind)
	}
}

// Close 停止接收并等待队列排空，ctx 到期时返回 ctx.Err()
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNotifierClosed
	}
	n.closed = true
	close(n.queue)
	started := n.started
	n.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogAlertSink 以日志形式输出低库存告警（未启用 MQ 时使用）
type LogAlertSink struct {
	logger *zap.Logger
}

// NewLogAlertSink 创建日志告警
func NewLogAlertSink(logger *zap.Logger) *LogAlertSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlertSink{logger: logger}
}

// NotifyLowStock 实现 AlertSink
func (s *LogAlertSink) NotifyLowStock(_ context.Context, rec *domain.StockRecord) error {
	threshold := 0
	if rec.LowStockThreshold != nil {
		threshold = *rec.LowStockThreshold
	}
	s.logger.Warn("low stock",
		zap.Int64("product_id", rec.ProductID),
		zap.String("product_name", rec.ProductName),
		zap.Int("available_quantity", rec.AvailableQuantity()),
		zap.Int("threshold", threshold),
	)
	return nil
}
