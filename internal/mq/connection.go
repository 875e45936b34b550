package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrNotConnected 连接不可用
var ErrNotConnected = errors.New("rabbitmq connection is not available")

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionManager RabbitMQ连接管理器，断线后按配置自动重连
type ConnectionManager struct {
	config *Config
	logger *zap.Logger

	conn      *amqp.Connection
	connMutex sync.RWMutex
	state     atomic.Int32

	channelPool *ChannelPool

	stopCh         chan struct{}
	stopOnce       sync.Once
	reconnectCount atomic.Int32

	// 重连成功后回调，用于重新声明拓扑、重启消费
	onReconnected func()
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(config *Config, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	cm := &ConnectionManager{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	cm.channelPool = NewChannelPool(config.MaxChannels, cm)
	return cm
}

// Connect 建立连接
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if !cm.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connection is already in progress or connected")
	}

	cm.logger.Info("连接RabbitMQ", zap.String("url", cm.config.RedactedURL()))

	if err := cm.dial(ctx); err != nil {
		cm.state.Store(int32(StateDisconnected))
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	cm.logger.Info("RabbitMQ连接成功")
	go cm.monitorConnection()
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) error {
	timeout := cm.config.ConnectionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	conn, err := amqp.DialConfig(cm.config.URL, amqp.Config{
		Heartbeat: cm.config.HeartbeatInterval,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return err
	}

	cm.connMutex.Lock()
	cm.conn = conn
	cm.connMutex.Unlock()
	cm.state.Store(int32(StateConnected))
	return nil
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection() *amqp.Connection {
	cm.connMutex.RLock()
	defer cm.connMutex.RUnlock()
	return cm.conn
}

// GetChannel 获取通道
func (cm *ConnectionManager) GetChannel() (*amqp.Channel, error) {
	return cm.channelPool.Get()
}

// ReturnChannel 归还通道
func (cm *ConnectionManager) ReturnChannel(ch *amqp.Channel) {
	cm.channelPool.Return(ch)
}

// WithChannel 借用一个通道执行 fn
func (cm *ConnectionManager) WithChannel(fn func(*amqp.Channel) error) error {
	return cm.channelPool.WithChannel(fn)
}

// IsConnected 检查是否已连接
func (cm *ConnectionManager) IsConnected() bool {
	return cm.GetState() == StateConnected
}

// GetState 获取连接状态
func (cm *ConnectionManager) GetState() ConnectionState {
	return ConnectionState(cm.state.Load())
}

// OnReconnected 注册重连成功回调
func (cm *ConnectionManager) OnReconnected(fn func()) {
	cm.onReconnected = fn
}

// Close 关闭连接
func (cm *ConnectionManager) Close() error {
	if cm.GetState() == StateClosed {
		return nil
	}
	cm.state.Store(int32(StateClosed))
	cm.logger.Info("关闭RabbitMQ连接")

	cm.stopOnce.Do(func() { close(cm.stopCh) })
	cm.channelPool.Close()

	cm.connMutex.Lock()
	defer cm.connMutex.Unlock()
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

// monitorConnection 监控连接状态
func (cm *ConnectionManager) monitorConnection() {
	conn := cm.GetConnection()
	if conn == nil {
		return
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case err, ok := <-closeCh:
		if ok && err != nil {
			cm.logger.Error("RabbitMQ连接意外关闭", zap.Error(err))
			cm.handleDisconnection(err)
		}
	case <-cm.stopCh:
	}
}

// handleDisconnection 处理连接断开
func (cm *ConnectionManager) handleDisconnection(err error) {
	if !cm.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return
	}
	cm.logger.Warn("RabbitMQ连接断开", zap.Error(err), zap.Bool("reconnect", cm.config.EnableReconnect))

	if cm.config.EnableReconnect {
		go cm.reconnect()
	} else {
		cm.state.Store(int32(StateDisconnected))
	}
}

// reconnect 重连逻辑
func (cm *ConnectionManager) reconnect() {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("重连过程发生panic", zap.Any("panic", r))
		}
	}()

	maxAttempts := cm.config.MaxReconnectAttempts
	for attempt := 1; ; attempt++ {
		select {
		case <-cm.stopCh:
			return
		case <-time.After(cm.config.ReconnectInterval):
		}

		cm.reconnectCount.Add(1)
		cm.logger.Info("尝试重连RabbitMQ", zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts))

		ctx, cancel := context.WithTimeout(context.Background(), cm.config.ConnectionTimeout)
		err := cm.dial(ctx)
		cancel()
		if err == nil {
			cm.logger.Info("RabbitMQ重连成功", zap.Int("attempts", attempt))
			go cm.monitorConnection()
			if cm.onReconnected != nil {
				cm.onReconnected()
			}
			return
		}

		cm.logger.Error("RabbitMQ重连失败", zap.Error(err), zap.Int("attempt", attempt))
		if maxAttempts > 0 && attempt >= maxAttempts {
			cm.logger.Error("RabbitMQ重连失败，达到最大重试次数", zap.Int("max_attempts", maxAttempts))
			cm.state.Store(int32(StateDisconnected))
			return
		}
	}
}

// GetStats 获取连接统计信息
func (cm *ConnectionManager) GetStats() ConnectionStats {
	return ConnectionStats{
		State:            cm.GetState().String(),
		ReconnectCount:   cm.reconnectCount.Load(),
		ChannelPoolStats: cm.channelPool.GetStats(),
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	State            string           `json:"state"`
	ReconnectCount   int32            `json:"reconnect_count"`
	ChannelPoolStats ChannelPoolStats `json:"channel_pool_stats"`
}
