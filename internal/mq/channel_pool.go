package mq

import (
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool 通道池，复用同一连接上的 AMQP 通道
type ChannelPool struct {
	maxSize  int
	channels chan *amqp.Channel
	cm       *ConnectionManager

	mu     sync.RWMutex
	closed bool

	// 统计信息
	created   atomic.Int64
	reused    atomic.Int64
	discarded atomic.Int64
}

// NewChannelPool 创建通道池
func NewChannelPool(maxSize int, cm *ConnectionManager) *ChannelPool {
	return &ChannelPool{
		maxSize:  maxSize,
		channels: make(chan *amqp.Channel, maxSize),
		cm:       cm,
	}
}

// Get 获取通道，池中无可用通道时新建
func (cp *ChannelPool) Get() (*amqp.Channel, error) {
	cp.mu.RLock()
	closed := cp.closed
	cp.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("channel pool is closed")
	}

	for {
		var ch *amqp.Channel
		select {
		case ch = <-cp.channels:
		default:
		}
		if ch == nil {
			break
		}
		if !ch.IsClosed() {
			cp.reused.Add(1)
			return ch, nil
		}
		// 旧连接上的通道
		cp.discarded.Add(1)
	}

	conn := cp.cm.GetConnection()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	cp.created.Add(1)
	return ch, nil
}

// Return 归还通道，池满或已关闭时直接关闭通道
func (cp *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		cp.discarded.Add(1)
		return
	}

	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if cp.closed {
		_ = ch.Close()
		return
	}

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.discarded.Add(1)
	}
}

// Discard 丢弃出错的通道
func (cp *ChannelPool) Discard(ch *amqp.Channel) {
	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}
	cp.discarded.Add(1)
}

// Close 关闭通道池
func (cp *ChannelPool) Close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if ch != nil && !ch.IsClosed() {
			_ = ch.Close()
		}
	}
}

// WithChannel 借用通道执行 fn，fn 出错时通道不再放回池中
func (cp *ChannelPool) WithChannel(fn func(*amqp.Channel) error) error {
	ch, err := cp.Get()
	if err != nil {
		return err
	}
	if err := fn(ch); err != nil {
		cp.Discard(ch)
		return err
	}
	cp.Return(ch)
	return nil
}

// GetStats 获取通道池统计信息
func (cp *ChannelPool) GetStats() ChannelPoolStats {
	cp.mu.RLock()
	closed := cp.closed
	cp.mu.RUnlock()
	return ChannelPoolStats{
		MaxSize:   cp.maxSize,
		Available: len(cp.channels),
		Created:   cp.created.Load(),
		Reused:    cp.reused.Load(),
		Discarded: cp.discarded.Load(),
		Closed:    closed,
	}
}

// ChannelPoolStats 通道池统计信息
type ChannelPoolStats struct {
	MaxSize   int   `json:"max_size"`
	Available int   `json:"available"`
	Created   int64 `json:"created"`
	Reused    int64 `json:"reused"`
	Discarded int64 `json:"discarded"`
	Closed    bool  `json:"closed"`
}
