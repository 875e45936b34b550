package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLocker 进程内互斥实现，用于单机部署与测试
// 条目只在存在持有者或等待者时保留，不会随 key 数量无界增长。
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	sem   chan struct{}
	refs  int // 持有者 + 等待者
	held  bool
	token uint64
	timer *time.Timer
}

// NewMemoryLocker 创建进程内锁
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memoryEntry)}
}

// Acquire 实现 Locker
func (l *MemoryLocker) Acquire(ctx context.Context, key string, hold, wait time.Duration) (Lease, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &memoryEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
	case <-timer.C:
		l.unref(key, e)
		return nil, fmt.Errorf("%w: %s after %s", ErrNotObtained, key, wait)
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}

	l.mu.Lock()
	e.token++
	e.held = true
	tok := e.token
	e.timer = time.AfterFunc(hold, func() { _ = l.release(key, e, tok) })
	l.mu.Unlock()

	return &memoryLease{locker: l, key: key, entry: e, token: tok}, nil
}

// Len 返回当前存活的条目数
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLocker) release(key string, e *memoryEntry, tok uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !e.held || e.token != tok {
		return fmt.Errorf("%w: %s", ErrLeaseExpired, key)
	}
	e.held = false
	if e.timer != nil {
		e.timer.Stop()
	}
	<-e.sem
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	return nil
}

func (l *MemoryLocker) unref(key string, e *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	entry  *memoryEntry
	token  uint64
}

func (m *memoryLease) Key() string { return m.key }

func (m *memoryLease) Release(_ context.Context) error {
	return m.locker.release(m.key, m.entry, m.token)
}
