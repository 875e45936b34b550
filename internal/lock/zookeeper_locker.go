package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZookeeperLocker 基于临时顺序节点的公平锁
// 等待者按节点序号排队，只监听前驱节点；持有者会话失效时节点自动删除。
// 租约由本地定时器实现：到期后删除自己的节点。
type ZookeeperLocker struct {
	conn   *zk.Conn
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	paths map[string]struct{} // 已确认存在的锁目录
}

// NewZookeeperLocker 连接 ZooKeeper 并等待会话建立
func NewZookeeperLocker(servers []string, sessionTimeout time.Duration, root string, logger *zap.Logger) (*ZookeeperLocker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper: %w", err)
	}

	deadline := time.NewTimer(sessionTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				l := &ZookeeperLocker{conn: conn, root: strings.TrimRight(root, "/"), logger: logger, paths: make(map[string]struct{})}
				if err := l.ensurePath(l.root); err != nil {
					conn.Close()
					return nil, err
				}
				go l.watchSession(events)
				return l, nil
			}
		case <-deadline.C:
			conn.Close()
			return nil, fmt.Errorf("zookeeper session not established within %s", sessionTimeout)
		}
	}
}

func (l *ZookeeperLocker) watchSession(events <-chan zk.Event) {
	for ev := range events {
		switch ev.State {
		case zk.StateExpired:
			l.logger.Error("zookeeper session expired, held locks are lost")
		case zk.StateDisconnected:
			l.logger.Warn("zookeeper disconnected")
		case zk.StateHasSession:
			l.logger.Info("zookeeper session established")
		}
	}
}

// Close 关闭会话，会话内的全部锁节点随之删除
func (l *ZookeeperLocker) Close() {
	l.conn.Close()
}

// Acquire 实现 Locker
func (l *ZookeeperLocker) Acquire(ctx context.Context, key string, hold, wait time.Duration) (Lease, error) {
	lockPath := l.root + "/" + key
	if err := l.ensurePath(lockPath); err != nil {
		return nil, err
	}

	node, err := l.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, fmt.Errorf("failed to create sequential node: %w", err)
	}
	myName := strings.TrimPrefix(node, lockPath+"/")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		children, _, err := l.conn.Children(lockPath)
		if err != nil {
			l.abandon(node)
			return nil, fmt.Errorf("failed to list lock nodes: %w", err)
		}
		sortBySequence(children)

		idx := indexOf(children, myName)
		if idx < 0 {
			// 节点已丢失（会话过期）
			return nil, fmt.Errorf("lock node %s vanished while waiting", node)
		}
		if idx == 0 {
			return l.newLease(key, node, hold), nil
		}

		prev := lockPath + "/" + children[idx-1]
		exists, _, watch, err := l.conn.ExistsW(prev)
		if err != nil {
			l.abandon(node)
			return nil, fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-watch:
		case <-timer.C:
			l.abandon(node)
			return nil, fmt.Errorf("%w: %s after %s", ErrNotObtained, key, wait)
		case <-ctx.Done():
			l.abandon(node)
			return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
		}
	}
}

func (l *ZookeeperLocker) newLease(key, node string, hold time.Duration) *zkLease {
	lease := &zkLease{locker: l, key: key, node: node}
	lease.timer = time.AfterFunc(hold, func() {
		if lease.markDone() {
			l.logger.Warn("lock lease expired, reclaiming node", zap.String("key", key), zap.String("node", node))
			l.abandon(node)
		}
	})
	return lease
}

// abandon 删除自己的节点，后继等待者因此被唤醒
func (l *ZookeeperLocker) abandon(node string) {
	if err := l.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		l.logger.Warn("failed to delete lock node", zap.String("node", node), zap.Error(err))
	}
}

// ensurePath 逐级创建持久节点
func (l *ZookeeperLocker) ensurePath(path string) error {
	l.mu.Lock()
	_, ok := l.paths[path]
	l.mu.Unlock()
	if ok {
		return nil
	}

	cur := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		cur += "/" + part
		exists, _, err := l.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("failed to check node %s: %w", cur, err)
		}
		if exists {
			continue
		}
		if _, err := l.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create node %s: %w", cur, err)
		}
	}

	l.mu.Lock()
	l.paths[path] = struct{}{}
	l.mu.Unlock()
	return nil
}

type zkLease struct {
	locker *ZookeeperLocker
	key    string
	node   string
	timer  *time.Timer

	mu   sync.Mutex
	done bool
}

func (z *zkLease) Key() string { return z.key }

func (z *zkLease) markDone() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.done {
		return false
	}
	z.done = true
	return true
}

func (z *zkLease) Release(_ context.Context) error {
	z.timer.Stop()
	if !z.markDone() {
		return fmt.Errorf("%w: %s", ErrLeaseExpired, z.key)
	}
	if err := z.locker.conn.Delete(z.node, -1); err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return fmt.Errorf("%w: %s", ErrLeaseExpired, z.key)
		}
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	return nil
}

// sortBySequence 按顺序号排序；受保护节点名带 GUID 前缀，不能直接按名字排序
func sortBySequence(children []string) {
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})
}

func sequenceOf(name string) string {
	if len(name) < 10 {
		return name
	}
	return name[len(name)-10:]
}

func indexOf(items []string, target string) int {
	for i, it := range items {
		if it == target {
			return i
		}
	}
	return -1
}
