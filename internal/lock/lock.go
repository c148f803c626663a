// Package lock 工作区级互斥，保证同一工作区同一时刻只有一个优化或扫描在执行
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/utrading/utrading-roster-optimizer/pkg/concurrent"
)

// ErrNotAcquired TryLock 时锁已被占用
var ErrNotAcquired = errors.New("lock is held by another runner")

// Unlock 释放锁，可重复调用
type Unlock func()

type Locker interface {
	// Lock 阻塞直到获得锁或 ctx 结束
	Lock(ctx context.Context, key string) (Unlock, error)
	// TryLock 锁被占用时立即返回 ErrNotAcquired
	TryLock(ctx context.Context, key string) (Unlock, error)
}

// WorkspaceKey 工作区锁的 key
func WorkspaceKey(kind string, workspaceID uint) string {
	return fmt.Sprintf("roster:lock:%s:%d", kind, workspaceID)
}

// Local 进程内锁，单实例部署使用
// 每个 key 一个容量为 1 的通道，工作区数量有限，通道不回收
type Local struct {
	slots concurrent.Map[string, chan struct{}]
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) slot(key string) chan struct{} {
	if ch, ok := l.slots.Load(key); ok {
		return ch
	}
	ch, _ := l.slots.LoadOrStore(key, make(chan struct{}, 1))
	return ch
}

// Keys 已使用过的锁 key
func (l *Local) Keys() []string {
	return l.slots.Keys()
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return release(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) TryLock(_ context.Context, key string) (Unlock, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return release(ch), nil
	default:
		return nil, ErrNotAcquired
	}
}

func release(ch chan struct{}) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}
