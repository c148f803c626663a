package goplus

import (
	"sync"
	"sync/atomic"
)

var (
	defaultGroup     *WaitGroup
	defaultGroupOnce sync.Once
)

// DefaultGroup 进程级 goroutine 组，用于优雅退出时等待
func DefaultGroup() *WaitGroup {
	defaultGroupOnce.Do(func() {
		defaultGroup = NewWaitGroup()
	})
	return defaultGroup
}

// Go 在默认组中启动带 panic 恢复的 goroutine
func Go(fn func()) {
	DefaultGroup().Go(fn)
}

func Wait() {
	DefaultGroup().Wait()
}

// Running 默认组中正在运行的 goroutine 数
func Running() int64 {
	return DefaultGroup().running.Load()
}

type WaitGroup struct {
	wg      sync.WaitGroup
	running atomic.Int64
}

func NewWaitGroup() *WaitGroup {
	return &WaitGroup{}
}

func (g *WaitGroup) Go(fn func()) {
	g.running.Add(1)
	g.wg.Add(1)

	go func() {
		defer func() {
			g.running.Add(-1)
			g.wg.Done()
		}()
		defer Recover()

		fn()
	}()
}

func (g *WaitGroup) Wait() {
	g.wg.Wait()
}
