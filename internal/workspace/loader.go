// Package workspace 同步需要调度的工作区集合，为每个工作区启动或停止控制循环
package workspace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/pkg/goplus"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// Source 工作区来源
type Source interface {
	ListIDs(ctx context.Context) ([]uint, error)
}

// Loop 单个工作区的控制循环，ctx 结束时返回
type Loop struct {
	Name string
	Run  func(ctx context.Context, workspaceID uint)
}

// Loader 工作区加载器 - 周期性从配置表加载工作区，新增时启动循环，消失超过宽限期后停止
type Loader struct {
	source        Source
	loops         []Loop
	interval      time.Duration
	removeGrace   time.Duration
	running       map[uint]context.CancelFunc
	pendingRemove map[uint]time.Time // 待移除工作区 → 发现消失的时间
	group         *goplus.WaitGroup
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	now           func() time.Time
}

func NewLoader(source Source, loops []Loop, interval, removeGrace time.Duration) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
		interval = time.Minute
	}
	return &Loader{
		source:        source,
		loops:         loops,
		interval:      interval,
		removeGrace:   removeGrace,
		running:       make(map[uint]context.CancelFunc),
		pendingRemove: make(map[uint]time.Time),
		group:         goplus.NewWaitGroup(),
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}
}

// Start 首次同步失败时返回错误，之后的失败只记录日志
func (l *Loader) Start() error {
	if err := l.Sync(l.ctx); err != nil {
		return err
	}

	goplus.Go(func() {
		l.periodicReload()
	})
	return nil
}

func (l *Loader) periodicReload() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.Sync(l.ctx); err != nil {
				logger.Error().Err(err).Msg("workspace reload failed")
			}
		}
	}
}

// Sync 对比工作区集合并启动或停止循环
func (l *Loader) Sync(ctx context.Context) error {
	ids, err := l.source.ListIDs(ctx)
	if err != nil {
		return err
	}
	current := make(map[uint]bool, len(ids))
	for _, id := range ids {
		current[id] = true
	}

	now := l.now()

	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		return nil
	}

	var added, removed []uint
	var recovered int

	for id := range current {
		if _, ok := l.running[id]; !ok {
			l.start(id)
			added = append(added, id)
		}
		// 工作区恢复：从 pending 中移除
		if _, pending := l.pendingRemove[id]; pending {
			delete(l.pendingRemove, id)
			recovered++
		}
	}

	for id := range l.running {
		if current[id] {
			continue
		}
		if _, pending := l.pendingRemove[id]; !pending {
			l.pendingRemove[id] = now
		}
	}

	// 宽限期到期的工作区
	for id, since := range l.pendingRemove {
		if now.Sub(since) >= l.removeGrace {
			l.stop(id)
			delete(l.pendingRemove, id)
			removed = append(removed, id)
		}
	}
	count, pending := len(l.running), len(l.pendingRemove)
	l.mu.Unlock()

	monitor.SetWorkspacesScheduled(count)
	for _, id := range removed {
		monitor.DeleteWorkspace(id)
	}

	if recovered > 0 {
		logger.Info().Int("recovered", recovered).Msg("workspaces recovered from pending removal")
	}
	logger.Info().
		Int("total", len(current)).
		Int("added", len(added)).
		Int("removed", len(removed)).
		Int("pending_remove", pending).
		Msg("workspace sync completed")
	return nil
}

// start 调用方持有 mu
func (l *Loader) start(id uint) {
	ctx, cancel := context.WithCancel(l.ctx)
	l.running[id] = cancel
	for _, loop := range l.loops {
		loop := loop
		l.group.Go(func() {
			loop.Run(ctx, id)
		})
	}
	logger.Info().Uint("workspace_id", id).Int("loops", len(l.loops)).Msg("workspace scheduled")
}

// stop 调用方持有 mu
func (l *Loader) stop(id uint) {
	if cancel, ok := l.running[id]; ok {
		cancel()
		delete(l.running, id)
		logger.Info().Uint("workspace_id", id).Msg("workspace unscheduled (grace expired)")
	}
}

// WorkspaceCount 当前调度中的工作区数
func (l *Loader) WorkspaceCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.running)
}

// Workspaces 当前调度中的工作区
func (l *Loader) Workspaces() []uint {
	l.mu.RLock()
	ids := make([]uint, 0, len(l.running))
	for id := range l.running {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stop 停止加载器并等待所有循环退出
func (l *Loader) Stop() {
	l.mu.Lock()
	l.cancel()
	for id := range l.running {
		l.stop(id)
	}
	l.mu.Unlock()
	l.group.Wait()
}
