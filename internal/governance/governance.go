// Package governance 只读的调优治理状态（模式、冻结、市场状态）
package governance

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
)

// Store 治理状态存储
type Store interface {
	Get(ctx context.Context, workspaceID uint) (*models.TuningGovernance, error)
}

// Reader 带短 TTL 缓存的治理状态读取，两个循环共用
type Reader struct {
	store Store
	cache *cache.Cache
}

func NewReader(store Store, ttl time.Duration) *Reader {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Reader{store: store, cache: cache.New(ttl, 2*ttl)}
}

// Get 返回治理状态拷贝
func (r *Reader) Get(ctx context.Context, workspaceID uint) (*models.TuningGovernance, error) {
	key := strconv.FormatUint(uint64(workspaceID), 10)
	if v, ok := r.cache.Get(key); ok {
		monitor.IncCacheHit("governance")
		g := *v.(*models.TuningGovernance)
		return &g, nil
	}
	monitor.IncCacheMiss("governance")

	g, err := r.store.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, g)
	cp := *g
	return &cp, nil
}

// Invalidate 清除某个工作区的缓存
func (r *Reader) Invalidate(workspaceID uint) {
	r.cache.Delete(strconv.FormatUint(uint64(workspaceID), 10))
}

// Decision 一次运行的治理结论
type Decision struct {
	Apply  bool                  `json:"apply"`
	Mode   models.GovernanceMode `json:"mode"`
	Frozen bool                  `json:"frozen"`
	Reason string                `json:"reason,omitempty"`
	Regime models.Regime         `json:"regime"`
}

// Decide shadow 或冻结时只计算不落库
func Decide(g *models.TuningGovernance) Decision {
	d := Decision{Apply: true, Mode: models.ModeApply, Regime: models.RegimeUnknown}
	if g == nil {
		return d
	}
	d.Mode = g.Mode
	d.Frozen = g.Frozen
	d.Regime = g.CurrentRegime
	if d.Regime == "" {
		d.Regime = models.RegimeUnknown
	}
	d.Apply = g.CanApply()

	switch {
	case g.Frozen:
		d.Reason = "frozen"
		if g.FreezeReason != "" {
			d.Reason = "frozen: " + g.FreezeReason
		}
	case g.Mode == models.ModeShadow:
		d.Reason = "shadow mode"
	}
	return d
}
