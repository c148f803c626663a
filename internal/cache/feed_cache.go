package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/utrading/utrading-roster-optimizer/internal/feed"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
)

const (
	typeWalletMetrics = "wallet_metrics"
	typeCandidates    = "candidates"
	typeMarketSignals = "market_signals"
	typeMarkets       = "markets"
)

// FeedCache 数据源快照缓存，同一轮预览与应用使用同一份指标
// 缓存返回拷贝，调用方修改不影响缓存内容
type FeedCache struct {
	next  feed.Provider
	cache *cache.Cache // go-cache 内置 TTL 和自动清理
	ttl   time.Duration
}

var _ feed.Provider = (*FeedCache)(nil)

// NewFeedCache ttl 为 0 时不缓存
func NewFeedCache(next feed.Provider, ttl time.Duration) *FeedCache {
	cleanup := ttl * 2
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &FeedCache{
		next:  next,
		cache: cache.New(ttl, cleanup),
		ttl:   ttl,
	}
}

func (c *FeedCache) GetWalletMetrics(ctx context.Context, address string) (*models.WalletMetrics, error) {
	key := typeWalletMetrics + ":" + address
	if v, ok := c.lookup(key, typeWalletMetrics); ok {
		m := *v.(*models.WalletMetrics)
		return &m, nil
	}

	m, err := c.next.GetWalletMetrics(ctx, address)
	if err != nil {
		return nil, err
	}
	c.store(key, m)
	cp := *m
	return &cp, nil
}

func (c *FeedCache) ListCandidateWallets(ctx context.Context, criteria models.OptimizerCriteria) ([]*models.WalletMetrics, error) {
	key := fmt.Sprintf("%s:%v:%v:%v:%d", typeCandidates,
		criteria.MinROI30d, criteria.MinSharpe, criteria.MinWinRate, criteria.MinTrades30d)
	if v, ok := c.lookup(key, typeCandidates); ok {
		return copyMetrics(v.([]*models.WalletMetrics)), nil
	}

	list, err := c.next.ListCandidateWallets(ctx, criteria)
	if err != nil {
		return nil, err
	}
	c.store(key, list)
	for _, m := range list {
		c.store(typeWalletMetrics+":"+m.Address, m)
	}
	return copyMetrics(list), nil
}

func (c *FeedCache) GetMarketSignals(ctx context.Context, marketID string) (*models.MarketSignals, error) {
	key := typeMarketSignals + ":" + marketID
	if v, ok := c.lookup(key, typeMarketSignals); ok {
		s := *v.(*models.MarketSignals)
		return &s, nil
	}

	s, err := c.next.GetMarketSignals(ctx, marketID)
	if err != nil {
		return nil, err
	}
	c.store(key, s)
	cp := *s
	return &cp, nil
}

func (c *FeedCache) ListMarkets(ctx context.Context) ([]string, error) {
	if v, ok := c.lookup(typeMarkets, typeMarkets); ok {
		return append([]string(nil), v.([]string)...), nil
	}

	ids, err := c.next.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	c.store(typeMarkets, ids)
	return append([]string(nil), ids...), nil
}

// Invalidate 清空缓存，手动触发优化时使用最新数据
func (c *FeedCache) Invalidate() {
	c.cache.Flush()
}

// Stats 获取统计信息
func (c *FeedCache) Stats() map[string]any {
	return map[string]any{
		"entries": c.cache.ItemCount(),
		"ttl":     c.ttl.String(),
	}
}

func (c *FeedCache) lookup(key, cacheType string) (any, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	v, ok := c.cache.Get(key)
	if ok {
		monitor.IncCacheHit(cacheType)
	} else {
		monitor.IncCacheMiss(cacheType)
	}
	return v, ok
}

func (c *FeedCache) store(key string, v any) {
	if c.ttl <= 0 {
		return
	}
	c.cache.Set(key, v, cache.DefaultExpiration)
}

func copyMetrics(list []*models.WalletMetrics) []*models.WalletMetrics {
	out := make([]*models.WalletMetrics, len(list))
	for i, m := range list {
		cp := *m
		out[i] = &cp
	}
	return out
}
