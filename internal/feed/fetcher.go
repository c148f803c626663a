package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// Fetcher 用协程池并发拉取多个钱包或市场的快照
type Fetcher struct {
	provider Provider
	pool     *ants.Pool
}

func NewFetcher(provider Provider, concurrency int) (*Fetcher, error) {
	if concurrency <= 0 {
		concurrency = 16
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("create feed pool: %w", err)
	}
	return &Fetcher{provider: provider, pool: pool}, nil
}

func (f *Fetcher) Provider() Provider {
	return f.provider
}

// WalletMetrics 批量获取钱包指标，数据源没有的钱包直接跳过
// 只有全部请求都失败时才返回错误
func (f *Fetcher) WalletMetrics(ctx context.Context, addresses []string) (map[string]*models.WalletMetrics, error) {
	return fanOut(ctx, f.pool, addresses, f.provider.GetWalletMetrics)
}

// MarketSignals 批量获取市场因子
func (f *Fetcher) MarketSignals(ctx context.Context, marketIDs []string) (map[string]*models.MarketSignals, error) {
	return fanOut(ctx, f.pool, marketIDs, f.provider.GetMarketSignals)
}

func (f *Fetcher) Close() {
	f.pool.Release()
}

func fanOut[T any](ctx context.Context, pool *ants.Pool, keys []string, fetch func(context.Context, string) (T, error)) (map[string]T, error) {
	out := make(map[string]T, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
		lastErr  error
	)

	run := func(key string) {
		defer wg.Done()

		v, err := fetch(ctx, key)

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			out[key] = v
		case errors.Is(err, ErrNotFound):
			logger.Debug().Str("key", key).Msg("feed has no snapshot, skipped")
		default:
			failures++
			lastErr = err
			logger.Warn().Err(err).Str("key", key).Msg("feed fetch failed")
		}
	}

	for _, key := range keys {
		k := key
		wg.Add(1)
		if err := pool.Submit(func() { run(k) }); err != nil {
			// 池已满或已释放，降级为同步执行
			run(k)
		}
	}
	wg.Wait()

	if failures == len(keys) {
		return nil, fmt.Errorf("all %d feed requests failed: %w", failures, lastErr)
	}
	return out, nil
}
