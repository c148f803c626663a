// Package feedtest 内存数据源，用于测试
package feedtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/utrading/utrading-roster-optimizer/internal/feed"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

type Provider struct {
	mu         sync.Mutex
	wallets    map[string]*models.WalletMetrics
	candidates []string
	markets    map[string]*models.MarketSignals
	calls      map[string]int
	Err        error // 非空时所有请求返回该错误
}

var _ feed.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		wallets: make(map[string]*models.WalletMetrics),
		markets: make(map[string]*models.MarketSignals),
		calls:   make(map[string]int),
	}
}

// SetWallet 设置钱包指标
func (p *Provider) SetWallet(m *models.WalletMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *m
	p.wallets[m.Address] = &cp
}

// SetCandidates 设置候选池，地址需先 SetWallet
func (p *Provider) SetCandidates(addrs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append([]string(nil), addrs...)
}

func (p *Provider) SetMarket(s *models.MarketSignals) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *s
	p.markets[s.MarketID] = &cp
}

// Calls 某个方法被调用的次数
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *Provider) hit(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[method]++
	return p.Err
}

func (p *Provider) GetWalletMetrics(_ context.Context, address string) (*models.WalletMetrics, error) {
	if err := p.hit("GetWalletMetrics"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.wallets[address]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", feed.ErrNotFound, address)
	}
	cp := *m
	return &cp, nil
}

func (p *Provider) ListCandidateWallets(_ context.Context, criteria models.OptimizerCriteria) ([]*models.WalletMetrics, error) {
	if err := p.hit("ListCandidateWallets"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.WalletMetrics
	for _, addr := range p.candidates {
		m, ok := p.wallets[addr]
		if !ok || !criteria.Accepts(m) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (p *Provider) GetMarketSignals(_ context.Context, marketID string) (*models.MarketSignals, error) {
	if err := p.hit("GetMarketSignals"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", feed.ErrNotFound, marketID)
	}
	cp := *s
	return &cp, nil
}

func (p *Provider) ListMarkets(_ context.Context) ([]string, error) {
	if err := p.hit("ListMarkets"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.markets))
	for id := range p.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
