// Package feed 对接外部钱包分析数据源
package feed

import (
	"context"
	"errors"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

// ErrNotFound 数据源没有该钱包或市场
var ErrNotFound = errors.New("feed: not found")

// Provider 钱包与市场指标快照
type Provider interface {
	GetWalletMetrics(ctx context.Context, address string) (*models.WalletMetrics, error)
	ListCandidateWallets(ctx context.Context, criteria models.OptimizerCriteria) ([]*models.WalletMetrics, error)
	GetMarketSignals(ctx context.Context, marketID string) (*models.MarketSignals, error)
	ListMarkets(ctx context.Context) ([]string, error)
}
