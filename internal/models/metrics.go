package models

import "time"

// WalletMetrics 外部分析数据源提供的钱包绩效快照
type WalletMetrics struct {
	Address           string    `json:"address"`
	ROI7d             float64   `json:"roi_7d"`
	ROI30d            float64   `json:"roi_30d"`
	ROI90d            float64   `json:"roi_90d"`
	Sharpe            float64   `json:"sharpe"`
	Sortino           float64   `json:"sortino"`
	Volatility        float64   `json:"volatility"`
	WinRate           float64   `json:"win_rate"`
	MaxDrawdown       float64   `json:"max_drawdown"`
	Trades30d         int       `json:"trades_30d"`
	Consistency       float64   `json:"consistency"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	AsOf              time.Time `json:"as_of"`
}

// NormalizedWinRate 胜率统一为 0-1，数据源可能给百分比
func (m *WalletMetrics) NormalizedWinRate() float64 {
	if m.WinRate > 1 {
		return m.WinRate / 100
	}
	return m.WinRate
}

// MarketSignals 市场原始因子
type MarketSignals struct {
	MarketID     string     `json:"market_id"`
	Liquidity    float64    `json:"liquidity"`
	Volume24h    float64    `json:"volume_24h"`
	PriceChange  float64    `json:"price_change_24h"`
	Spread       float64    `json:"spread"`
	SignalHits   int        `json:"signal_hits"`
	SignalsTotal int        `json:"signals_total"`
	LastTradeAt  time.Time  `json:"last_trade_at"`
	ListedAt     *time.Time `json:"listed_at,omitempty"`
	Upside       *float64   `json:"upside,omitempty"`
}
