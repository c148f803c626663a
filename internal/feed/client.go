package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// ErrUnavailable 熔断打开或被限流取消
var ErrUnavailable = errors.New("feed: unavailable")

type Config struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

// Client HTTP 数据源客户端，请求经过限流与熔断
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}

	log := logger.Component("feed")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "analytics-feed",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("feed circuit breaker state changed")
		},
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker: breaker,
	}
}

// BreakerState 熔断器状态，用于健康检查
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) GetWalletMetrics(ctx context.Context, address string) (*models.WalletMetrics, error) {
	body, err := c.get(ctx, "/v1/wallets/"+url.PathEscape(address)+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, address)
	}
	m := parseWalletMetrics(data)
	if m.Address == "" {
		m.Address = address
	}
	return m, nil
}

func (c *Client) ListCandidateWallets(ctx context.Context, criteria models.OptimizerCriteria) ([]*models.WalletMetrics, error) {
	q := url.Values{}
	q.Set("min_roi_30d", cast.ToString(criteria.MinROI30d))
	q.Set("min_sharpe", cast.ToString(criteria.MinSharpe))
	q.Set("min_win_rate", cast.ToString(criteria.MinWinRate))
	q.Set("min_trades_30d", cast.ToString(criteria.MinTrades30d))

	body, err := c.get(ctx, "/v1/wallets/candidates", q)
	if err != nil {
		return nil, err
	}

	var out []*models.WalletMetrics
	gjson.GetBytes(body, "data").ForEach(func(_, v gjson.Result) bool {
		m := parseWalletMetrics(v)
		if m.Address != "" {
			out = append(out, m)
		}
		return true
	})
	return out, nil
}

func (c *Client) GetMarketSignals(ctx context.Context, marketID string) (*models.MarketSignals, error) {
	body, err := c.get(ctx, "/v1/markets/"+url.PathEscape(marketID)+"/signals", nil)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, marketID)
	}
	s := parseMarketSignals(data)
	if s.MarketID == "" {
		s.MarketID = marketID
	}
	return s, nil
}

func (c *Client) ListMarkets(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/v1/markets", nil)
	if err != nil {
		return nil, err
	}

	var ids []string
	gjson.GetBytes(body, "data.#.market_id").ForEach(func(_, v gjson.Result) bool {
		if id := v.String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		case resp.StatusCode >= 300:
			msg := gjson.GetBytes(body, "error").String()
			return nil, fmt.Errorf("feed %s: status %d %s", path, resp.StatusCode, msg)
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return res.([]byte), nil
}

func parseWalletMetrics(v gjson.Result) *models.WalletMetrics {
	return &models.WalletMetrics{
		Address:           v.Get("address").String(),
		ROI7d:             v.Get("roi_7d").Float(),
		ROI30d:            v.Get("roi_30d").Float(),
		ROI90d:            v.Get("roi_90d").Float(),
		Sharpe:            v.Get("sharpe").Float(),
		Sortino:           v.Get("sortino").Float(),
		Volatility:        v.Get("volatility").Float(),
		WinRate:           v.Get("win_rate").Float(),
		MaxDrawdown:       v.Get("max_drawdown").Float(),
		Trades30d:         int(v.Get("trades_30d").Int()),
		Consistency:       v.Get("consistency").Float(),
		ConsecutiveLosses: int(v.Get("consecutive_losses").Int()),
		AsOf:              parseTime(v.Get("as_of")),
	}
}

func parseMarketSignals(v gjson.Result) *models.MarketSignals {
	s := &models.MarketSignals{
		MarketID:     v.Get("market_id").String(),
		Liquidity:    v.Get("liquidity").Float(),
		Volume24h:    v.Get("volume_24h").Float(),
		PriceChange:  v.Get("price_change_24h").Float(),
		Spread:       v.Get("spread").Float(),
		SignalHits:   int(v.Get("signal_hits").Int()),
		SignalsTotal: int(v.Get("signals_total").Int()),
		LastTradeAt:  parseTime(v.Get("last_trade_at")),
	}
	if listed := v.Get("listed_at"); listed.Exists() && listed.Type != gjson.Null {
		t := parseTime(listed)
		s.ListedAt = &t
	}
	if upside := v.Get("upside"); upside.Exists() && upside.Type != gjson.Null {
		u := upside.Float()
		s.Upside = &u
	}
	return s
}

// parseTime 支持 RFC3339 字符串与秒/毫秒时间戳
func parseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	case gjson.String:
		t, err := time.Parse(time.RFC3339, v.String())
		if err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
