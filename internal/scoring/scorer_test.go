package scoring

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func wallet(addr string, sortino, consistency, roi, dd, winRate float64, trades int) *models.WalletMetrics {
	return &models.WalletMetrics{
		Address:     addr,
		Sortino:     sortino,
		Consistency: consistency,
		ROI30d:      roi,
		MaxDrawdown: dd,
		WinRate:     winRate,
		Trades30d:   trades,
		AsOf:        now.Add(-time.Hour),
	}
}

func TestComposite_Weights(t *testing.T) {
	s := NewScorer(DefaultConfig())

	c := Components{SortinoNormalized: 1, Consistency: 1, RoiDrawdownRatio: 1, WinRate: 1}
	assert.InDelta(t, 1.0, s.Composite(c), 1e-9)

	c = Components{SortinoNormalized: 1}
	assert.InDelta(t, 0.30, s.Composite(c), 1e-9)

	c = Components{Consistency: 1}
	assert.InDelta(t, 0.25, s.Composite(c), 1e-9)

	c = Components{RoiDrawdownRatio: 1}
	assert.InDelta(t, 0.25, s.Composite(c), 1e-9)

	c = Components{WinRate: 1}
	assert.InDelta(t, 0.20, s.Composite(c), 1e-9)

	// 波动率不影响综合分
	c = Components{WinRate: 1, Volatility: 1}
	assert.InDelta(t, 0.20, s.Composite(c), 1e-9)
}

func TestScore_AlwaysInUnitRange(t *testing.T) {
	s := NewScorer(DefaultConfig())
	pool := []*models.WalletMetrics{
		wallet("a", math.NaN(), 3, 500, 0, 250, 100),
		wallet("b", math.Inf(1), -1, -2, 0.5, -0.3, 0),
		wallet("c", 2, 0.5, 0.3, 0.1, 0.6, 40),
	}

	for _, r := range s.ScoreAll(pool, now) {
		assert.GreaterOrEqual(t, r.Score, 0.0, r.Address)
		assert.LessOrEqual(t, r.Score, 1.0, r.Address)
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}
}

func TestScore_MonotonicInEachComponent(t *testing.T) {
	s := NewScorer(DefaultConfig())
	base := Components{SortinoNormalized: 0.4, Consistency: 0.4, RoiDrawdownRatio: 0.4, WinRate: 0.4}
	baseScore := s.Composite(base)

	bumps := []func(c *Components){
		func(c *Components) { c.SortinoNormalized += 0.2 },
		func(c *Components) { c.Consistency += 0.2 },
		func(c *Components) { c.RoiDrawdownRatio += 0.2 },
		func(c *Components) { c.WinRate += 0.2 },
	}
	for i, bump := range bumps {
		c := base
		bump(&c)
		assert.GreaterOrEqual(t, s.Composite(c), baseScore, "component %d", i)
	}
}

func TestNormalizeSortino_PoolBounds(t *testing.T) {
	s := NewScorer(DefaultConfig())
	pool := []*models.WalletMetrics{
		wallet("lo", 1, 0.5, 0.1, 0.1, 0.5, 30),
		wallet("mid", 2, 0.5, 0.1, 0.1, 0.5, 30),
		wallet("hi", 3, 0.5, 0.1, 0.1, 0.5, 30),
	}
	b := ComputeBounds(pool)
	assert.Equal(t, 3, b.Samples)

	assert.InDelta(t, 0.0, s.Score(pool[0], b, now).Components.SortinoNormalized, 1e-9)
	assert.InDelta(t, 0.5, s.Score(pool[1], b, now).Components.SortinoNormalized, 1e-9)
	assert.InDelta(t, 1.0, s.Score(pool[2], b, now).Components.SortinoNormalized, 1e-9)
}

func TestNormalizeSortino_SingleCandidateFallsBack(t *testing.T) {
	s := NewScorer(DefaultConfig())
	m := wallet("solo", 1.5, 0.5, 0.1, 0.1, 0.5, 30)
	b := ComputeBounds([]*models.WalletMetrics{m})

	// 单样本无方差，按绝对上限归一
	assert.InDelta(t, 0.5, s.Score(m, b, now).Components.SortinoNormalized, 1e-9)
}

func TestRoiDrawdown(t *testing.T) {
	s := NewScorer(DefaultConfig())

	assert.InDelta(t, 0.0, s.roiDrawdown(-0.1, 0.2), 1e-9)
	assert.InDelta(t, 0.2, s.roiDrawdown(0.2, 0.2), 1e-9)
	assert.InDelta(t, 0.2, s.roiDrawdown(0.2, -0.2), 1e-9)
	// 零回撤按 0.01 处理后被钳制
	assert.InDelta(t, 1.0, s.roiDrawdown(0.5, 0), 1e-9)
}

func TestConfidence_LowSampleScaledNotZeroed(t *testing.T) {
	s := NewScorer(DefaultConfig())
	full := s.Score(wallet("full", 2, 0.8, 0.3, 0.1, 0.7, 40), Bounds{}, now)
	thin := s.Score(wallet("thin", 2, 0.8, 0.3, 0.1, 0.7, 5), Bounds{}, now)

	assert.InDelta(t, 1.0, full.Confidence, 1e-9)
	assert.InDelta(t, 0.25, thin.Confidence, 1e-9)
	assert.InDelta(t, full.Score, thin.Score, 1e-9)
	assert.Greater(t, thin.Effective(), 0.0)
	assert.Less(t, thin.Effective(), full.Effective())
}

func TestScore_StaleMetricsIsSoftWarning(t *testing.T) {
	s := NewScorer(DefaultConfig())
	m := wallet("old", 2, 0.8, 0.3, 0.1, 0.7, 40)
	m.AsOf = now.Add(-12 * time.Hour)

	r := s.Score(m, Bounds{}, now)
	assert.True(t, r.Stale)
	assert.InDelta(t, 0.5, r.Confidence, 1e-9)
	require.Len(t, r.Warnings, 1)
	assert.True(t, errors.Is(r.Warnings[0], ErrStaleMetrics))
	assert.Greater(t, r.Score, 0.0)
}

func TestScoreAll_SortedByEffective(t *testing.T) {
	s := NewScorer(DefaultConfig())
	pool := []*models.WalletMetrics{
		wallet("weak", 1, 0.2, 0.05, 0.3, 0.4, 40),
		wallet("strong", 3, 0.9, 0.4, 0.1, 0.8, 40),
		wallet("medium", 2, 0.5, 0.2, 0.2, 0.6, 40),
	}

	results := s.ScoreAll(pool, now)
	require.Len(t, results, 3)
	assert.Equal(t, "strong", results[0].Address)
	assert.Equal(t, "medium", results[1].Address)
	assert.Equal(t, "weak", results[2].Address)
}

func TestScore_PercentInputs(t *testing.T) {
	s := NewScorer(DefaultConfig())
	m := wallet("pct", 0, 80, 0, 0, 65, 40)
	c := s.Components(m, Bounds{})
	assert.InDelta(t, 0.8, c.Consistency, 1e-9)
	assert.InDelta(t, 0.65, c.WinRate, 1e-9)
}
