package scoring

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

// ErrStaleMetrics 指标过期，仅作为软警告降低置信度
var ErrStaleMetrics = errors.New("wallet metrics are stale")

// Weights 综合评分权重，总和为 1
type Weights struct {
	Sortino     float64
	Consistency float64
	RoiDrawdown float64
	WinRate     float64
}

var DefaultWeights = Weights{
	Sortino:     0.30,
	Consistency: 0.25,
	RoiDrawdown: 0.25,
	WinRate:     0.20,
}

type Config struct {
	MinSampleSize      int           // 30 天交易数达到该值时置信度为 1
	StaleAfter         time.Duration // 超过该时长的快照视为过期
	StalePenalty       float64       // 过期时置信度乘数
	SortinoCeiling     float64       // 样本无方差时 sortino 的绝对归一上限
	RoiDrawdownCeiling float64
	VolatilityCeiling  float64
}

func DefaultConfig() Config {
	return Config{
		MinSampleSize:      20,
		StaleAfter:         6 * time.Hour,
		StalePenalty:       0.5,
		SortinoCeiling:     3.0,
		RoiDrawdownCeiling: 5.0,
		VolatilityCeiling:  1.0,
	}
}

// Components 归一化后的风险分量，均在 [0,1]
type Components struct {
	SortinoNormalized float64 `json:"sortino_normalized"`
	Consistency       float64 `json:"consistency"`
	RoiDrawdownRatio  float64 `json:"roi_drawdown_ratio"`
	WinRate           float64 `json:"win_rate"`
	Volatility        float64 `json:"volatility"` // 仅用于压缩分配，不计入综合分
}

// Result 单个钱包的评分结果
type Result struct {
	Address    string     `json:"address"`
	Components Components `json:"components"`
	Score      float64    `json:"score"`
	Confidence float64    `json:"confidence"`
	Stale      bool       `json:"stale"`
	Warnings   []error    `json:"-"`
}

// Effective 排序使用的有效分，低样本钱包被降权而非剔除
func (r Result) Effective() float64 {
	return r.Score * r.Confidence
}

// Bounds 候选池内 sortino 的观测范围
type Bounds struct {
	MinSortino float64
	MaxSortino float64
	Samples    int
}

// ComputeBounds 统计候选池的 sortino 范围，忽略 NaN/Inf
func ComputeBounds(metrics []*models.WalletMetrics) Bounds {
	b := Bounds{MinSortino: math.Inf(1), MaxSortino: math.Inf(-1)}
	for _, m := range metrics {
		if m == nil || !finite(m.Sortino) {
			continue
		}
		b.MinSortino = math.Min(b.MinSortino, m.Sortino)
		b.MaxSortino = math.Max(b.MaxSortino, m.Sortino)
		b.Samples++
	}
	if b.Samples == 0 {
		b.MinSortino, b.MaxSortino = 0, 0
	}
	return b
}

type Scorer struct {
	cfg     Config
	weights Weights
}

func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = def.MinSampleSize
	}
	if cfg.StalePenalty <= 0 || cfg.StalePenalty > 1 {
		cfg.StalePenalty = def.StalePenalty
	}
	if cfg.SortinoCeiling <= 0 {
		cfg.SortinoCeiling = def.SortinoCeiling
	}
	if cfg.RoiDrawdownCeiling <= 0 {
		cfg.RoiDrawdownCeiling = def.RoiDrawdownCeiling
	}
	if cfg.VolatilityCeiling <= 0 {
		cfg.VolatilityCeiling = def.VolatilityCeiling
	}
	return &Scorer{cfg: cfg, weights: DefaultWeights}
}

// Score 计算单个钱包的综合评分，给定 now 时结果确定
func (s *Scorer) Score(m *models.WalletMetrics, b Bounds, now time.Time) Result {
	c := s.Components(m, b)
	res := Result{
		Address:    m.Address,
		Components: c,
		Score:      s.Composite(c),
		Confidence: s.confidence(m),
	}

	if s.cfg.StaleAfter > 0 && !m.AsOf.IsZero() && now.Sub(m.AsOf) > s.cfg.StaleAfter {
		res.Stale = true
		res.Confidence *= s.cfg.StalePenalty
		res.Warnings = append(res.Warnings, ErrStaleMetrics)
	}

	return res
}

// ScoreAll 以整个候选池为基准评分，按有效分降序返回
func (s *Scorer) ScoreAll(metrics []*models.WalletMetrics, now time.Time) []Result {
	b := ComputeBounds(metrics)
	out := make([]Result, 0, len(metrics))
	for _, m := range metrics {
		if m == nil {
			continue
		}
		out = append(out, s.Score(m, b, now))
	}
	SortByEffective(out)
	return out
}

// Components 计算归一化分量，异常输入钳制到合法区间
func (s *Scorer) Components(m *models.WalletMetrics, b Bounds) Components {
	return Components{
		SortinoNormalized: s.normalizeSortino(m.Sortino, b),
		Consistency:       clamp01(fraction(m.Consistency)),
		RoiDrawdownRatio:  s.roiDrawdown(m.ROI30d, m.MaxDrawdown),
		WinRate:           clamp01(fraction(m.WinRate)),
		Volatility:        clamp01(safe(m.Volatility) / s.cfg.VolatilityCeiling),
	}
}

// Composite 按权重合成综合分
func (s *Scorer) Composite(c Components) float64 {
	w := s.weights
	score := w.Sortino*c.SortinoNormalized +
		w.Consistency*c.Consistency +
		w.RoiDrawdown*c.RoiDrawdownRatio +
		w.WinRate*c.WinRate
	return clamp01(score)
}

func (s *Scorer) normalizeSortino(v float64, b Bounds) float64 {
	if !finite(v) {
		return 0
	}
	span := b.MaxSortino - b.MinSortino
	if b.Samples < 2 || span < 1e-9 {
		return clamp01(v / s.cfg.SortinoCeiling)
	}
	return clamp01((v - b.MinSortino) / span)
}

func (s *Scorer) roiDrawdown(roi, drawdown float64) float64 {
	roi, drawdown = safe(roi), math.Abs(safe(drawdown))
	if roi <= 0 {
		return 0
	}
	ratio := roi / math.Max(drawdown, 0.01)
	return clamp01(ratio / s.cfg.RoiDrawdownCeiling)
}

func (s *Scorer) confidence(m *models.WalletMetrics) float64 {
	if m.Trades30d <= 0 {
		return 0
	}
	return math.Min(1, float64(m.Trades30d)/float64(s.cfg.MinSampleSize))
}

// SortByEffective 有效分降序，地址升序作为稳定排序键
func SortByEffective(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		ei, ej := results[i].Effective(), results[j].Effective()
		if ei != ej {
			return ei > ej
		}
		return results[i].Address < results[j].Address
	})
}

// fraction 大于 1 的值按百分比处理
func fraction(v float64) float64 {
	v = safe(v)
	if v > 1 {
		return v / 100
	}
	return v
}

func safe(v float64) float64 {
	if !finite(v) {
		return 0
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	switch {
	case !finite(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
