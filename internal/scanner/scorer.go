package scanner

import (
	"math"
	"sort"
	"time"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

// Weights 市场总分权重，可选因子缺失时按存在的因子重新归一
type Weights struct {
	Baseline    float64
	Opportunity float64
	HitRate     float64
	Freshness   float64
	Sticky      float64
	Novelty     float64
	Rotation    float64
	Upside      float64
}

var DefaultWeights = Weights{
	Baseline:    0.25,
	Opportunity: 0.20,
	HitRate:     0.20,
	Freshness:   0.15,
	Sticky:      0.10,
	Novelty:     0.04,
	Rotation:    0.03,
	Upside:      0.03,
}

type ScoreConfig struct {
	MinSignalsForCore  int           // 信号数达到该值的市场视为已验证
	FreshnessHalfLife  time.Duration // 最近成交的衰减半衰期
	NoveltyWindow      time.Duration // 上市超过该时长不再计新鲜度
	StickyTenure       time.Duration // 订阅满该时长 sticky 达到 1
	OpportunityCeiling float64       // 24h 涨跌幅绝对值归一上限
	SpreadCeiling      float64       // 价差达到该值时机会分为 0
}

func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		MinSignalsForCore:  5,
		FreshnessHalfLife:  6 * time.Hour,
		NoveltyWindow:      30 * 24 * time.Hour,
		StickyTenure:       7 * 24 * time.Hour,
		OpportunityCeiling: 0.20,
		SpreadCeiling:      0.05,
	}
}

// Candidate 单个市场的评分及选择所需的上下文
type Candidate struct {
	Score      *models.MarketSelectionScore
	Proven     bool
	Subscribed *models.MarketSubscription
	Discovery  float64
}

// Scorer 市场多因子评分，给定 now 时结果确定
type Scorer struct {
	cfg     ScoreConfig
	weights Weights
}

func NewScorer(cfg ScoreConfig) *Scorer {
	def := DefaultScoreConfig()
	if cfg.MinSignalsForCore <= 0 {
		cfg.MinSignalsForCore = def.MinSignalsForCore
	}
	if cfg.FreshnessHalfLife <= 0 {
		cfg.FreshnessHalfLife = def.FreshnessHalfLife
	}
	if cfg.NoveltyWindow <= 0 {
		cfg.NoveltyWindow = def.NoveltyWindow
	}
	if cfg.StickyTenure <= 0 {
		cfg.StickyTenure = def.StickyTenure
	}
	if cfg.OpportunityCeiling <= 0 {
		cfg.OpportunityCeiling = def.OpportunityCeiling
	}
	if cfg.SpreadCeiling <= 0 {
		cfg.SpreadCeiling = def.SpreadCeiling
	}
	return &Scorer{cfg: cfg, weights: DefaultWeights}
}

// bounds 评分池内流动性与成交量的对数范围
type bounds struct {
	minLiq, maxLiq float64
	minVol, maxVol float64
}

func computeBounds(signals []*models.MarketSignals) bounds {
	b := bounds{
		minLiq: math.Inf(1), maxLiq: math.Inf(-1),
		minVol: math.Inf(1), maxVol: math.Inf(-1),
	}
	for _, s := range signals {
		if s == nil {
			continue
		}
		liq, vol := logScale(s.Liquidity), logScale(s.Volume24h)
		b.minLiq, b.maxLiq = math.Min(b.minLiq, liq), math.Max(b.maxLiq, liq)
		b.minVol, b.maxVol = math.Min(b.minVol, vol), math.Max(b.maxVol, vol)
	}
	return b
}

// ScoreAll 以整个市场池为基准评分
// subs 为当前订阅集合，prev 为上一次扫描的评分，两者都可为空
func (s *Scorer) ScoreAll(
	workspaceID uint,
	scanID string,
	signals []*models.MarketSignals,
	subs map[string]*models.MarketSubscription,
	prev map[string]*models.MarketSelectionScore,
	now time.Time,
) []*Candidate {
	b := computeBounds(signals)
	out := make([]*Candidate, 0, len(signals))
	for _, sig := range signals {
		if sig == nil || sig.MarketID == "" {
			continue
		}
		out = append(out, s.score(workspaceID, scanID, sig, b, subs[sig.MarketID], prev[sig.MarketID], now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return byTotal(out[i], out[j])
	})
	return out
}

func (s *Scorer) score(
	workspaceID uint,
	scanID string,
	sig *models.MarketSignals,
	b bounds,
	sub *models.MarketSubscription,
	prev *models.MarketSelectionScore,
	now time.Time,
) *Candidate {
	row := &models.MarketSelectionScore{
		WorkspaceID:      workspaceID,
		ScanID:           scanID,
		MarketID:         sig.MarketID,
		BaselineScore:    round4(s.baseline(sig, b)),
		OpportunityScore: round4(s.opportunity(sig)),
		HitRateScore:     round4(s.hitRate(sig)),
		FreshnessScore:   round4(s.freshness(sig, now)),
		StickyScore:      round4(s.sticky(sub, now)),
		CreatedAt:        now,
	}
	if sig.ListedAt != nil {
		v := round4(s.novelty(*sig.ListedAt, now))
		row.NoveltyScore = &v
	}
	if prev != nil {
		// 机会分相对上一次扫描的变化，0.5 表示持平
		v := round4(clamp01(0.5 + (row.OpportunityScore-prev.OpportunityScore)*2))
		row.RotationScore = &v
	}
	if sig.Upside != nil {
		v := round4(clamp01(safe(*sig.Upside)))
		row.UpsideScore = &v
	}
	row.TotalScore = round4(s.total(row))

	return &Candidate{
		Score:      row,
		Proven:     sig.SignalsTotal >= s.cfg.MinSignalsForCore,
		Subscribed: sub,
		Discovery:  discovery(row),
	}
}

// total 加权总分，只在存在的因子上归一
func (s *Scorer) total(r *models.MarketSelectionScore) float64 {
	w := s.weights
	sum := w.Baseline*r.BaselineScore +
		w.Opportunity*r.OpportunityScore +
		w.HitRate*r.HitRateScore +
		w.Freshness*r.FreshnessScore +
		w.Sticky*r.StickyScore
	weight := w.Baseline + w.Opportunity + w.HitRate + w.Freshness + w.Sticky

	for _, opt := range []struct {
		v *float64
		w float64
	}{
		{r.NoveltyScore, w.Novelty},
		{r.RotationScore, w.Rotation},
		{r.UpsideScore, w.Upside},
	} {
		if opt.v == nil {
			continue
		}
		sum += opt.w * *opt.v
		weight += opt.w
	}
	if weight <= 0 {
		return 0
	}
	return clamp01(sum / weight)
}

func (s *Scorer) baseline(sig *models.MarketSignals, b bounds) float64 {
	liq := normalize(logScale(sig.Liquidity), b.minLiq, b.maxLiq)
	vol := normalize(logScale(sig.Volume24h), b.minVol, b.maxVol)
	return (liq + vol) / 2
}

func (s *Scorer) opportunity(sig *models.MarketSignals) float64 {
	move := clamp01(math.Abs(safe(sig.PriceChange)) / s.cfg.OpportunityCeiling)
	cost := clamp01(math.Abs(safe(sig.Spread)) / s.cfg.SpreadCeiling)
	return move * (1 - cost)
}

// hitRate 样本不足时按比例收缩
func (s *Scorer) hitRate(sig *models.MarketSignals) float64 {
	if sig.SignalsTotal <= 0 {
		return 0
	}
	rate := clamp01(float64(sig.SignalHits) / float64(sig.SignalsTotal))
	support := math.Min(1, float64(sig.SignalsTotal)/float64(s.cfg.MinSignalsForCore))
	return rate * support
}

func (s *Scorer) freshness(sig *models.MarketSignals, now time.Time) float64 {
	if sig.LastTradeAt.IsZero() {
		return 0
	}
	age := now.Sub(sig.LastTradeAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / s.cfg.FreshnessHalfLife.Hours())
}

// sticky 已订阅市场的保留倾向，订阅越久越高
func (s *Scorer) sticky(sub *models.MarketSubscription, now time.Time) float64 {
	if sub == nil {
		return 0
	}
	tenure := now.Sub(sub.SubscribedAt)
	if tenure < 0 {
		tenure = 0
	}
	return 0.5 + 0.5*clamp01(tenure.Hours()/s.cfg.StickyTenure.Hours())
}

func (s *Scorer) novelty(listedAt, now time.Time) float64 {
	age := now.Sub(listedAt)
	if age <= 0 {
		return 1
	}
	return 1 - clamp01(age.Hours()/s.cfg.NoveltyWindow.Hours())
}

// discovery 探索排序分：机会、新鲜度、轮动与上行空间的均值
func discovery(r *models.MarketSelectionScore) float64 {
	sum, n := r.OpportunityScore, 1.0
	for _, v := range []*float64{r.NoveltyScore, r.RotationScore, r.UpsideScore} {
		if v != nil {
			sum += *v
			n++
		}
	}
	return sum / n
}

func byTotal(a, b *Candidate) bool {
	if a.Score.TotalScore != b.Score.TotalScore {
		return a.Score.TotalScore > b.Score.TotalScore
	}
	return a.Score.MarketID < b.Score.MarketID
}

func logScale(v float64) float64 {
	v = safe(v)
	if v <= 0 {
		return 0
	}
	return math.Log1p(v)
}

// normalize 池内无差异时按绝对值判断
func normalize(v, lo, hi float64) float64 {
	if math.IsInf(lo, 0) || math.IsInf(hi, 0) || hi-lo < 1e-9 {
		if v > 0 {
			return 1
		}
		return 0
	}
	return clamp01((v - lo) / (hi - lo))
}

func safe(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
