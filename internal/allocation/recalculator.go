package allocation

import (
	"errors"
	"math"
	"sort"

	"github.com/utrading/utrading-roster-optimizer/internal/scoring"
)

const total = 100.0

// ErrAllocationOverflow 分配总和超过 100%
var ErrAllocationOverflow = errors.New("allocation sum exceeds 100 percent")

type Config struct {
	MinAllocPct       float64
	MaxAllocPct       float64
	VolatilityDamping float64 // 波动率对权重的压缩系数，0 表示不压缩
	MaxPasses         int
}

func DefaultConfig() Config {
	return Config{
		MinAllocPct:       5,
		MaxAllocPct:       60,
		VolatilityDamping: 0.3,
		MaxPasses:         10,
	}
}

// Input 参与重算的钱包
type Input struct {
	Address    string
	Score      float64
	Confidence float64
	Components scoring.Components
	CurrentPct float64
	MaxPct     float64 // 单钱包上限覆盖，0 表示使用默认上限
}

// Preview 单个钱包的建议分配
type Preview struct {
	WalletAddress  string             `json:"wallet_address"`
	CurrentPct     float64            `json:"current_pct"`
	RecommendedPct float64            `json:"recommended_pct"`
	ChangePct      float64            `json:"change_pct"`
	CompositeScore float64            `json:"composite_score"`
	Confidence     float64            `json:"confidence"`
	Components     scoring.Components `json:"components"`
}

type Recalculator struct {
	cfg Config
}

func NewRecalculator(cfg Config) *Recalculator {
	def := DefaultConfig()
	if cfg.MaxAllocPct <= 0 || cfg.MaxAllocPct > total {
		cfg.MaxAllocPct = def.MaxAllocPct
	}
	if cfg.MinAllocPct < 0 || cfg.MinAllocPct > cfg.MaxAllocPct {
		cfg.MinAllocPct = 0
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = def.MaxPasses
	}
	cfg.VolatilityDamping = math.Max(0, math.Min(1, cfg.VolatilityDamping))
	return &Recalculator{cfg: cfg}
}

type band struct {
	lo, hi float64
}

// Compute 按评分计算建议分配，结果按地址排序
// 归一到 100 后逐轮把越界钱包锁定在边界，剩余额度在未锁定钱包间按权重重新分配
func (r *Recalculator) Compute(inputs []Input) []Preview {
	if len(inputs) == 0 {
		return nil
	}

	items := make([]Input, len(inputs))
	copy(items, inputs)
	sort.Slice(items, func(i, j int) bool { return items[i].Address < items[j].Address })

	weights := r.weights(items)
	bands := r.bands(items)
	pct := r.distribute(weights, bands)
	roundWithin(pct)

	out := make([]Preview, len(items))
	for i, in := range items {
		out[i] = Preview{
			WalletAddress:  in.Address,
			CurrentPct:     in.CurrentPct,
			RecommendedPct: pct[i],
			ChangePct:      round2(pct[i] - in.CurrentPct),
			CompositeScore: in.Score,
			Confidence:     in.Confidence,
			Components:     in.Components,
		}
	}
	return out
}

// weights 评分经波动率压缩后的权重，全零时退化为等权
func (r *Recalculator) weights(items []Input) []float64 {
	w := make([]float64, len(items))
	var sum float64
	for i, in := range items {
		score := in.Score
		if math.IsNaN(score) || score < 0 {
			score = 0
		}
		w[i] = score * (1 - r.cfg.VolatilityDamping*in.Components.Volatility)
		sum += w[i]
	}
	if sum <= 0 {
		for i := range w {
			w[i] = 1
		}
	}
	return w
}

// bands 每个钱包的 [min,max]，下限总和超过 100 时放弃下限
func (r *Recalculator) bands(items []Input) []band {
	out := make([]band, len(items))
	var loSum float64
	for i, in := range items {
		hi := r.cfg.MaxAllocPct
		if in.MaxPct > 0 && in.MaxPct < hi {
			hi = in.MaxPct
		}
		lo := math.Min(r.cfg.MinAllocPct, hi)
		out[i] = band{lo: lo, hi: hi}
		loSum += lo
	}
	if loSum > total {
		for i := range out {
			out[i].lo = 0
		}
	}
	return out
}

func (r *Recalculator) distribute(weights []float64, bands []band) []float64 {
	n := len(weights)
	pct := make([]float64, n)
	locked := make([]bool, n)

	for pass := 0; pass < r.cfg.MaxPasses; pass++ {
		remaining := total
		var freeWeight float64
		free := 0
		for i := range weights {
			if locked[i] {
				remaining -= pct[i]
				continue
			}
			freeWeight += weights[i]
			free++
		}
		if free == 0 {
			break
		}
		remaining = math.Max(remaining, 0)

		for i := range weights {
			if locked[i] {
				continue
			}
			if freeWeight > 0 {
				pct[i] = remaining * weights[i] / freeWeight
			} else {
				pct[i] = remaining / float64(free)
			}
		}

		// 先锁定超上限的钱包，没有时再锁定低于下限的
		if lockWhere(pct, locked, func(i int) (float64, bool) {
			return bands[i].hi, pct[i] > bands[i].hi
		}) {
			continue
		}
		if !lockWhere(pct, locked, func(i int) (float64, bool) {
			return bands[i].lo, pct[i] < bands[i].lo
		}) {
			break
		}
	}

	for i := range pct {
		pct[i] = math.Max(bands[i].lo, math.Min(bands[i].hi, pct[i]))
	}
	return pct
}

func lockWhere(pct []float64, locked []bool, violates func(i int) (float64, bool)) bool {
	changed := false
	for i := range pct {
		if locked[i] {
			continue
		}
		if bound, ok := violates(i); ok {
			pct[i] = bound
			locked[i] = true
			changed = true
		}
	}
	return changed
}

// roundWithin 保留两位小数，舍入误差从最大项扣除保证总和不超过 100
func roundWithin(pct []float64) {
	var sum float64
	largest := 0
	for i := range pct {
		pct[i] = round2(pct[i])
		sum += pct[i]
		if pct[i] > pct[largest] {
			largest = i
		}
	}
	if excess := round2(sum - total); excess > 0 {
		pct[largest] = round2(pct[largest] - excess)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Sum 计算分配总和
func Sum(previews []Preview) float64 {
	var s float64
	for _, p := range previews {
		s += p.RecommendedPct
	}
	return round2(s)
}

// Validate 校验总和与单钱包区间
func Validate(previews []Preview) error {
	if Sum(previews) > total+1e-6 {
		return ErrAllocationOverflow
	}
	return nil
}
