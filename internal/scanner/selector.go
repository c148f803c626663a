package scanner

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

// ErrInvalidExplorationSlots 探索名额必须小于市场总数上限
var ErrInvalidExplorationSlots = errors.New("exploration_slots must be less than max_markets_cap")

var (
	ErrInvalidAggressiveness = errors.New("unknown aggressiveness")
	ErrInvalidSettings       = errors.New("invalid opportunity settings")
)

var slotShare = map[models.Aggressiveness]float64{
	models.AggressivenessStable:    0.10,
	models.AggressivenessBalanced:  0.25,
	models.AggressivenessDiscovery: 0.40,
}

var aggressivenessOrder = []models.Aggressiveness{
	models.AggressivenessStable,
	models.AggressivenessBalanced,
	models.AggressivenessDiscovery,
}

// AdjustForRegime 高波动向 stable 退一档，单边上涨向 discovery 进一档
func AdjustForRegime(a models.Aggressiveness, regime models.Regime) models.Aggressiveness {
	idx := 1
	for i, v := range aggressivenessOrder {
		if v == a {
			idx = i
		}
	}
	switch regime {
	case models.RegimeHighVol:
		idx--
	case models.RegimeTrendingBull:
		idx++
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(aggressivenessOrder) {
		idx = len(aggressivenessOrder) - 1
	}
	return aggressivenessOrder[idx]
}

// RecommendedSlots 按档位推荐探索名额，结果至少为 1 且小于 maxMarkets
// maxMarkets 不足 2 时没有合法取值，返回 0
func RecommendedSlots(a models.Aggressiveness, maxMarkets int) int {
	if maxMarkets < 2 {
		return 0
	}
	share, ok := slotShare[a]
	if !ok {
		share = slotShare[models.AggressivenessBalanced]
	}
	slots := int(math.Round(float64(maxMarkets) * share))
	if slots < 1 {
		slots = 1
	}
	if slots >= maxMarkets {
		slots = maxMarkets - 1
	}
	return slots
}

// ValidateSlots 校验名额配置
func ValidateSlots(slots, maxMarkets int) error {
	switch {
	case maxMarkets <= 0:
		return fmt.Errorf("%w: max_markets_cap must be positive", ErrInvalidExplorationSlots)
	case slots < 0:
		return fmt.Errorf("%w: exploration_slots must not be negative", ErrInvalidExplorationSlots)
	case slots >= maxMarkets:
		return fmt.Errorf("%w: %d >= %d", ErrInvalidExplorationSlots, slots, maxMarkets)
	}
	return nil
}

// Selection 一次扫描的分层结果
type Selection struct {
	Core        []*Candidate
	Exploration []*Candidate
}

// Select 先按总分填充 core（已验证市场优先），再按探索分填充 exploration
func Select(candidates []*Candidate, slots, maxMarkets int) Selection {
	if err := ValidateSlots(slots, maxMarkets); err != nil {
		return Selection{}
	}

	ranked := make([]*Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Proven != ranked[j].Proven {
			return ranked[i].Proven
		}
		return byTotal(ranked[i], ranked[j])
	})

	var sel Selection
	taken := make(map[string]bool)
	coreSlots := maxMarkets - slots
	for _, c := range ranked {
		if len(sel.Core) >= coreSlots {
			break
		}
		// 已验证市场排在前面，未验证市场先参与探索排序
		if !c.Proven {
			break
		}
		sel.Core = append(sel.Core, c)
		taken[c.Score.MarketID] = true
	}

	rest := make([]*Candidate, 0, len(ranked))
	for _, c := range ranked {
		if !taken[c.Score.MarketID] {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Discovery != rest[j].Discovery {
			return rest[i].Discovery > rest[j].Discovery
		}
		return byTotal(rest[i], rest[j])
	})
	for _, c := range rest {
		if len(sel.Exploration) >= slots {
			break
		}
		sel.Exploration = append(sel.Exploration, c)
		taken[c.Score.MarketID] = true
	}

	// core 仍有空位时用剩余市场按总分补齐
	if len(sel.Core) < coreSlots {
		sort.SliceStable(rest, func(i, j int) bool { return byTotal(rest[i], rest[j]) })
		for _, c := range rest {
			if len(sel.Core) >= coreSlots {
				break
			}
			if taken[c.Score.MarketID] {
				continue
			}
			sel.Core = append(sel.Core, c)
			taken[c.Score.MarketID] = true
		}
	}

	core, exploration := models.MarketTierCore, models.MarketTierExploration
	for _, c := range sel.Core {
		c.Score.Tier = &core
	}
	for _, c := range sel.Exploration {
		c.Score.Tier = &exploration
	}
	return sel
}

// Markets 选中市场的 ID
func Markets(cs []*Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Score.MarketID)
	}
	return out
}
