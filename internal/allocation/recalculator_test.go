package allocation

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utrading/utrading-roster-optimizer/internal/scoring"
)

func inputs(scores ...float64) []Input {
	out := make([]Input, len(scores))
	for i, s := range scores {
		out[i] = Input{Address: fmt.Sprintf("0x%02d", i), Score: s, Confidence: 1}
	}
	return out
}

func byAddress(previews []Preview) map[string]float64 {
	m := make(map[string]float64, len(previews))
	for _, p := range previews {
		m[p.WalletAddress] = p.RecommendedPct
	}
	return m
}

func TestCompute_EqualScores(t *testing.T) {
	r := NewRecalculator(Config{MinAllocPct: 5, MaxAllocPct: 60, MaxPasses: 10})
	out := r.Compute(inputs(0.5, 0.5, 0.5, 0.5, 0.5))

	require.Len(t, out, 5)
	for _, p := range out {
		assert.InDelta(t, 20.0, p.RecommendedPct, 1e-9)
	}
	assert.InDelta(t, 100.0, Sum(out), 1e-9)
}

func TestCompute_CapsDominantWallet(t *testing.T) {
	r := NewRecalculator(Config{MinAllocPct: 5, MaxAllocPct: 60, MaxPasses: 10})
	got := byAddress(r.Compute(inputs(0.9, 0.1, 0.1, 0.1, 0.1)))

	assert.InDelta(t, 60.0, got["0x00"], 1e-9)
	for _, addr := range []string{"0x01", "0x02", "0x03", "0x04"} {
		assert.InDelta(t, 10.0, got[addr], 1e-9)
	}
}

func TestCompute_RaisesToFloor(t *testing.T) {
	r := NewRecalculator(Config{MinAllocPct: 5, MaxAllocPct: 60, MaxPasses: 10})
	got := byAddress(r.Compute(inputs(1, 1, 1, 1, 0.01)))

	assert.InDelta(t, 5.0, got["0x04"], 1e-9)
	for _, addr := range []string{"0x00", "0x01", "0x02", "0x03"} {
		assert.InDelta(t, 23.75, got[addr], 1e-9)
	}
}

func TestCompute_SingleWalletCappedAtMax(t *testing.T) {
	r := NewRecalculator(DefaultConfig())
	out := r.Compute(inputs(0.8))

	require.Len(t, out, 1)
	assert.InDelta(t, 60.0, out[0].RecommendedPct, 1e-9)
	assert.LessOrEqual(t, Sum(out), 100.0)
}

func TestCompute_ZeroScoresFallBackToEqual(t *testing.T) {
	r := NewRecalculator(DefaultConfig())
	out := r.Compute(inputs(0, 0, 0, 0))
	for _, p := range out {
		assert.InDelta(t, 25.0, p.RecommendedPct, 1e-9)
	}
}

func TestCompute_PerWalletCap(t *testing.T) {
	r := NewRecalculator(Config{MinAllocPct: 5, MaxAllocPct: 60, MaxPasses: 10})
	in := inputs(0.9, 0.5, 0.5)
	in[0].MaxPct = 10 // 试用期钱包

	got := byAddress(r.Compute(in))
	assert.InDelta(t, 10.0, got["0x00"], 1e-9)
	assert.InDelta(t, 45.0, got["0x01"], 1e-9)
	assert.InDelta(t, 45.0, got["0x02"], 1e-9)
}

func TestCompute_VolatilityCompressesWeight(t *testing.T) {
	r := NewRecalculator(Config{MinAllocPct: 0, MaxAllocPct: 100, VolatilityDamping: 0.5, MaxPasses: 10})
	in := inputs(0.5, 0.5)
	in[1].Components = scoring.Components{Volatility: 1}

	got := byAddress(r.Compute(in))
	assert.Greater(t, got["0x00"], got["0x01"])
	assert.InDelta(t, 100.0, got["0x00"]+got["0x01"], 1e-9)
}

func TestCompute_ChangePct(t *testing.T) {
	r := NewRecalculator(DefaultConfig())
	in := inputs(0.5, 0.5)
	in[0].CurrentPct = 30
	in[1].CurrentPct = 70

	out := r.Compute(in)
	assert.InDelta(t, 20.0, out[0].ChangePct, 1e-9)
	assert.InDelta(t, -20.0, out[1].ChangePct, 1e-9)
}

func TestCompute_PreviewIsIdempotent(t *testing.T) {
	r := NewRecalculator(DefaultConfig())
	in := inputs(0.71, 0.33, 0.52, 0.9, 0.12)

	first := r.Compute(in)
	// 输入顺序不影响结果
	shuffled := []Input{in[3], in[1], in[4], in[0], in[2]}
	second := r.Compute(shuffled)

	assert.Equal(t, first, second)
}

func TestCompute_InvariantsHoldForRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := NewRecalculator(DefaultConfig())

	for round := 0; round < 500; round++ {
		n := 1 + rng.Intn(5)
		scores := make([]float64, n)
		for i := range scores {
			scores[i] = rng.Float64()
		}
		out := r.Compute(inputs(scores...))

		assert.LessOrEqual(t, Sum(out), 100.0+1e-9, "round %d", round)
		assert.NoError(t, Validate(out))
		for _, p := range out {
			assert.GreaterOrEqual(t, p.RecommendedPct, 5.0-1e-9, "round %d", round)
			assert.LessOrEqual(t, p.RecommendedPct, 60.0+1e-9, "round %d", round)
		}
		if n >= 2 {
			assert.InDelta(t, 100.0, Sum(out), 0.011, "round %d", round)
		}
	}
}

func TestCompute_InfeasibleFloorDropped(t *testing.T) {
	r := NewRecalculator(Config{MinAllocPct: 30, MaxAllocPct: 60, MaxPasses: 10})
	out := r.Compute(inputs(0.5, 0.5, 0.5, 0.5))

	assert.LessOrEqual(t, Sum(out), 100.0)
	for _, p := range out {
		assert.InDelta(t, 25.0, p.RecommendedPct, 1e-9)
	}
}
