package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utrading/utrading-roster-optimizer/internal/allocation"
	"github.com/utrading/utrading-roster-optimizer/internal/dao"
	"github.com/utrading/utrading-roster-optimizer/internal/feed"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
)

func TestService_PinLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, addr := range []string{"0x1", "0x2", "0x3", "0x4"} {
		h.seed(t, addr, models.StatusActive, 25)
	}
	for _, addr := range []string{"0x1", "0x2", "0x3"} {
		w, err := h.svc.Pin(ctx, ws, addr, "")
		require.NoError(t, err)
		assert.True(t, w.Pinned)
	}

	_, err := h.svc.Pin(ctx, ws, "0x4", "")
	assert.True(t, errors.Is(err, roster.ErrPinLimitExceeded))

	var pinned int64
	require.NoError(t, h.db.Model(&models.WalletAllocation{}).Where("pinned = ?", true).Count(&pinned).Error)
	assert.Equal(t, int64(3), pinned)
	assert.False(t, h.wallet(t, "0x4").Pinned)

	rows := h.history(t)
	assert.Len(t, rows, 3)
	for _, e := range rows {
		assert.Equal(t, models.ActionPin, e.Action)
		assert.False(t, e.IsAutomatic)
	}
	assert.Equal(t, 3, h.pub.RotationCount())
	assert.Equal(t, "operator", h.pub.Rotations[0].Trigger)

	_, err = h.svc.Unpin(ctx, ws, "0x1", "")
	require.NoError(t, err)
	_, err = h.svc.Pin(ctx, ws, "0x4", "")
	require.NoError(t, err)
}

func TestService_PromoteWhenFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedFullRoster(t)
	h.seed(t, "0xbench", models.StatusBench, 0)

	_, err := h.svc.Promote(ctx, ws, "0xbench", "")
	assert.True(t, errors.Is(err, roster.ErrRosterFull))
	assert.Empty(t, h.history(t))
	assert.Equal(t, models.StatusBench, h.wallet(t, "0xbench").Status)

	_, err = h.svc.Demote(ctx, ws, "0xa0", "underperforming")
	require.NoError(t, err)
	w, err := h.svc.Promote(ctx, ws, "0xbench", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, w.Status)
	assert.Equal(t, models.TierActive, w.Tier)
}

func TestService_DemotePinnedAllowed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "0x1", models.StatusActive, 100)
	_, err := h.svc.Pin(ctx, ws, "0x1", "")
	require.NoError(t, err)

	w, err := h.svc.Demote(ctx, ws, "0x1", "")
	require.NoError(t, err)
	assert.Equal(t, models.TierBench, w.Tier)
	assert.Zero(t, w.AllocationPct)
}

func TestService_AddAndRemoveWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := h.svc.AddWallet(ctx, ws, "  0xnew  ", roster.AddOptions{CopyBehavior: models.CopyEventsOnly}, "")
	require.NoError(t, err)
	assert.Equal(t, "0xnew", w.WalletAddress)
	assert.Equal(t, models.StatusBench, w.Status)
	assert.Equal(t, models.CopyEventsOnly, w.CopyBehavior)

	_, err = h.svc.AddWallet(ctx, ws, "0xnew", roster.AddOptions{}, "")
	assert.True(t, errors.Is(err, roster.ErrWalletExists))

	_, err = h.svc.AddWallet(ctx, ws, " ", roster.AddOptions{}, "")
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	require.NoError(t, h.svc.RemoveWallet(ctx, ws, "0xnew", ""))
	err = h.svc.RemoveWallet(ctx, ws, "0xnew", "")
	assert.True(t, errors.Is(err, roster.ErrWalletNotFound))

	actions := make([]models.RotationAction, 0)
	for _, e := range h.history(t) {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []models.RotationAction{models.ActionAdd, models.ActionRemove}, actions)
}

func TestService_BanAndUnban(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "0x1", models.StatusActive, 60)
	h.seed(t, "0x2", models.StatusActive, 40)

	expires := now.Add(24 * time.Hour)
	ban, err := h.svc.Ban(ctx, ws, "0x1", "copy trader spam", &expires)
	require.NoError(t, err)
	assert.Equal(t, "copy trader spam", ban.Reason)
	require.NotNil(t, ban.ExpiresAt)

	var n int64
	require.NoError(t, h.db.Model(&models.WalletAllocation{}).Where("wallet_address = ?", "0x1").Count(&n).Error)
	assert.Zero(t, n)

	_, err = h.svc.Ban(ctx, ws, "0x1", "", nil)
	assert.True(t, errors.Is(err, roster.ErrWalletBanned))

	_, err = h.svc.AddWallet(ctx, ws, "0x1", roster.AddOptions{}, "")
	assert.True(t, errors.Is(err, roster.ErrWalletBanned))

	err = h.svc.RemoveWallet(ctx, ws, "0x1", "")
	assert.True(t, errors.Is(err, roster.ErrWalletBanned))

	require.NoError(t, h.svc.Unban(ctx, ws, "0x1", ""))
	err = h.svc.Unban(ctx, ws, "0x1", "")
	assert.True(t, errors.Is(err, roster.ErrNotBanned))

	_, err = h.svc.AddWallet(ctx, ws, "0x1", roster.AddOptions{}, "")
	require.NoError(t, err)
}

func TestService_Recalculation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, q := range []float64{0.9, 0.5, 0.2} {
		addr := []string{"0x1", "0x2", "0x3"}[i]
		h.seed(t, addr, models.StatusActive, 100.0/3)
		h.feed.SetWallet(quality(addr, q))
	}

	first, err := h.svc.PreviewRecalculation(ctx, ws, models.TierActive)
	require.NoError(t, err)
	second, err := h.svc.PreviewRecalculation(ctx, ws, models.TierActive)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, first, second)
	assert.LessOrEqual(t, allocation.Sum(first), 100.0+1e-6)

	// 预览不落库
	assert.InDelta(t, 100.0/3, h.wallet(t, "0x1").AllocationPct, 0.01)

	res, err := h.svc.ApplyRecalculation(ctx, ws, models.TierActive)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 3, res.WalletCount)

	var sum float64
	for _, pv := range res.Previews {
		w := h.wallet(t, pv.WalletAddress)
		assert.InDelta(t, pv.RecommendedPct, w.AllocationPct, 0.01)
		sum += w.AllocationPct
	}
	assert.LessOrEqual(t, sum, 100.0+0.01)
	assert.Greater(t, h.wallet(t, "0x1").AllocationPct, h.wallet(t, "0x3").AllocationPct)

	var audits []models.AllocationAudit
	require.NoError(t, h.db.Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.Equal(t, models.TierActive, audits[0].Tier)
	assert.Equal(t, 3, audits[0].WalletCount)
	assert.NotEmpty(t, audits[0].Evidence)

	_, err = h.svc.PreviewRecalculation(ctx, ws, models.TierBench)
	assert.True(t, errors.Is(err, ErrUnsupportedTier))
	_, err = h.svc.ApplyRecalculation(ctx, ws, models.TierBench)
	assert.True(t, errors.Is(err, ErrUnsupportedTier))
}

func TestService_PreviewAfterPassIsStable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, q := range []float64{0.9, 0.5, 0.2} {
		addr := []string{"0x1", "0x2", "0x3"}[i]
		h.seed(t, addr, models.StatusActive, 100.0/3)
		h.feed.SetWallet(quality(addr, q))
	}
	// bench 钱包和外部候选低于准入标准，只参与归一化
	for i, q := range []float64{0.1, 0.05} {
		addr := []string{"0xb1", "0xb2"}[i]
		h.seed(t, addr, models.StatusBench, 0)
		h.feed.SetWallet(quality(addr, q))
	}
	h.feed.SetWallet(quality("0xc1", 0.3))
	h.feed.SetWallet(quality("0xc2", 0.12))
	h.feed.SetCandidates("0xc1", "0xc2")

	_, err := h.svc.UpdateOptimizerSettings(ctx, ws, SettingsUpdate{
		Criteria: &models.OptimizerCriteria{MinSharpe: 1.15},
	})
	require.NoError(t, err)

	res, err := h.svc.TriggerOptimization(ctx, ws)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, models.StatusBench, h.wallet(t, "0xb1").Status)

	previews, err := h.svc.PreviewRecalculation(ctx, ws, models.TierActive)
	require.NoError(t, err)
	require.NotEmpty(t, previews)
	for _, pv := range previews {
		assert.InDelta(t, 0, pv.ChangePct, 1e-9, pv.WalletAddress)
		assert.InDelta(t, pv.CurrentPct, pv.RecommendedPct, 1e-9, pv.WalletAddress)
	}
}

func TestService_RecalculationFallsBackToStoredScores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.seed(t, "0x1", models.StatusActive, 50)
	b := h.seed(t, "0x2", models.StatusActive, 50)
	require.NoError(t, h.db.Model(a).Update("composite_score", 0.8).Error)
	require.NoError(t, h.db.Model(b).Update("composite_score", 0.2).Error)
	h.feed.Err = feed.ErrUnavailable

	previews, err := h.svc.PreviewRecalculation(ctx, ws, models.TierActive)
	require.NoError(t, err)
	require.Len(t, previews, 2)
	byAddr := make(map[string]allocation.Preview)
	for _, pv := range previews {
		byAddr[pv.WalletAddress] = pv
	}
	assert.Greater(t, byAddr["0x1"].RecommendedPct, byAddr["0x2"].RecommendedPct)
}

func TestService_HistoryAcknowledge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "0x1", models.StatusActive, 100)
	_, err := h.svc.Pin(ctx, ws, "0x1", "")
	require.NoError(t, err)
	_, err = h.svc.Unpin(ctx, ws, "0x1", "")
	require.NoError(t, err)

	rows, err := h.svc.ListRotationHistory(ctx, ws, dao.HistoryQuery{Action: models.ActionPin})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = h.svc.ListRotationHistory(ctx, ws, dao.HistoryQuery{Action: "teleport"})
	assert.True(t, errors.Is(err, ErrUnknownAction))

	acked, err := h.svc.AcknowledgeRotation(ctx, ws, rows[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.True(t, acked.AcknowledgedAt.Equal(now))

	status, err := h.svc.GetOptimizerStatus(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.UnacknowledgedCount)

	pending, err := h.svc.ListRotationHistory(ctx, ws, dao.HistoryQuery{UnacknowledgedOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionUnpin, pending[0].Action)
}

func TestService_UpdateOptimizerSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := 0
	_, err := h.svc.UpdateOptimizerSettings(ctx, ws, SettingsUpdate{IntervalHours: &bad})
	assert.True(t, errors.Is(err, ErrInvalidSettings))

	_, err = h.svc.UpdateOptimizerSettings(ctx, ws, SettingsUpdate{
		Criteria: &models.OptimizerCriteria{MinWinRate: 1.5},
	})
	assert.True(t, errors.Is(err, ErrInvalidSettings))

	enabled, interval := true, 12
	s, err := h.svc.UpdateOptimizerSettings(ctx, ws, SettingsUpdate{
		AutoOptimizeEnabled: &enabled,
		IntervalHours:       &interval,
		Criteria:            &models.OptimizerCriteria{MinWinRate: 0.55, MinTrades30d: 10},
	})
	require.NoError(t, err)
	assert.True(t, s.AutoOptimizeEnabled)
	assert.Equal(t, 12, s.IntervalHours)
	assert.Equal(t, 0.55, s.Criteria.MinWinRate)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.Equal(now.Add(12*time.Hour)))

	enabled = false
	s, err = h.svc.UpdateOptimizerSettings(ctx, ws, SettingsUpdate{AutoOptimizeEnabled: &enabled})
	require.NoError(t, err)
	assert.False(t, s.AutoOptimizeEnabled)
	assert.Nil(t, s.NextRunAt)
	assert.Equal(t, 12, s.IntervalHours)

	status, err := h.svc.GetOptimizerStatus(ctx, ws)
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Equal(t, 0.55, status.Criteria.MinWinRate)
	assert.True(t, status.Governance.Apply)
}
