package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/utrading/utrading-roster-optimizer/internal/dal/dbtest"
	"github.com/utrading/utrading-roster-optimizer/internal/dao"
	"github.com/utrading/utrading-roster-optimizer/internal/feed"
	"github.com/utrading/utrading-roster-optimizer/internal/feed/feedtest"
	"github.com/utrading/utrading-roster-optimizer/internal/lock"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/nats"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
)

const ws uint = 7

type harness struct {
	db     *gorm.DB
	feed   *feedtest.Provider
	pub    *nats.Recorder
	locker *lock.Local
	svc    *Service
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.New(t)
	fp := feedtest.New()
	fetcher, err := feed.NewFetcher(fp, 4)
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)

	h := &harness{db: db, feed: fp, pub: &nats.Recorder{}, locker: lock.NewLocal(), clock: now}
	h.svc = NewService(DefaultConfig(), Deps{
		Store:      dao.NewMarketSelectionDAO(db),
		Feed:       fetcher,
		Governance: dao.NewGovernanceDAO(db),
		Locker:     h.locker,
		Publisher:  h.pub,
	})
	h.svc.SetClock(func() time.Time { return h.clock })
	return h
}

// seedMarkets n 个市场，编号越小流动性和命中率越高，偶数编号已验证
func (h *harness) seedMarkets(n int) {
	for i := 0; i < n; i++ {
		total := 10
		if i%2 == 1 {
			total = 2
		}
		sig := market(fmt.Sprintf("m%02d", i), float64((n-i)*1000), total/2, total)
		h.feed.SetMarket(sig)
	}
}

func (h *harness) setCap(t *testing.T, maxMarkets, slots int) {
	t.Helper()
	_, err := h.svc.UpdateOpportunitySettings(context.Background(), ws, OpportunityUpdate{
		MaxMarketsCap:    &maxMarkets,
		ExplorationSlots: &slots,
	})
	require.NoError(t, err)
}

func (h *harness) subscriptions(t *testing.T) map[string]*models.MarketSubscription {
	t.Helper()
	subs, err := dao.NewMarketSelectionDAO(h.db).ListSubscriptions(context.Background(), ws)
	require.NoError(t, err)
	out := make(map[string]*models.MarketSubscription, len(subs))
	for _, s := range subs {
		out[s.MarketID] = s
	}
	return out
}

func TestRunScan_Apply(t *testing.T) {
	h := newHarness(t)
	h.seedMarkets(10)
	h.setCap(t, 4, 1)

	res, err := h.svc.RunScan(context.Background(), ws, false)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 10, res.MarketsScored)
	assert.Len(t, res.Core, 3)
	assert.Len(t, res.Exploration, 1)
	assert.LessOrEqual(t, len(res.Core)+len(res.Exploration), 4)

	subs := h.subscriptions(t)
	require.Len(t, subs, 4)
	for _, id := range res.Core {
		assert.Equal(t, models.MarketTierCore, subs[id].Tier)
	}
	assert.Equal(t, models.MarketTierExploration, subs[res.Exploration[0]].Tier)

	var scores []models.MarketSelectionScore
	require.NoError(t, h.db.Where("scan_id = ?", res.ScanID).Find(&scores).Error)
	assert.Len(t, scores, 10)
	for _, s := range scores {
		assert.True(t, s.Applied)
	}

	require.Len(t, h.pub.Selections, 1)
	ev := h.pub.Selections[0]
	assert.Equal(t, res.ScanID, ev.ScanID)
	assert.Equal(t, res.Core, ev.Core)

	setting, err := dao.NewMarketSelectionDAO(h.db).GetSetting(context.Background(), ws)
	require.NoError(t, err)
	require.NotNil(t, setting.LastScanAt)
	assert.True(t, setting.LastScanAt.Equal(now))
}

func TestRunScan_KeepsSubscribedAt(t *testing.T) {
	h := newHarness(t)
	h.seedMarkets(4)
	h.setCap(t, 3, 1)

	first, err := h.svc.RunScan(context.Background(), ws, false)
	require.NoError(t, err)

	h.clock = now.Add(time.Hour)
	second, err := h.svc.RunScan(context.Background(), ws, false)
	require.NoError(t, err)
	assert.NotEqual(t, first.ScanID, second.ScanID)

	subs := h.subscriptions(t)
	for _, id := range first.Core {
		if sub, ok := subs[id]; ok {
			assert.True(t, sub.SubscribedAt.Equal(now), "market %s", id)
			assert.Equal(t, second.ScanID, sub.ScanID)
		}
	}
	for _, sc := range second.Scores {
		assert.NotNil(t, sc.RotationScore, sc.MarketID)
	}
}

func TestRunScan_ShadowPersistsScoresOnly(t *testing.T) {
	h := newHarness(t)
	h.seedMarkets(6)
	require.NoError(t, h.db.Create(&models.TuningGovernance{
		WorkspaceID:   ws,
		Mode:          models.ModeShadow,
		CurrentRegime: models.RegimeHighVol,
	}).Error)

	res, err := h.svc.RunScan(context.Background(), ws, false)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.NotEmpty(t, res.Core)
	assert.Equal(t, models.AggressivenessStable, res.Recommendation.Aggressiveness)

	assert.Empty(t, h.subscriptions(t))
	assert.Empty(t, h.pub.Selections)

	var scores []models.MarketSelectionScore
	require.NoError(t, h.db.Find(&scores).Error)
	assert.Len(t, scores, 6)
	for _, s := range scores {
		assert.False(t, s.Applied)
	}
}

func TestRunScan_FrozenDoesNotApply(t *testing.T) {
	h := newHarness(t)
	h.seedMarkets(3)
	require.NoError(t, h.db.Create(&models.TuningGovernance{
		WorkspaceID:  ws,
		Mode:         models.ModeApply,
		Frozen:       true,
		FreezeReason: "regime anomaly",
	}).Error)

	res, err := h.svc.RunScan(context.Background(), ws, false)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Governance.Frozen)
	assert.Empty(t, h.subscriptions(t))
}

func TestRunScan_ScheduledLockContention(t *testing.T) {
	h := newHarness(t)
	unlock, err := h.locker.Lock(context.Background(), lock.WorkspaceKey("scanner", ws))
	require.NoError(t, err)
	defer unlock()

	_, err = h.svc.RunScan(context.Background(), ws, true)
	assert.True(t, errors.Is(err, roster.ErrPassAlreadyRunning))
}

func TestRunScan_FeedUnavailable(t *testing.T) {
	h := newHarness(t)
	h.seedMarkets(3)
	h.feed.Err = feed.ErrUnavailable

	_, err := h.svc.RunScan(context.Background(), ws, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, feed.ErrUnavailable))
}

func TestUpdateOpportunitySettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sel, err := h.svc.GetOpportunitySelection(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, models.AggressivenessBalanced, sel.Aggressiveness)
	assert.Equal(t, 20, sel.MaxMarketsCap)
	assert.Equal(t, 5, sel.ExplorationSlots)
	assert.Empty(t, sel.Core)

	discovery := models.AggressivenessDiscovery
	s, err := h.svc.UpdateOpportunitySettings(ctx, ws, OpportunityUpdate{Aggressiveness: &discovery})
	require.NoError(t, err)
	assert.Equal(t, 8, s.ExplorationSlots)

	slots := 20
	_, err = h.svc.UpdateOpportunitySettings(ctx, ws, OpportunityUpdate{ExplorationSlots: &slots})
	assert.True(t, errors.Is(err, ErrInvalidExplorationSlots))

	eight := 8
	_, err = h.svc.UpdateOpportunitySettings(ctx, ws, OpportunityUpdate{MaxMarketsCap: &eight, ExplorationSlots: &eight})
	assert.True(t, errors.Is(err, ErrInvalidExplorationSlots))

	bad := models.Aggressiveness("yolo")
	_, err = h.svc.UpdateOpportunitySettings(ctx, ws, OpportunityUpdate{Aggressiveness: &bad})
	assert.True(t, errors.Is(err, ErrInvalidAggressiveness))

	zero := 0
	_, err = h.svc.UpdateOpportunitySettings(ctx, ws, OpportunityUpdate{ScanIntervalMinutes: &zero})
	assert.True(t, errors.Is(err, ErrInvalidSettings))

	sel, err = h.svc.GetOpportunitySelection(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, models.AggressivenessDiscovery, sel.Aggressiveness)
	assert.Equal(t, 8, sel.ExplorationSlots)
	assert.Equal(t, 20, sel.MaxMarketsCap)
}

// midScanSource 在拉取市场因子时触发一次回调，模拟扫描期间的配置修改
type midScanSource struct {
	*feed.Fetcher
	during func()
}

func (m *midScanSource) MarketSignals(ctx context.Context, ids []string) (map[string]*models.MarketSignals, error) {
	if m.during != nil {
		m.during()
		m.during = nil
	}
	return m.Fetcher.MarketSignals(ctx, ids)
}

func TestRunScan_KeepsSettingsChangedDuringScan(t *testing.T) {
	h := newHarness(t)
	h.seedMarkets(6)
	h.setCap(t, 5, 1)

	fetcher, err := feed.NewFetcher(h.feed, 2)
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)

	discovery := models.AggressivenessDiscovery
	slots := 4
	src := &midScanSource{Fetcher: fetcher}
	svc := NewService(DefaultConfig(), Deps{
		Store:      dao.NewMarketSelectionDAO(h.db),
		Feed:       src,
		Governance: dao.NewGovernanceDAO(h.db),
		Locker:     h.locker,
		Publisher:  h.pub,
	})
	svc.SetClock(func() time.Time { return h.clock })
	src.during = func() {
		_, err := svc.UpdateOpportunitySettings(context.Background(), ws, OpportunityUpdate{
			Aggressiveness:   &discovery,
			ExplorationSlots: &slots,
		})
		require.NoError(t, err)
	}

	// 本次扫描仍按开始时读到的配置选择
	res, err := svc.RunScan(context.Background(), ws, false)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Exploration), 1)

	setting, err := dao.NewMarketSelectionDAO(h.db).GetSetting(context.Background(), ws)
	require.NoError(t, err)
	require.NotNil(t, setting)
	assert.Equal(t, models.AggressivenessDiscovery, setting.Aggressiveness)
	assert.Equal(t, 4, setting.ExplorationSlots)
	assert.Equal(t, 5, setting.MaxMarketsCap)
	require.NotNil(t, setting.LastScanAt)
	assert.True(t, setting.LastScanAt.Equal(now))
}

func TestGetOpportunitySelection_RegimeRecommendation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Create(&models.TuningGovernance{
		WorkspaceID:   ws,
		Mode:          models.ModeApply,
		CurrentRegime: models.RegimeTrendingBull,
	}).Error)

	sel, err := h.svc.GetOpportunitySelection(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, models.AggressivenessDiscovery, sel.Recommendation.Aggressiveness)
	assert.Equal(t, 8, sel.Recommendation.ExplorationSlots)
	assert.NotEmpty(t, sel.Recommendation.Reason)
	assert.Equal(t, 5, sel.ExplorationSlots)
}

func TestDue(t *testing.T) {
	last := now.Add(-10 * time.Minute)
	assert.True(t, Due(nil, now))
	assert.True(t, Due(&models.OpportunitySetting{ScanIntervalMinutes: 15}, now))
	assert.False(t, Due(&models.OpportunitySetting{ScanIntervalMinutes: 15, LastScanAt: &last}, now))
	assert.True(t, Due(&models.OpportunitySetting{ScanIntervalMinutes: 5, LastScanAt: &last}, now))
	assert.False(t, Due(&models.OpportunitySetting{LastScanAt: &last}, now))
}

func TestLoop_ScansWhenDue(t *testing.T) {
	h := newHarness(t)
	h.seedMarkets(3)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.svc.Loop(ctx, ws)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		return len(h.subscriptions(t)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-stopped
}
