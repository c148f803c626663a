package optimizer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/utrading/utrading-roster-optimizer/internal/cache"
	"github.com/utrading/utrading-roster-optimizer/internal/dal/dbtest"
	"github.com/utrading/utrading-roster-optimizer/internal/dao"
	"github.com/utrading/utrading-roster-optimizer/internal/feed"
	"github.com/utrading/utrading-roster-optimizer/internal/feed/feedtest"
	"github.com/utrading/utrading-roster-optimizer/internal/lock"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/internal/nats"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
)

const ws uint = 1

type harness struct {
	db     *gorm.DB
	feed   *feedtest.Provider
	pub    *nats.Recorder
	locker *lock.Local
	opt    *Optimizer
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := dbtest.New(t)
	fp := feedtest.New()
	fetcher, err := feed.NewFetcher(fp, 4)
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)

	h := &harness{
		db:     db,
		feed:   fp,
		pub:    &nats.Recorder{},
		locker: lock.NewLocal(),
	}
	h.opt = New(DefaultConfig(), Deps{
		Rosters:    dao.NewRosterDAO(db),
		Settings:   dao.NewOptimizerSettingDAO(db),
		History:    dao.NewRotationHistoryDAO(db),
		Governance: dao.NewGovernanceDAO(db),
		Feed:       fetcher,
		Locker:     h.locker,
		Publisher:  h.pub,
	})
	h.opt.SetClock(func() time.Time { return now })
	h.svc = NewService(h.opt)
	return h
}

// service 使用同一数据库和锁，替换配置与数据源
func (h *harness) service(cfg Config, src MetricsSource) *Service {
	opt := New(cfg, Deps{
		Rosters:    dao.NewRosterDAO(h.db),
		Settings:   dao.NewOptimizerSettingDAO(h.db),
		History:    dao.NewRotationHistoryDAO(h.db),
		Governance: dao.NewGovernanceDAO(h.db),
		Feed:       src,
		Locker:     h.locker,
		Publisher:  h.pub,
	})
	opt.SetClock(func() time.Time { return now })
	return NewService(opt)
}

func (h *harness) seed(t *testing.T, addr string, status models.WalletStatus, pct float64) *models.WalletAllocation {
	t.Helper()
	w := &models.WalletAllocation{
		WorkspaceID:     ws,
		WalletAddress:   addr,
		Tier:            status.Tier(),
		Status:          status,
		AllocationPct:   pct,
		CopyBehavior:    models.CopyAll,
		CompositeScore:  0.5,
		ConfidenceScore: 1,
		Version:         1,
		AddedAt:         now.Add(-48 * time.Hour),
	}
	require.NoError(t, h.db.Create(w).Error)
	return w
}

func (h *harness) wallet(t *testing.T, addr string) *models.WalletAllocation {
	t.Helper()
	var w models.WalletAllocation
	require.NoError(t, h.db.Where("workspace_id = ? AND wallet_address = ?", ws, addr).First(&w).Error)
	return &w
}

func (h *harness) history(t *testing.T) []*models.RotationHistory {
	t.Helper()
	rows, err := h.svc.ListRotationHistory(context.Background(), ws, dao.HistoryQuery{Limit: 100})
	require.NoError(t, err)
	return rows
}

// quality 越高各项指标越好，综合评分随之单调上升
func quality(addr string, q float64) *models.WalletMetrics {
	return &models.WalletMetrics{
		Address:     addr,
		ROI30d:      0.05 + 0.3*q,
		Sharpe:      1 + q,
		Sortino:     3 * q,
		WinRate:     0.4 + 0.4*q,
		MaxDrawdown: 0.2 - 0.1*q,
		Trades30d:   40,
		Consistency: q,
		Volatility:  0.2,
	}
}

// seedFullRoster 5 个 active 钱包，质量 0.9 到 0.5
func (h *harness) seedFullRoster(t *testing.T) []string {
	var addrs []string
	for i, q := range []float64{0.9, 0.8, 0.7, 0.6, 0.5} {
		addr := fmt.Sprintf("0xa%d", i)
		h.seed(t, addr, models.StatusActive, 20)
		h.feed.SetWallet(quality(addr, q))
		addrs = append(addrs, addr)
	}
	return addrs
}

func TestRunPass_ReplaceScenario(t *testing.T) {
	h := newHarness(t)
	h.seedFullRoster(t)
	h.feed.SetWallet(quality("0xnew", 1.0))
	h.feed.SetCandidates("0xnew")

	res, err := h.svc.TriggerOptimization(context.Background(), ws)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.CandidatesFound)
	assert.Equal(t, 1, res.WalletsPromoted)
	assert.NotEmpty(t, res.PassID)

	var replace *models.RotationHistory
	for _, e := range h.history(t) {
		if e.Action == models.ActionReplace {
			replace = e
		}
	}
	require.NotNil(t, replace)
	assert.Equal(t, "0xnew", *replace.WalletIn)
	assert.Equal(t, "0xa4", *replace.WalletOut)
	assert.Equal(t, res.PassID, replace.PassID)

	assert.Equal(t, models.StatusProbation, h.wallet(t, "0xnew").Status)
	out := h.wallet(t, "0xa4")
	assert.Equal(t, models.StatusBench, out.Status)
	assert.Equal(t, int64(2), out.Version)

	var active int64
	var sum float64
	require.NoError(t, h.db.Model(&models.WalletAllocation{}).Where("tier = ?", models.TierActive).Count(&active).Error)
	require.NoError(t, h.db.Model(&models.WalletAllocation{}).Where("tier = ?", models.TierActive).
		Select("COALESCE(SUM(allocation_pct), 0)").Scan(&sum).Error)
	assert.Equal(t, int64(5), active)
	assert.LessOrEqual(t, sum, 100.0+1e-6)

	require.Equal(t, 1, h.pub.RotationCount())
	ev := h.pub.Rotations[0]
	assert.Equal(t, "manual", ev.Trigger)
	assert.Equal(t, res.PassID, ev.PassID)
	for _, e := range ev.Entries {
		assert.NotZero(t, e.ID)
	}

	setting, err := h.opt.deps.Settings.Get(context.Background(), ws)
	require.NoError(t, err)
	require.NotNil(t, setting.LastRunAt)
	assert.True(t, setting.LastRunAt.Equal(now))
	assert.Nil(t, setting.NextRunAt)
}

func TestRunPass_ZeroCandidates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "0xa", models.StatusActive, 50)
	h.seed(t, "0xb", models.StatusActive, 50)
	h.feed.SetWallet(quality("0xa", 0.6))
	h.feed.SetWallet(quality("0xb", 0.6))

	res, err := h.svc.TriggerOptimization(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CandidatesFound)
	assert.Equal(t, 0, res.WalletsPromoted)
	assert.Empty(t, h.history(t))
	assert.Zero(t, h.pub.RotationCount())
}

func TestRunPass_ProbationFail(t *testing.T) {
	h := newHarness(t)
	p := h.seed(t, "0xprob", models.StatusProbation, 10)
	until := now.Add(-time.Hour)
	require.NoError(t, h.db.Model(p).Update("probation_until", until).Error)

	m := quality("0xprob", 0.6)
	m.WinRate = 0.3
	h.feed.SetWallet(m)

	_, err := h.svc.UpdateOptimizerSettings(context.Background(), ws, SettingsUpdate{
		Criteria: &models.OptimizerCriteria{MinWinRate: 0.5},
	})
	require.NoError(t, err)

	res, err := h.svc.TriggerOptimization(context.Background(), ws)
	require.NoError(t, err)
	assert.Zero(t, res.CandidatesFound)

	rows := h.history(t)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ActionProbationFail, rows[0].Action)
	assert.True(t, rows[0].IsAutomatic)

	w := h.wallet(t, "0xprob")
	assert.Equal(t, models.StatusBench, w.Status)
	assert.Equal(t, models.TierBench, w.Tier)
	assert.Zero(t, w.AllocationPct)
}

func TestRunPass_ShadowModeDoesNotApply(t *testing.T) {
	h := newHarness(t)
	h.seedFullRoster(t)
	h.feed.SetWallet(quality("0xnew", 1.0))
	h.feed.SetCandidates("0xnew")
	require.NoError(t, h.db.Create(&models.TuningGovernance{
		WorkspaceID:   ws,
		Mode:          models.ModeShadow,
		CurrentRegime: models.RegimeChoppy,
	}).Error)

	res, err := h.svc.TriggerOptimization(context.Background(), ws)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "shadow mode", res.Governance.Reason)
	assert.Equal(t, 1, res.WalletsPromoted)
	assert.NotEmpty(t, res.History)

	assert.Empty(t, h.history(t))
	assert.Equal(t, models.StatusActive, h.wallet(t, "0xa4").Status)
	assert.Zero(t, h.pub.RotationCount())

	setting, err := h.opt.deps.Settings.Get(context.Background(), ws)
	require.NoError(t, err)
	assert.NotNil(t, setting.LastRunAt)
}

func TestRunPass_FrozenDoesNotApply(t *testing.T) {
	h := newHarness(t)
	h.seedFullRoster(t)
	h.feed.SetWallet(quality("0xnew", 1.0))
	h.feed.SetCandidates("0xnew")
	require.NoError(t, h.db.Create(&models.TuningGovernance{
		WorkspaceID:   ws,
		Mode:          models.ModeApply,
		Frozen:        true,
		FreezeReason:  "anomalous regime",
		CurrentRegime: models.RegimeHighVol,
	}).Error)

	res, err := h.svc.TriggerOptimization(context.Background(), ws)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "frozen: anomalous regime", res.Governance.Reason)
	assert.Empty(t, h.history(t))
}

func TestRunPass_ScheduledSkipsWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.seedFullRoster(t)

	res, err := h.opt.RunPass(context.Background(), ws, TriggerScheduled)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, h.feed.Calls("ListCandidateWallets"))
}

func TestRunPass_ScheduledLockContention(t *testing.T) {
	h := newHarness(t)
	enabled := true
	_, err := h.svc.UpdateOptimizerSettings(context.Background(), ws, SettingsUpdate{AutoOptimizeEnabled: &enabled})
	require.NoError(t, err)

	unlock, err := h.locker.Lock(context.Background(), lock.WorkspaceKey("optimizer", ws))
	require.NoError(t, err)

	_, err = h.opt.RunPass(context.Background(), ws, TriggerScheduled)
	assert.True(t, errors.Is(err, roster.ErrPassAlreadyRunning))

	// 手动触发等待进行中的运行结束
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.TriggerOptimization(context.Background(), ws)
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("manual pass must wait for the running pass")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	require.NoError(t, <-done)
}

func TestRunPass_FeedUnavailable(t *testing.T) {
	h := newHarness(t)
	h.seedFullRoster(t)
	h.feed.Err = feed.ErrUnavailable

	_, err := h.svc.TriggerOptimization(context.Background(), ws)
	require.Error(t, err)
	assert.True(t, errors.Is(err, feed.ErrUnavailable))
	assert.Empty(t, h.history(t))
}

// stalledSource 拉取名册指标时一直阻塞到 ctx 结束
type stalledSource struct {
	*feed.Fetcher
}

func (s stalledSource) WalletMetrics(ctx context.Context, _ []string) (map[string]*models.WalletMetrics, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunPass_TimeoutCommitsNothing(t *testing.T) {
	h := newHarness(t)
	addrs := h.seedFullRoster(t)
	h.feed.SetWallet(quality("0xnew", 1.0))
	h.feed.SetCandidates("0xnew")

	fetcher, err := feed.NewFetcher(h.feed, 2)
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)

	cfg := DefaultConfig()
	cfg.PassTimeout = 50 * time.Millisecond
	svc := h.service(cfg, stalledSource{Fetcher: fetcher})

	timeouts := monitor.GetMetrics().PassCounter(string(TriggerManual), "timeout")
	before := testutil.ToFloat64(timeouts)

	_, err = svc.TriggerOptimization(context.Background(), ws)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "rotation pass exceeded")

	for _, addr := range addrs {
		w := h.wallet(t, addr)
		assert.Equal(t, models.StatusActive, w.Status)
		assert.Equal(t, int64(1), w.Version)
		assert.InDelta(t, 20, w.AllocationPct, 1e-9)
	}
	var n int64
	require.NoError(t, h.db.Model(&models.WalletAllocation{}).Where("wallet_address = ?", "0xnew").Count(&n).Error)
	assert.Zero(t, n)
	assert.Empty(t, h.history(t))
	assert.Empty(t, h.pub.Rotations)

	assert.Equal(t, before+1, testutil.ToFloat64(timeouts))
}

func TestTriggerOptimization_RefreshesSnapshotCache(t *testing.T) {
	h := newHarness(t)
	h.seedFullRoster(t)
	ctx := context.Background()

	fetcher, err := feed.NewFetcher(cache.NewFeedCache(h.feed, time.Hour), 4)
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	svc := h.service(DefaultConfig(), fetcher)

	_, err = svc.TriggerOptimization(ctx, ws)
	require.NoError(t, err)
	first := h.feed.Calls("GetWalletMetrics")
	assert.Positive(t, first)

	// 预览沿用同一份快照
	_, err = svc.PreviewRecalculation(ctx, ws, models.TierActive)
	require.NoError(t, err)
	assert.Equal(t, first, h.feed.Calls("GetWalletMetrics"))

	// 手动运行前清空缓存，重新拉取
	_, err = svc.TriggerOptimization(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, 2*first, h.feed.Calls("GetWalletMetrics"))
}

func TestRunPass_BannedCandidateIgnored(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "0xa", models.StatusActive, 100)
	h.feed.SetWallet(quality("0xa", 0.5))
	h.feed.SetWallet(quality("0xbad", 1.0))
	h.feed.SetCandidates("0xbad")

	_, err := h.svc.Ban(context.Background(), ws, "0xbad", "wash trading", nil)
	require.NoError(t, err)

	res, err := h.svc.TriggerOptimization(context.Background(), ws)
	require.NoError(t, err)
	assert.Zero(t, res.CandidatesFound)

	var n int64
	require.NoError(t, h.db.Model(&models.WalletAllocation{}).Where("wallet_address = ?", "0xbad").Count(&n).Error)
	assert.Zero(t, n)
}

func TestRunPass_StaleMetricsWarn(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "0xa", models.StatusActive, 100)
	m := quality("0xa", 0.5)
	m.AsOf = now.Add(-24 * time.Hour)
	h.feed.SetWallet(m)

	res, err := h.svc.TriggerOptimization(context.Background(), ws)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "0xa")
	assert.Equal(t, 0.5, h.wallet(t, "0xa").ConfidenceScore)
}

func TestDue(t *testing.T) {
	last := now.Add(-7 * time.Hour)
	next := now.Add(time.Hour)

	tests := []struct {
		name string
		s    *models.OptimizerSetting
		want bool
	}{
		{"nil", nil, false},
		{"disabled", &models.OptimizerSetting{IntervalHours: 6}, false},
		{"never run", &models.OptimizerSetting{AutoOptimizeEnabled: true, IntervalHours: 6}, true},
		{"last run elapsed", &models.OptimizerSetting{AutoOptimizeEnabled: true, IntervalHours: 6, LastRunAt: &last}, true},
		{"next run pending", &models.OptimizerSetting{AutoOptimizeEnabled: true, IntervalHours: 6, LastRunAt: &last, NextRunAt: &next}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Due(tt.s, now))
		})
	}
}

func TestLoop_RunsDuePass(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "0xa", models.StatusActive, 100)
	h.feed.SetWallet(quality("0xa", 0.5))
	enabled := true
	_, err := h.svc.UpdateOptimizerSettings(context.Background(), ws, SettingsUpdate{AutoOptimizeEnabled: &enabled})
	require.NoError(t, err)
	// 设置为立即到期
	require.NoError(t, h.db.Model(&models.OptimizerSetting{}).Where("workspace_id = ?", ws).
		Update("next_run_at", now.Add(-time.Minute)).Error)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.opt.Loop(ctx, ws)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		s, err := h.opt.deps.Settings.Get(context.Background(), ws)
		return err == nil && s.LastRunAt != nil
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-stopped

	s, err := h.opt.deps.Settings.Get(context.Background(), ws)
	require.NoError(t, err)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.Equal(now.Add(6*time.Hour)))
}
