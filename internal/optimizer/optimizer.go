package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/utrading/utrading-roster-optimizer/internal/dao"
	"github.com/utrading/utrading-roster-optimizer/internal/feed"
	"github.com/utrading/utrading-roster-optimizer/internal/governance"
	"github.com/utrading/utrading-roster-optimizer/internal/lock"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/internal/nats"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
	"github.com/utrading/utrading-roster-optimizer/internal/scoring"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// RosterStore 名册持久化
type RosterStore interface {
	Load(ctx context.Context, workspaceID uint) ([]*models.WalletAllocation, []*models.WalletBan, error)
	Commit(ctx context.Context, cs *roster.Changeset) error
}

// SettingStore 工作区优化器配置
type SettingStore interface {
	Get(ctx context.Context, workspaceID uint) (*models.OptimizerSetting, error)
	Save(ctx context.Context, s *models.OptimizerSetting) error
	MarkRun(ctx context.Context, workspaceID uint, last time.Time, next *time.Time) error
}

// HistoryStore 轮换审计日志
type HistoryStore interface {
	List(ctx context.Context, workspaceID uint, q dao.HistoryQuery) ([]*models.RotationHistory, error)
	Acknowledge(ctx context.Context, workspaceID, id uint, at time.Time) (*models.RotationHistory, error)
	CountUnacknowledged(ctx context.Context, workspaceID uint) (int64, error)
}

// GovernanceSource 只读治理状态
type GovernanceSource interface {
	Get(ctx context.Context, workspaceID uint) (*models.TuningGovernance, error)
}

// MetricsSource 钱包指标来源
type MetricsSource interface {
	WalletMetrics(ctx context.Context, addresses []string) (map[string]*models.WalletMetrics, error)
	Provider() feed.Provider
}

type Deps struct {
	Rosters    RosterStore
	Settings   SettingStore
	History    HistoryStore
	Governance GovernanceSource
	Feed       MetricsSource
	Locker     lock.Locker
	Publisher  nats.EventPublisher
}

// RosterSummary 名册规模
type RosterSummary struct {
	Active int `json:"active"`
	Bench  int `json:"bench"`
	Pinned int `json:"pinned"`
}

func summarize(r *roster.Roster) RosterSummary {
	return RosterSummary{Active: r.ActiveCount(), Bench: r.BenchCount(), Pinned: r.PinnedCount()}
}

// PassResult 一次轮换运行的结果
type PassResult struct {
	WorkspaceID     uint                      `json:"workspace_id"`
	PassID          string                    `json:"pass_id,omitempty"`
	Trigger         Trigger                   `json:"trigger"`
	Skipped         bool                      `json:"skipped,omitempty"`
	CandidatesFound int                       `json:"candidates_found"`
	WalletsPromoted int                       `json:"wallets_promoted"`
	Thresholds      models.OptimizerCriteria  `json:"thresholds"`
	Applied         bool                      `json:"applied"`
	Governance      governance.Decision       `json:"governance"`
	Plan            *Plan                     `json:"plan,omitempty"`
	History         []*models.RotationHistory `json:"history,omitempty"`
	Roster          RosterSummary             `json:"roster"`
	Warnings        []string                  `json:"warnings,omitempty"`
	StartedAt       time.Time                 `json:"started_at"`
	FinishedAt      time.Time                 `json:"finished_at"`
}

// Optimizer 轮换优化器，运行状态全部来自 WorkspaceContext，自身不保存工作区状态
type Optimizer struct {
	cfg     Config
	planner *Planner
	deps    Deps
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, deps Deps) *Optimizer {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Publisher == nil {
		deps.Publisher = nats.Noop{}
	}
	return &Optimizer{
		cfg:     cfg,
		planner: NewPlanner(cfg),
		deps:    deps,
		log:     logger.Component("optimizer"),
		now:     time.Now,
	}
}

// SetClock 替换时间来源
func (o *Optimizer) SetClock(now func() time.Time) {
	o.now = now
}

func (o *Optimizer) Config() Config {
	return o.cfg
}

// RunPass 执行一次轮换
// 定时触发在未开启自动优化时跳过，锁被占用时返回 ErrPassAlreadyRunning；手动触发会等待进行中的运行结束
func (o *Optimizer) RunPass(ctx context.Context, workspaceID uint, trigger Trigger) (*PassResult, error) {
	started := time.Now()
	res, err := o.runPass(ctx, workspaceID, trigger)
	monitor.ObservePass(string(trigger), passOutcome(res, err), time.Since(started).Seconds())
	return res, err
}

func (o *Optimizer) runPass(ctx context.Context, workspaceID uint, trigger Trigger) (*PassResult, error) {
	setting, err := o.deps.Settings.Get(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load optimizer setting: %w", err)
	}
	if trigger == TriggerScheduled && !setting.AutoOptimizeEnabled {
		return &PassResult{
			WorkspaceID: workspaceID,
			Trigger:     trigger,
			Skipped:     true,
			Thresholds:  setting.Criteria,
		}, nil
	}

	unlock, err := o.acquire(ctx, workspaceID, trigger)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.PassTimeout)
	defer cancel()

	passID := ulid.Make().String()
	res, err := o.attempt(ctx, workspaceID, passID, trigger, setting)
	if errors.Is(err, roster.ErrPersistenceConflict) {
		monitor.IncPersistenceConflict()
		o.log.Warn().Err(err).Uint("workspace_id", workspaceID).Str("pass_id", passID).
			Msg("rotation pass conflicted, retrying once")
		res, err = o.attempt(ctx, workspaceID, passID, trigger, setting)
		if errors.Is(err, roster.ErrPersistenceConflict) {
			monitor.IncPersistenceConflict()
		}
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("rotation pass exceeded %s: %w", o.cfg.PassTimeout, err)
		}
		o.log.Error().Err(err).Uint("workspace_id", workspaceID).Str("pass_id", passID).
			Str("trigger", string(trigger)).Msg("rotation pass failed")
		return nil, err
	}

	o.finish(ctx, res, setting)
	return res, nil
}

func (o *Optimizer) acquire(ctx context.Context, workspaceID uint, trigger Trigger) (lock.Unlock, error) {
	key := lock.WorkspaceKey("optimizer", workspaceID)
	if trigger != TriggerScheduled {
		return o.deps.Locker.Lock(ctx, key)
	}

	unlock, err := o.deps.Locker.TryLock(ctx, key)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("workspace %d: %w", workspaceID, roster.ErrPassAlreadyRunning)
	}
	return unlock, err
}

// attempt 加载、评分、规划并在单个事务中提交；shadow 或冻结时只记录日志
func (o *Optimizer) attempt(ctx context.Context, workspaceID uint, passID string, trigger Trigger, setting *models.OptimizerSetting) (*PassResult, error) {
	now := o.now()

	wc, err := o.buildContext(ctx, workspaceID, passID, trigger, setting, now)
	if err != nil {
		return nil, err
	}

	results := o.planner.Score(wc)
	plan, err := o.planner.Plan(wc)
	if err != nil {
		return nil, fmt.Errorf("plan rotation: %w", err)
	}

	res := &PassResult{
		WorkspaceID:     workspaceID,
		PassID:          passID,
		Trigger:         trigger,
		CandidatesFound: plan.CandidatesFound,
		WalletsPromoted: plan.WalletsPromoted(),
		Thresholds:      wc.Criteria(),
		Governance:      wc.Decision,
		Plan:            plan,
		Roster:          summarize(wc.Roster),
		StartedAt:       now,
	}
	for _, r := range results {
		if r.Stale {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", r.Address, scoring.ErrStaleMetrics))
		}
	}

	cs := wc.Roster.Changes()
	cs.Audit = plan.Audit
	res.History = cs.History

	if !wc.Decision.Apply {
		o.log.Info().
			Uint("workspace_id", workspaceID).
			Str("pass_id", passID).
			Str("reason", wc.Decision.Reason).
			Int("candidates_found", res.CandidatesFound).
			Int("actions", len(cs.History)).
			Msg("rotation pass computed but not applied")
		for _, h := range cs.History {
			o.log.Debug().Uint("workspace_id", workspaceID).Str("action", string(h.Action)).
				Str("reason", h.Reason).Msg("recommended rotation")
		}
		res.FinishedAt = o.now()
		return res, nil
	}

	if err = o.deps.Rosters.Commit(ctx, cs); err != nil {
		return nil, err
	}
	res.Applied = true
	res.FinishedAt = o.now()

	o.log.Info().
		Uint("workspace_id", workspaceID).
		Str("pass_id", passID).
		Str("trigger", string(trigger)).
		Int("candidates_found", res.CandidatesFound).
		Int("wallets_promoted", res.WalletsPromoted).
		Int("actions", len(cs.History)).
		Msg("rotation pass applied")
	return res, nil
}

// buildContext 读取名册、治理状态和数据源指标，封禁钱包不进入评分池
func (o *Optimizer) buildContext(ctx context.Context, workspaceID uint, passID string, trigger Trigger, setting *models.OptimizerSetting, now time.Time) (*WorkspaceContext, error) {
	allocs, bans, err := o.deps.Rosters.Load(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	g, err := o.deps.Governance.Get(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load governance: %w", err)
	}

	wc := &WorkspaceContext{
		WorkspaceID: workspaceID,
		PassID:      passID,
		Trigger:     trigger,
		Now:         now,
		Setting:     setting,
		Decision:    governance.Decide(g),
		Roster:      roster.New(workspaceID, o.cfg.Limits, now, allocs, bans),
	}

	wc.Metrics, wc.Candidates, err = o.scoringPool(ctx, wc.Roster, setting.Criteria)
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// scoringPool 名册全部钱包加外部候选组成评分池
// 轮换与分配预览共用同一个池，sortino 归一化区间一致，预览结果与上一轮轮换相同
func (o *Optimizer) scoringPool(ctx context.Context, r *roster.Roster, criteria models.OptimizerCriteria) (map[string]*models.WalletMetrics, []string, error) {
	pool := make(map[string]*models.WalletMetrics)

	wallets := r.Wallets()
	if len(wallets) > 0 {
		addrs := make([]string, 0, len(wallets))
		for _, w := range wallets {
			addrs = append(addrs, w.WalletAddress)
		}
		metrics, err := o.deps.Feed.WalletMetrics(ctx, addrs)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch roster metrics: %w", err)
		}
		for addr, m := range metrics {
			pool[addr] = m
		}
	}

	list, err := o.deps.Feed.Provider().ListCandidateWallets(ctx, criteria)
	if err != nil {
		return nil, nil, fmt.Errorf("list candidate wallets: %w", err)
	}
	var candidates []string
	for _, m := range list {
		if m == nil || m.Address == "" || r.IsBanned(m.Address) {
			continue
		}
		if _, ok := pool[m.Address]; !ok {
			pool[m.Address] = m
		}
		candidates = append(candidates, m.Address)
	}
	return pool, candidates, nil
}

// finish 记录运行时间，已提交时发布事件并更新指标
func (o *Optimizer) finish(ctx context.Context, res *PassResult, setting *models.OptimizerSetting) {
	var next *time.Time
	if setting.AutoOptimizeEnabled && setting.Interval() > 0 {
		t := res.FinishedAt.Add(setting.Interval())
		next = &t
	}
	if err := o.deps.Settings.MarkRun(ctx, res.WorkspaceID, res.FinishedAt, next); err != nil {
		o.log.Warn().Err(err).Uint("workspace_id", res.WorkspaceID).Msg("record optimizer run failed")
	}

	if !res.Applied {
		return
	}
	monitor.SetRosterSize(res.WorkspaceID, res.Roster.Active, res.Roster.Bench, res.Roster.Pinned)
	o.publish(res.WorkspaceID, res.PassID, res.Trigger, res.History)
}

// publish 发布已提交的变更，失败只记录日志
func (o *Optimizer) publish(workspaceID uint, passID string, trigger Trigger, history []*models.RotationHistory) {
	if len(history) == 0 {
		return
	}
	for _, h := range history {
		monitor.IncRotation(string(h.Action), h.IsAutomatic)
	}
	ev := nats.NewRotationEvent(workspaceID, passID, string(trigger), history, o.now())
	if err := o.deps.Publisher.PublishRotation(ev); err != nil {
		o.log.Warn().Err(err).Uint("workspace_id", workspaceID).Msg("publish rotation event failed")
	}
}

func passOutcome(res *PassResult, err error) string {
	switch {
	case errors.Is(err, roster.ErrPassAlreadyRunning):
		return "already_running"
	case errors.Is(err, roster.ErrPersistenceConflict):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return "error"
	case res.Skipped:
		return "skipped"
	case !res.Applied:
		return "not_applied"
	}
	return "applied"
}
