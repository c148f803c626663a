package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/utrading/utrading-roster-optimizer/internal/allocation"
	"github.com/utrading/utrading-roster-optimizer/internal/dao"
	"github.com/utrading/utrading-roster-optimizer/internal/governance"
	"github.com/utrading/utrading-roster-optimizer/internal/lock"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
	"github.com/utrading/utrading-roster-optimizer/internal/scoring"
)

const maxIntervalHours = 24 * 7

// Service 名册对外操作，所有写操作与轮换运行共用工作区锁
type Service struct {
	opt *Optimizer
}

func NewService(opt *Optimizer) *Service {
	return &Service{opt: opt}
}

func (s *Service) Optimizer() *Optimizer {
	return s.opt
}

// TriggerOptimization 立即运行一次（Run Now），忽略自动优化开关
func (s *Service) TriggerOptimization(ctx context.Context, workspaceID uint) (*PassResult, error) {
	if c, ok := s.opt.deps.Feed.Provider().(snapshotCache); ok {
		c.Invalidate()
	}
	return s.opt.RunPass(ctx, workspaceID, TriggerManual)
}

// snapshotCache 带快照缓存的数据源，手动运行前清空以使用最新指标
type snapshotCache interface {
	Invalidate()
}

// RecalculationResult 分配重算结果
type RecalculationResult struct {
	Previews    []allocation.Preview `json:"previews"`
	Applied     bool                 `json:"applied"`
	WalletCount int                  `json:"wallet_count"`
}

// PreviewRecalculation 只计算不落库，输入不变时结果相同
func (s *Service) PreviewRecalculation(ctx context.Context, workspaceID uint, tier models.Tier) ([]allocation.Preview, error) {
	if tier != models.TierActive {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTier, tier)
	}
	allocs, bans, err := s.opt.deps.Rosters.Load(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	r := roster.New(workspaceID, s.opt.cfg.Limits, s.opt.now(), allocs, bans)
	previews, _ := s.recalculate(ctx, r)
	return previews, nil
}

// ApplyRecalculation 重算并在单个事务中写入全部分配，同时记录评分证据
func (s *Service) ApplyRecalculation(ctx context.Context, workspaceID uint, tier models.Tier) (*RecalculationResult, error) {
	if tier != models.TierActive {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTier, tier)
	}

	var previews []allocation.Preview
	_, err := s.mutate(ctx, workspaceID, func(r *roster.Roster) (*models.AllocationAudit, error) {
		var scores map[string]scoring.Result
		previews, scores = s.recalculate(ctx, r)
		if len(previews) == 0 {
			return nil, nil
		}
		if err := allocation.Validate(previews); err != nil {
			return nil, err
		}
		for _, pv := range previews {
			if res, ok := scores[pv.WalletAddress]; ok {
				w, _ := r.Get(pv.WalletAddress)
				r.SetScore(pv.WalletAddress, res.Score, res.Confidence, w.ConsecutiveLoss)
			}
			if err := r.SetAllocation(pv.WalletAddress, pv.RecommendedPct); err != nil {
				return nil, err
			}
		}
		wc := &WorkspaceContext{WorkspaceID: workspaceID, Now: r.Now()}
		return newAudit(wc, previews), nil
	})
	if err != nil {
		return nil, err
	}
	return &RecalculationResult{Previews: previews, Applied: true, WalletCount: len(previews)}, nil
}

// recalculate 使用与轮换相同的评分池计算建议分配，数据源不可用时使用已保存的评分
func (s *Service) recalculate(ctx context.Context, r *roster.Roster) ([]allocation.Preview, map[string]scoring.Result) {
	if len(r.ByTier(models.TierActive)) == 0 {
		return nil, nil
	}

	scores := make(map[string]scoring.Result)
	setting, err := s.opt.deps.Settings.Get(ctx, r.WorkspaceID())
	if err != nil {
		s.opt.log.Warn().Err(err).Uint("workspace_id", r.WorkspaceID()).
			Msg("load optimizer setting failed, recalculating from stored scores")
		return s.opt.planner.Recalculate(r, scores), scores
	}
	metrics, _, err := s.opt.scoringPool(ctx, r, setting.Criteria)
	if err != nil {
		s.opt.log.Warn().Err(err).Uint("workspace_id", r.WorkspaceID()).
			Msg("feed unavailable, recalculating from stored scores")
		return s.opt.planner.Recalculate(r, scores), scores
	}
	for _, res := range s.opt.planner.scorePool(metrics, r.Now()) {
		scores[res.Address] = res
	}
	return s.opt.planner.Recalculate(r, scores), scores
}

// Promote 人工提升到 active
func (s *Service) Promote(ctx context.Context, workspaceID uint, address, reason string) (*models.WalletAllocation, error) {
	return s.walletOp(ctx, workspaceID, address, func(r *roster.Roster, addr string) error {
		return r.Promote(addr, roster.Manual(orDefault(reason, "manual promote")))
	})
}

// Demote 人工降级到 bench，固定钱包同样允许
func (s *Service) Demote(ctx context.Context, workspaceID uint, address, reason string) (*models.WalletAllocation, error) {
	return s.walletOp(ctx, workspaceID, address, func(r *roster.Roster, addr string) error {
		return r.Demote(addr, roster.Manual(orDefault(reason, "manual demote")))
	})
}

func (s *Service) Pin(ctx context.Context, workspaceID uint, address, reason string) (*models.WalletAllocation, error) {
	return s.walletOp(ctx, workspaceID, address, func(r *roster.Roster, addr string) error {
		return r.Pin(addr, roster.Manual(orDefault(reason, "manual pin")))
	})
}

func (s *Service) Unpin(ctx context.Context, workspaceID uint, address, reason string) (*models.WalletAllocation, error) {
	return s.walletOp(ctx, workspaceID, address, func(r *roster.Roster, addr string) error {
		return r.Unpin(addr, roster.Manual(orDefault(reason, "manual unpin")))
	})
}

// AddWallet 加入 bench 监控
func (s *Service) AddWallet(ctx context.Context, workspaceID uint, address string, opts roster.AddOptions, reason string) (*models.WalletAllocation, error) {
	return s.walletOp(ctx, workspaceID, address, func(r *roster.Roster, addr string) error {
		return r.Add(addr, opts, roster.Manual(orDefault(reason, "manual add")))
	})
}

// RemoveWallet 移出名册
func (s *Service) RemoveWallet(ctx context.Context, workspaceID uint, address, reason string) error {
	addr, err := normalizeAddress(address)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, workspaceID, func(r *roster.Roster) (*models.AllocationAudit, error) {
		return nil, r.Remove(addr, roster.Manual(orDefault(reason, "manual remove")))
	})
	return err
}

// Ban 封禁钱包并移出名册，expiresAt 为空表示永久
func (s *Service) Ban(ctx context.Context, workspaceID uint, address, reason string, expiresAt *time.Time) (*models.WalletBan, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	r, err := s.mutate(ctx, workspaceID, func(r *roster.Roster) (*models.AllocationAudit, error) {
		return nil, r.BanWallet(addr, orDefault(reason, "manual ban"), expiresAt, roster.Manual(""))
	})
	if err != nil {
		return nil, err
	}
	ban, _ := r.Ban(addr)
	return ban, nil
}

func (s *Service) Unban(ctx context.Context, workspaceID uint, address, reason string) error {
	addr, err := normalizeAddress(address)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, workspaceID, func(r *roster.Roster) (*models.AllocationAudit, error) {
		return nil, r.Unban(addr, roster.Manual(orDefault(reason, "manual unban")))
	})
	return err
}

func (s *Service) walletOp(ctx context.Context, workspaceID uint, address string, op func(r *roster.Roster, addr string) error) (*models.WalletAllocation, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	r, err := s.mutate(ctx, workspaceID, func(r *roster.Roster) (*models.AllocationAudit, error) {
		return nil, op(r, addr)
	})
	if err != nil {
		return nil, err
	}
	w, _ := r.Get(addr)
	return w, nil
}

// mutate 持锁加载名册、执行变更并提交，版本冲突时重新加载重试一次
func (s *Service) mutate(ctx context.Context, workspaceID uint, fn func(r *roster.Roster) (*models.AllocationAudit, error)) (*roster.Roster, error) {
	unlock, err := s.opt.deps.Locker.Lock(ctx, lock.WorkspaceKey("optimizer", workspaceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, cs, err := s.commit(ctx, workspaceID, fn)
	if errors.Is(err, roster.ErrPersistenceConflict) {
		monitor.IncPersistenceConflict()
		s.opt.log.Warn().Err(err).Uint("workspace_id", workspaceID).Msg("roster update conflicted, retrying once")
		r, cs, err = s.commit(ctx, workspaceID, fn)
	}
	if err != nil {
		return nil, err
	}

	monitor.SetRosterSize(workspaceID, r.ActiveCount(), r.BenchCount(), r.PinnedCount())
	s.opt.publish(workspaceID, "", TriggerOperator, cs.History)
	return r, nil
}

func (s *Service) commit(ctx context.Context, workspaceID uint, fn func(r *roster.Roster) (*models.AllocationAudit, error)) (*roster.Roster, *roster.Changeset, error) {
	allocs, bans, err := s.opt.deps.Rosters.Load(ctx, workspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load roster: %w", err)
	}
	r := roster.New(workspaceID, s.opt.cfg.Limits, s.opt.now(), allocs, bans)

	audit, err := fn(r)
	if err != nil {
		return nil, nil, err
	}
	if err = r.Check(); err != nil {
		return nil, nil, err
	}

	cs := r.Changes()
	cs.Audit = audit
	if err = s.opt.deps.Rosters.Commit(ctx, cs); err != nil {
		return nil, nil, err
	}
	return r, cs, nil
}

// ListRotationHistory 按时间倒序返回审计日志
func (s *Service) ListRotationHistory(ctx context.Context, workspaceID uint, q dao.HistoryQuery) ([]*models.RotationHistory, error) {
	if q.Action != "" && !q.Action.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, q.Action)
	}
	return s.opt.deps.History.List(ctx, workspaceID, q)
}

// AcknowledgeRotation 确认审计记录，重复确认不改变确认时间
func (s *Service) AcknowledgeRotation(ctx context.Context, workspaceID, entryID uint) (*models.RotationHistory, error) {
	return s.opt.deps.History.Acknowledge(ctx, workspaceID, entryID, s.opt.now())
}

// Status 工作区优化器状态
type Status struct {
	WorkspaceID         uint                       `json:"workspace_id"`
	Enabled             bool                       `json:"enabled"`
	IntervalHours       int                        `json:"interval_hours"`
	LastRunAt           *time.Time                 `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time                 `json:"next_run_at,omitempty"`
	Criteria            models.OptimizerCriteria   `json:"criteria"`
	ActiveWalletCount   int                        `json:"active_wallet_count"`
	BenchWalletCount    int                        `json:"bench_wallet_count"`
	PinnedWalletCount   int                        `json:"pinned_wallet_count"`
	AllocatedPct        float64                    `json:"allocated_pct"`
	UnacknowledgedCount int64                      `json:"unacknowledged_count"`
	Governance          governance.Decision        `json:"governance"`
	Wallets             []*models.WalletAllocation `json:"wallets"`
}

func (s *Service) GetOptimizerStatus(ctx context.Context, workspaceID uint) (*Status, error) {
	setting, err := s.opt.deps.Settings.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	allocs, bans, err := s.opt.deps.Rosters.Load(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	g, err := s.opt.deps.Governance.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	unacked, err := s.opt.deps.History.CountUnacknowledged(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	r := roster.New(workspaceID, s.opt.cfg.Limits, s.opt.now(), allocs, bans)
	return &Status{
		WorkspaceID:         workspaceID,
		Enabled:             setting.AutoOptimizeEnabled,
		IntervalHours:       setting.IntervalHours,
		LastRunAt:           setting.LastRunAt,
		NextRunAt:           setting.NextRunAt,
		Criteria:            setting.Criteria,
		ActiveWalletCount:   r.ActiveCount(),
		BenchWalletCount:    r.BenchCount(),
		PinnedWalletCount:   r.PinnedCount(),
		AllocatedPct:        r.ActiveAllocationSum(),
		UnacknowledgedCount: unacked,
		Governance:          governance.Decide(g),
		Wallets:             r.Wallets(),
	}, nil
}

// SettingsUpdate 为空的字段保持不变
type SettingsUpdate struct {
	AutoOptimizeEnabled *bool                     `json:"auto_optimize_enabled,omitempty"`
	IntervalHours       *int                      `json:"interval_hours,omitempty"`
	Criteria            *models.OptimizerCriteria `json:"criteria,omitempty"`
}

// UpdateOptimizerSettings 更新配置并重新计算下次运行时间
func (s *Service) UpdateOptimizerSettings(ctx context.Context, workspaceID uint, u SettingsUpdate) (*models.OptimizerSetting, error) {
	setting, err := s.opt.deps.Settings.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if u.AutoOptimizeEnabled != nil {
		setting.AutoOptimizeEnabled = *u.AutoOptimizeEnabled
	}
	if u.IntervalHours != nil {
		if *u.IntervalHours < 1 || *u.IntervalHours > maxIntervalHours {
			return nil, fmt.Errorf("%w: interval_hours must be between 1 and %d", ErrInvalidSettings, maxIntervalHours)
		}
		setting.IntervalHours = *u.IntervalHours
	}
	if u.Criteria != nil {
		if err = validateCriteria(*u.Criteria); err != nil {
			return nil, err
		}
		setting.Criteria = *u.Criteria
	}

	setting.NextRunAt = nil
	if setting.AutoOptimizeEnabled {
		base := s.opt.now()
		if setting.LastRunAt != nil {
			base = *setting.LastRunAt
		}
		next := base.Add(setting.Interval())
		setting.NextRunAt = &next
	}

	if err = s.opt.deps.Settings.Save(ctx, setting); err != nil {
		return nil, err
	}
	s.opt.log.Info().
		Uint("workspace_id", workspaceID).
		Bool("enabled", setting.AutoOptimizeEnabled).
		Int("interval_hours", setting.IntervalHours).
		Msg("optimizer settings updated")
	return s.opt.deps.Settings.Get(ctx, workspaceID)
}

func validateCriteria(c models.OptimizerCriteria) error {
	switch {
	case c.MinWinRate < 0 || c.MinWinRate > 1:
		return fmt.Errorf("%w: min_win_rate must be within [0,1]", ErrInvalidSettings)
	case c.MinTrades30d < 0:
		return fmt.Errorf("%w: min_trades_30d must not be negative", ErrInvalidSettings)
	}
	return nil
}

func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrInvalidAddress
	}
	return addr, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
