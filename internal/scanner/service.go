// Package scanner 市场机会扫描：多因子评分，划分 core / exploration 监控层级
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/utrading/utrading-roster-optimizer/config"
	"github.com/utrading/utrading-roster-optimizer/internal/feed"
	"github.com/utrading/utrading-roster-optimizer/internal/governance"
	"github.com/utrading/utrading-roster-optimizer/internal/lock"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/monitor"
	"github.com/utrading/utrading-roster-optimizer/internal/nats"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// Store 扫描结果与配置的持久化
type Store interface {
	GetSetting(ctx context.Context, workspaceID uint) (*models.OpportunitySetting, error)
	SaveSetting(ctx context.Context, s *models.OpportunitySetting) error
	MarkScan(ctx context.Context, s *models.OpportunitySetting, at time.Time) error
	SaveScores(ctx context.Context, scores []*models.MarketSelectionScore) error
	ApplySelection(ctx context.Context, workspaceID uint, scores []*models.MarketSelectionScore, subs []*models.MarketSubscription) error
	ListSubscriptions(ctx context.Context, workspaceID uint) ([]*models.MarketSubscription, error)
	LatestScores(ctx context.Context, workspaceID uint) ([]*models.MarketSelectionScore, error)
}

// MarketSource 市场因子来源
type MarketSource interface {
	MarketSignals(ctx context.Context, marketIDs []string) (map[string]*models.MarketSignals, error)
	Provider() feed.Provider
}

type GovernanceSource interface {
	Get(ctx context.Context, workspaceID uint) (*models.TuningGovernance, error)
}

type Config struct {
	Enabled        bool
	MaxMarketsCap  int
	Aggressiveness models.Aggressiveness
	ScanInterval   time.Duration
	CheckInterval  time.Duration
	Timeout        time.Duration
	Score          ScoreConfig
}

// NewConfig 由 [scanner] 配置段构建
func NewConfig(c config.Scanner) Config {
	cfg := Config{
		Enabled:        c.Enabled,
		MaxMarketsCap:  c.MaxMarketsCap,
		Aggressiveness: models.Aggressiveness(c.Aggressiveness),
		ScanInterval:   c.ScanInterval,
		CheckInterval:  c.CheckInterval,
		Score:          DefaultScoreConfig(),
	}
	if c.MinSignalsForCore > 0 {
		cfg.Score.MinSignalsForCore = c.MinSignalsForCore
	}
	if cfg.MaxMarketsCap <= 0 {
		cfg.MaxMarketsCap = 20
	}
	if !cfg.Aggressiveness.Valid() {
		cfg.Aggressiveness = models.AggressivenessBalanced
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 15 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}

func DefaultConfig() Config {
	return NewConfig(config.Default().Scanner)
}

type Deps struct {
	Store      Store
	Feed       MarketSource
	Governance GovernanceSource
	Locker     lock.Locker
	Publisher  nats.EventPublisher
}

// Service 机会扫描服务，不保存工作区状态
type Service struct {
	cfg    Config
	deps   Deps
	scorer *Scorer
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(cfg Config, deps Deps) *Service {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Publisher == nil {
		deps.Publisher = nats.Noop{}
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		scorer: NewScorer(cfg.Score),
		log:    logger.Component("scanner"),
		now:    time.Now,
	}
}

// SetClock 替换时间来源
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Recommendation 按档位和市场状态给出的探索名额建议
type Recommendation struct {
	Aggressiveness   models.Aggressiveness `json:"aggressiveness"`
	ExplorationSlots int                   `json:"exploration_slots"`
	Regime           models.Regime         `json:"regime"`
	Reason           string                `json:"reason,omitempty"`
}

func (s *Service) recommend(setting *models.OpportunitySetting, regime models.Regime) Recommendation {
	adjusted := AdjustForRegime(setting.Aggressiveness, regime)
	rec := Recommendation{
		Aggressiveness:   adjusted,
		ExplorationSlots: RecommendedSlots(adjusted, setting.MaxMarketsCap),
		Regime:           regime,
	}
	if adjusted != setting.Aggressiveness {
		rec.Reason = fmt.Sprintf("regime %s shifts %s to %s", regime, setting.Aggressiveness, adjusted)
	}
	return rec
}

// OpportunitySelection 工作区当前的扫描配置与生效集合
type OpportunitySelection struct {
	WorkspaceID         uint                  `json:"workspace_id"`
	Aggressiveness      models.Aggressiveness `json:"aggressiveness"`
	ExplorationSlots    int                   `json:"exploration_slots"`
	MaxMarketsCap       int                   `json:"max_markets_cap"`
	ScanIntervalMinutes int                   `json:"scan_interval_minutes"`
	LastScanAt          *time.Time            `json:"last_scan_at,omitempty"`
	Recommendation      Recommendation        `json:"recommendation"`
	Governance          governance.Decision   `json:"governance"`
	Core                []string              `json:"core"`
	Exploration         []string              `json:"exploration"`
}

func (s *Service) GetOpportunitySelection(ctx context.Context, workspaceID uint) (*OpportunitySelection, error) {
	setting, err := s.setting(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	g, err := s.deps.Governance.Get(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load governance: %w", err)
	}
	subs, err := s.deps.Store.ListSubscriptions(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	d := governance.Decide(g)
	sel := &OpportunitySelection{
		WorkspaceID:         workspaceID,
		Aggressiveness:      setting.Aggressiveness,
		ExplorationSlots:    setting.ExplorationSlots,
		MaxMarketsCap:       setting.MaxMarketsCap,
		ScanIntervalMinutes: setting.ScanIntervalMinutes,
		LastScanAt:          setting.LastScanAt,
		Recommendation:      s.recommend(setting, d.Regime),
		Governance:          d,
		Core:                []string{},
		Exploration:         []string{},
	}
	for _, sub := range subs {
		switch sub.Tier {
		case models.MarketTierCore:
			sel.Core = append(sel.Core, sub.MarketID)
		case models.MarketTierExploration:
			sel.Exploration = append(sel.Exploration, sub.MarketID)
		}
	}
	return sel, nil
}

// OpportunityUpdate 为空的字段保持不变
type OpportunityUpdate struct {
	Aggressiveness      *models.Aggressiveness `json:"aggressiveness,omitempty"`
	ExplorationSlots    *int                   `json:"exploration_slots,omitempty"`
	MaxMarketsCap       *int                   `json:"max_markets_cap,omitempty"`
	ScanIntervalMinutes *int                   `json:"scan_interval_minutes,omitempty"`
}

// UpdateOpportunitySettings 修改档位但未指定名额时使用档位推荐值
func (s *Service) UpdateOpportunitySettings(ctx context.Context, workspaceID uint, u OpportunityUpdate) (*models.OpportunitySetting, error) {
	setting, err := s.setting(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if u.Aggressiveness != nil {
		if !u.Aggressiveness.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAggressiveness, *u.Aggressiveness)
		}
		setting.Aggressiveness = *u.Aggressiveness
	}
	if u.MaxMarketsCap != nil {
		setting.MaxMarketsCap = *u.MaxMarketsCap
	}
	switch {
	case u.ExplorationSlots != nil:
		setting.ExplorationSlots = *u.ExplorationSlots
	case u.Aggressiveness != nil || u.MaxMarketsCap != nil:
		setting.ExplorationSlots = RecommendedSlots(setting.Aggressiveness, setting.MaxMarketsCap)
	}
	if u.ScanIntervalMinutes != nil {
		if *u.ScanIntervalMinutes < 1 {
			return nil, fmt.Errorf("%w: scan_interval_minutes must be positive", ErrInvalidSettings)
		}
		setting.ScanIntervalMinutes = *u.ScanIntervalMinutes
	}

	if err = ValidateSlots(setting.ExplorationSlots, setting.MaxMarketsCap); err != nil {
		return nil, err
	}
	if err = s.deps.Store.SaveSetting(ctx, setting); err != nil {
		return nil, err
	}
	s.log.Info().
		Uint("workspace_id", workspaceID).
		Str("aggressiveness", string(setting.Aggressiveness)).
		Int("exploration_slots", setting.ExplorationSlots).
		Int("max_markets_cap", setting.MaxMarketsCap).
		Msg("opportunity settings updated")
	return s.setting(ctx, workspaceID)
}

// setting 未配置时返回按全局配置推荐的默认值
func (s *Service) setting(ctx context.Context, workspaceID uint) (*models.OpportunitySetting, error) {
	setting, err := s.deps.Store.GetSetting(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load opportunity setting: %w", err)
	}
	if setting != nil {
		if !setting.Aggressiveness.Valid() {
			setting.Aggressiveness = s.cfg.Aggressiveness
		}
		return setting, nil
	}
	return &models.OpportunitySetting{
		WorkspaceID:         workspaceID,
		Aggressiveness:      s.cfg.Aggressiveness,
		ExplorationSlots:    RecommendedSlots(s.cfg.Aggressiveness, s.cfg.MaxMarketsCap),
		MaxMarketsCap:       s.cfg.MaxMarketsCap,
		ScanIntervalMinutes: int(s.cfg.ScanInterval / time.Minute),
	}, nil
}

// ScanResult 一次扫描的结果
type ScanResult struct {
	WorkspaceID    uint                           `json:"workspace_id"`
	ScanID         string                         `json:"scan_id"`
	Scheduled      bool                           `json:"scheduled"`
	MarketsScored  int                            `json:"markets_scored"`
	Core           []string                       `json:"core"`
	Exploration    []string                       `json:"exploration"`
	Applied        bool                           `json:"applied"`
	Governance     governance.Decision            `json:"governance"`
	Recommendation Recommendation                 `json:"recommendation"`
	Scores         []*models.MarketSelectionScore `json:"scores,omitempty"`
	StartedAt      time.Time                      `json:"started_at"`
	FinishedAt     time.Time                      `json:"finished_at"`
}

// RunScan 执行一次扫描
// 定时扫描在锁被占用时返回 ErrPassAlreadyRunning；手动扫描等待进行中的扫描结束
func (s *Service) RunScan(ctx context.Context, workspaceID uint, scheduled bool) (*ScanResult, error) {
	res, err := s.runScan(ctx, workspaceID, scheduled)
	monitor.IncScan(scanOutcome(res, err))
	return res, err
}

func (s *Service) runScan(ctx context.Context, workspaceID uint, scheduled bool) (*ScanResult, error) {
	key := lock.WorkspaceKey("scanner", workspaceID)
	var (
		unlock lock.Unlock
		err    error
	)
	if scheduled {
		unlock, err = s.deps.Locker.TryLock(ctx, key)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("workspace %d: %w", workspaceID, roster.ErrPassAlreadyRunning)
		}
	} else {
		unlock, err = s.deps.Locker.Lock(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	setting, err := s.setting(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if err = ValidateSlots(setting.ExplorationSlots, setting.MaxMarketsCap); err != nil {
		return nil, err
	}
	g, err := s.deps.Governance.Get(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load governance: %w", err)
	}
	decision := governance.Decide(g)

	now := s.now()
	res := &ScanResult{
		WorkspaceID:    workspaceID,
		ScanID:         ulid.Make().String(),
		Scheduled:      scheduled,
		Governance:     decision,
		Recommendation: s.recommend(setting, decision.Regime),
		StartedAt:      now,
	}

	candidates, err := s.score(ctx, workspaceID, res.ScanID, now)
	if err != nil {
		return nil, err
	}
	sel := Select(candidates, setting.ExplorationSlots, setting.MaxMarketsCap)

	res.MarketsScored = len(candidates)
	res.Core = Markets(sel.Core)
	res.Exploration = Markets(sel.Exploration)
	res.Scores = make([]*models.MarketSelectionScore, 0, len(candidates))
	for _, c := range candidates {
		c.Score.Applied = decision.Apply
		res.Scores = append(res.Scores, c.Score)
	}

	if !decision.Apply {
		if err = s.deps.Store.SaveScores(ctx, res.Scores); err != nil {
			return nil, fmt.Errorf("save market scores: %w", err)
		}
		s.log.Info().
			Uint("workspace_id", workspaceID).
			Str("scan_id", res.ScanID).
			Str("reason", decision.Reason).
			Strs("core", res.Core).
			Strs("exploration", res.Exploration).
			Msg("market selection computed but not applied")
	} else {
		subs := subscriptions(workspaceID, res.ScanID, sel, now)
		if err = s.deps.Store.ApplySelection(ctx, workspaceID, res.Scores, subs); err != nil {
			return nil, fmt.Errorf("apply market selection: %w", err)
		}
		res.Applied = true
		monitor.SetMarketsSelected(workspaceID, len(res.Core), len(res.Exploration))
		s.log.Info().
			Uint("workspace_id", workspaceID).
			Str("scan_id", res.ScanID).
			Int("markets_scored", res.MarketsScored).
			Int("core", len(res.Core)).
			Int("exploration", len(res.Exploration)).
			Msg("market selection applied")
	}

	if err = s.deps.Store.MarkScan(ctx, setting, now); err != nil {
		s.log.Warn().Err(err).Uint("workspace_id", workspaceID).Msg("record scan time failed")
	}
	res.FinishedAt = s.now()

	if res.Applied {
		ev := nats.NewMarketSelectionEvent(workspaceID, res.ScanID, res.Core, res.Exploration, res.FinishedAt)
		if err := s.deps.Publisher.PublishMarketSelection(ev); err != nil {
			s.log.Warn().Err(err).Uint("workspace_id", workspaceID).Msg("publish market selection failed")
		}
	}
	return res, nil
}

// score 拉取所有市场因子并评分，数据源没有快照的市场跳过
func (s *Service) score(ctx context.Context, workspaceID uint, scanID string, now time.Time) ([]*Candidate, error) {
	ids, err := s.deps.Feed.Provider().ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	signals, err := s.deps.Feed.MarketSignals(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch market signals: %w", err)
	}

	subs, err := s.deps.Store.ListSubscriptions(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	current := make(map[string]*models.MarketSubscription, len(subs))
	for _, sub := range subs {
		current[sub.MarketID] = sub
	}

	latest, err := s.deps.Store.LatestScores(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load previous scores: %w", err)
	}
	prev := make(map[string]*models.MarketSelectionScore, len(latest))
	for _, sc := range latest {
		prev[sc.MarketID] = sc
	}

	pool := make([]*models.MarketSignals, 0, len(signals))
	for _, id := range ids {
		if sig, ok := signals[id]; ok {
			sig.MarketID = id
			pool = append(pool, sig)
		}
	}
	return s.scorer.ScoreAll(workspaceID, scanID, pool, current, prev, now), nil
}

func subscriptions(workspaceID uint, scanID string, sel Selection, now time.Time) []*models.MarketSubscription {
	out := make([]*models.MarketSubscription, 0, len(sel.Core)+len(sel.Exploration))
	add := func(cs []*Candidate, tier models.MarketTier) {
		for _, c := range cs {
			subscribedAt := now
			if c.Subscribed != nil {
				subscribedAt = c.Subscribed.SubscribedAt
			}
			out = append(out, &models.MarketSubscription{
				WorkspaceID:  workspaceID,
				MarketID:     c.Score.MarketID,
				Tier:         tier,
				TotalScore:   c.Score.TotalScore,
				ScanID:       scanID,
				SubscribedAt: subscribedAt,
			})
		}
	}
	add(sel.Core, models.MarketTierCore)
	add(sel.Exploration, models.MarketTierExploration)
	return out
}

// Due 判断工作区是否到了扫描时间
func Due(setting *models.OpportunitySetting, now time.Time) bool {
	if setting == nil || setting.LastScanAt == nil {
		return true
	}
	interval := time.Duration(setting.ScanIntervalMinutes) * time.Minute
	if interval <= 0 {
		return false
	}
	return !now.Before(setting.LastScanAt.Add(interval))
}

// Loop 按 CheckInterval 检查并执行到期的扫描，直到 ctx 结束
func (s *Service) Loop(ctx context.Context, workspaceID uint) {
	if !s.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.log.Info().Uint("workspace_id", workspaceID).Msg("scanner loop started")
	defer s.log.Info().Uint("workspace_id", workspaceID).Msg("scanner loop stopped")

	s.tick(ctx, workspaceID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, workspaceID)
		}
	}
}

func (s *Service) tick(ctx context.Context, workspaceID uint) {
	setting, err := s.setting(ctx, workspaceID)
	if err != nil {
		s.log.Error().Err(err).Uint("workspace_id", workspaceID).Msg("load opportunity setting failed")
		return
	}
	if !Due(setting, s.now()) {
		return
	}

	_, err = s.RunScan(ctx, workspaceID, true)
	switch {
	case errors.Is(err, roster.ErrPassAlreadyRunning):
		s.log.Debug().Uint("workspace_id", workspaceID).Msg("scheduled scan skipped, another scan is running")
	case err != nil && ctx.Err() == nil:
		s.log.Warn().Err(err).Uint("workspace_id", workspaceID).Msg("scheduled scan failed")
	}
}

func scanOutcome(res *ScanResult, err error) string {
	switch {
	case errors.Is(err, roster.ErrPassAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrInvalidExplorationSlots), errors.Is(err, ErrInvalidSettings):
		return "invalid_settings"
	case err != nil:
		return "error"
	case !res.Applied:
		return "not_applied"
	}
	return "applied"
}
