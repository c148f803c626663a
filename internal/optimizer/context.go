// Package optimizer 名册轮换优化器：评分、生命周期规则、补位与替换、分配重算
package optimizer

import (
	"time"

	"github.com/utrading/utrading-roster-optimizer/config"
	"github.com/utrading/utrading-roster-optimizer/internal/allocation"
	"github.com/utrading/utrading-roster-optimizer/internal/governance"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
	"github.com/utrading/utrading-roster-optimizer/internal/scoring"
)

// Trigger 运行来源
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerOperator  Trigger = "operator" // 人工名册操作
)

type Config struct {
	Limits                 roster.Limits
	ReplaceMargin          float64
	LossThreshold          int
	EmergencyLossThreshold int
	ProbationAllocationPct float64
	GraceAllocationPct     float64
	PassTimeout            time.Duration
	CheckInterval          time.Duration
	Scoring                scoring.Config
	Allocation             allocation.Config
}

// NewConfig 由 [optimizer] 配置段构建
func NewConfig(c config.Optimizer) Config {
	limits := roster.DefaultLimits()
	if c.ActiveCapacity > 0 {
		limits.ActiveCapacity = c.ActiveCapacity
	}
	if c.PinLimit > 0 {
		limits.PinLimit = c.PinLimit
	}
	if c.ProbationWindow > 0 {
		limits.ProbationWindow = c.ProbationWindow
	}
	if c.GraceWindow > 0 {
		limits.GraceWindow = c.GraceWindow
	}

	cfg := Config{
		Limits:                 limits,
		ReplaceMargin:          c.ReplaceMargin,
		LossThreshold:          c.LossThreshold,
		EmergencyLossThreshold: c.EmergencyLossThreshold,
		ProbationAllocationPct: c.ProbationAllocationPct,
		GraceAllocationPct:     c.GraceAllocationPct,
		PassTimeout:            c.PassTimeout,
		CheckInterval:          c.ScheduleCheckInterval,
		Scoring: scoring.Config{
			MinSampleSize: c.MinSampleSize,
			StaleAfter:    c.StaleAfter,
			StalePenalty:  c.StalePenalty,
		},
		Allocation: allocation.Config{
			MinAllocPct:       c.MinAllocPct,
			MaxAllocPct:       c.MaxAllocPct,
			VolatilityDamping: c.VolatilityDamping,
			MaxPasses:         c.MaxPasses,
		},
	}
	return cfg.withDefaults()
}

// DefaultConfig 与 config.Default() 的 [optimizer] 段一致
func DefaultConfig() Config {
	return NewConfig(config.Default().Optimizer)
}

func (c Config) withDefaults() Config {
	if c.LossThreshold <= 0 {
		c.LossThreshold = 3
	}
	if c.EmergencyLossThreshold < c.LossThreshold {
		c.EmergencyLossThreshold = 2 * c.LossThreshold
	}
	if c.ReplaceMargin < 0 {
		c.ReplaceMargin = 0
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = 30 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	return c
}

// WorkspaceContext 单次运行的全部输入，每次调用重新构建，不在运行之间共享
type WorkspaceContext struct {
	WorkspaceID uint
	PassID      string
	Trigger     Trigger
	Now         time.Time
	Setting     *models.OptimizerSetting
	Decision    governance.Decision
	Roster      *roster.Roster

	// Metrics 名册钱包与外部候选的指标，按地址索引
	Metrics map[string]*models.WalletMetrics
	// Candidates 数据源返回的外部候选地址（可能已在名册中）
	Candidates []string
	// Scores 以整个候选池为基准的评分
	Scores map[string]scoring.Result
}

// Criteria 准入门槛，未配置时为零值
func (wc *WorkspaceContext) Criteria() models.OptimizerCriteria {
	if wc.Setting == nil {
		return models.OptimizerCriteria{}
	}
	return wc.Setting.Criteria
}

// effective 钱包排序分，没有本轮评分时使用名册中保存的评分
func (wc *WorkspaceContext) effective(w *models.WalletAllocation) float64 {
	if res, ok := wc.Scores[w.WalletAddress]; ok {
		return res.Effective()
	}
	return w.CompositeScore * w.ConfidenceScore
}
