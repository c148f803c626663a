package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier 钱包所在层级
type Tier string

const (
	TierActive Tier = "active" // 跟单
	TierBench  Tier = "bench"  // 仅监控
)

// WalletStatus 钱包生命周期状态，层级由状态推导
type WalletStatus string

const (
	StatusBench       WalletStatus = "bench"
	StatusProbation   WalletStatus = "probation"
	StatusActive      WalletStatus = "active"
	StatusGracePeriod WalletStatus = "grace_period"
)

// Tier 返回状态对应的层级，probation/grace_period 占用 active 名额
func (s WalletStatus) Tier() Tier {
	if s == StatusBench {
		return TierBench
	}
	return TierActive
}

// CopyBehavior 跟单行为
type CopyBehavior string

const (
	CopyAll          CopyBehavior = "copy_all"
	CopyEventsOnly   CopyBehavior = "events_only"
	CopyArbThreshold CopyBehavior = "arb_threshold"
)

// WalletAllocation 工作区内单个钱包的名册与资金分配
type WalletAllocation struct {
	ID               uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID      uint            `gorm:"not null;uniqueIndex:uidx_ws_wallet;index:idx_ws_tier;comment:工作区ID" json:"workspace_id"`
	WalletAddress    string          `gorm:"type:varchar(64);not null;uniqueIndex:uidx_ws_wallet;comment:钱包地址" json:"wallet_address"`
	Tier             Tier            `gorm:"type:varchar(16);not null;index:idx_ws_tier;comment:层级 active/bench" json:"tier"`
	Status           WalletStatus    `gorm:"type:varchar(16);not null;comment:生命周期状态" json:"status"`
	AllocationPct    float64         `gorm:"type:decimal(6,2);not null;default:0;comment:资金占比(0-100)" json:"allocation_pct"`
	MaxPositionSize  decimal.Decimal `gorm:"type:decimal(28,8);not null;default:0;comment:单笔最大仓位" json:"max_position_size"`
	CopyBehavior     CopyBehavior    `gorm:"type:varchar(16);not null;default:'copy_all';comment:跟单行为" json:"copy_behavior"`
	Pinned           bool            `gorm:"not null;default:false;comment:是否固定" json:"pinned"`
	PinnedAt         *time.Time      `gorm:"comment:固定时间" json:"pinned_at,omitempty"`
	ProbationUntil   *time.Time      `gorm:"comment:试用期截止" json:"probation_until,omitempty"`
	GracePeriodUntil *time.Time      `gorm:"comment:宽限期截止" json:"grace_period_until,omitempty"`
	ConsecutiveLoss  int             `gorm:"column:consecutive_losses;not null;default:0;comment:连续亏损次数" json:"consecutive_losses"`
	ConfidenceScore  float64         `gorm:"type:decimal(6,4);not null;default:0;comment:置信度" json:"confidence_score"`
	CompositeScore   float64         `gorm:"type:decimal(6,4);not null;default:0;comment:综合评分" json:"composite_score"`
	AutoAssigned     bool            `gorm:"not null;default:false;comment:是否由优化器加入" json:"auto_assigned"`
	Version          int64           `gorm:"not null;default:0;comment:乐观锁版本" json:"version"`
	AddedAt          time.Time       `gorm:"not null;comment:加入时间" json:"added_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WalletAllocation) TableName() string {
	return "roster_wallet_allocations"
}

// Clone 深拷贝，名册快照修改时不影响原对象
func (a *WalletAllocation) Clone() *WalletAllocation {
	c := *a
	c.PinnedAt = cloneTime(a.PinnedAt)
	c.ProbationUntil = cloneTime(a.ProbationUntil)
	c.GracePeriodUntil = cloneTime(a.GracePeriodUntil)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
