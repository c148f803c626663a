package models

import "time"

// GovernanceMode 调优治理模式
type GovernanceMode string

const (
	ModeShadow GovernanceMode = "shadow" // 只计算不生效
	ModeApply  GovernanceMode = "apply"
)

// Regime 市场状态
type Regime string

const (
	RegimeTrendingBull Regime = "trending_bull"
	RegimeChoppy       Regime = "choppy"
	RegimeHighVol      Regime = "high_vol"
	RegimeUnknown      Regime = "unknown"
)

// TuningGovernance 由外部调优器写入，本服务只读
type TuningGovernance struct {
	ID            uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID   uint           `gorm:"not null;uniqueIndex;comment:工作区ID" json:"workspace_id"`
	Mode          GovernanceMode `gorm:"type:varchar(16);not null;default:'apply';comment:模式" json:"mode"`
	Frozen        bool           `gorm:"not null;default:false;comment:是否冻结" json:"frozen"`
	FreezeReason  string         `gorm:"type:varchar(255);not null;default:'';comment:冻结原因" json:"freeze_reason"`
	CurrentRegime Regime         `gorm:"type:varchar(32);not null;default:'unknown';comment:当前市场状态" json:"current_regime"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TuningGovernance) TableName() string {
	return "tuning_governance"
}

// CanApply 只有 apply 模式且未冻结时才允许落库
func (g *TuningGovernance) CanApply() bool {
	return g.Mode != ModeShadow && !g.Frozen
}
