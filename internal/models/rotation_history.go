package models

import (
	"time"

	"gorm.io/datatypes"
)

// RotationAction 名册变更动作，封闭集合
type RotationAction string

const (
	ActionPromote           RotationAction = "promote"
	ActionDemote            RotationAction = "demote"
	ActionReplace           RotationAction = "replace"
	ActionAdd               RotationAction = "add"
	ActionRemove            RotationAction = "remove"
	ActionProbationStart    RotationAction = "probation_start"
	ActionProbationGraduate RotationAction = "probation_graduate"
	ActionProbationFail     RotationAction = "probation_fail"
	ActionGracePeriodStart  RotationAction = "grace_period_start"
	ActionGracePeriodDemote RotationAction = "grace_period_demote"
	ActionEmergencyDemote   RotationAction = "emergency_demote"
	ActionPin               RotationAction = "pin"
	ActionUnpin             RotationAction = "unpin"
	ActionBan               RotationAction = "ban"
	ActionUnban             RotationAction = "unban"
)

// RotationActions 全部合法动作
var RotationActions = []RotationAction{
	ActionPromote, ActionDemote, ActionReplace, ActionAdd, ActionRemove,
	ActionProbationStart, ActionProbationGraduate, ActionProbationFail,
	ActionGracePeriodStart, ActionGracePeriodDemote, ActionEmergencyDemote,
	ActionPin, ActionUnpin, ActionBan, ActionUnban,
}

// Valid 判断是否为已知动作
func (a RotationAction) Valid() bool {
	for _, v := range RotationActions {
		if v == a {
			return true
		}
	}
	return false
}

// RotationHistory 名册变更审计日志，只追加，仅 acknowledged 可修改
type RotationHistory struct {
	ID             uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID    uint           `gorm:"not null;index:idx_ws_created;comment:工作区ID" json:"workspace_id"`
	PassID         string         `gorm:"type:varchar(26);index;comment:优化批次ID(ULID)" json:"pass_id,omitempty"`
	Action         RotationAction `gorm:"type:varchar(32);not null;comment:动作" json:"action"`
	WalletIn       *string        `gorm:"type:varchar(64);comment:进入的钱包" json:"wallet_in,omitempty"`
	WalletOut      *string        `gorm:"type:varchar(64);comment:移出的钱包" json:"wallet_out,omitempty"`
	Reason         string         `gorm:"type:varchar(255);not null;default:'';comment:原因" json:"reason"`
	Evidence       datatypes.JSON `gorm:"comment:评分快照" json:"evidence,omitempty"`
	IsAutomatic    bool           `gorm:"not null;default:false;comment:是否自动触发" json:"is_automatic"`
	Acknowledged   bool           `gorm:"not null;default:false;index;comment:是否已确认" json:"acknowledged"`
	AcknowledgedAt *time.Time     `gorm:"comment:确认时间" json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ws_created;comment:创建时间" json:"created_at"`
}

func (RotationHistory) TableName() string {
	return "roster_rotation_history"
}

// AllocationAudit 分配重算的证据记录
type AllocationAudit struct {
	ID          uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID uint           `gorm:"not null;index;comment:工作区ID" json:"workspace_id"`
	PassID      string         `gorm:"type:varchar(26);index;comment:优化批次ID" json:"pass_id,omitempty"`
	Tier        Tier           `gorm:"type:varchar(16);not null;comment:层级" json:"tier"`
	WalletCount int            `gorm:"not null;comment:钱包数" json:"wallet_count"`
	Evidence    datatypes.JSON `gorm:"comment:各钱包评分与分配" json:"evidence"`
	CreatedAt   time.Time      `gorm:"not null;comment:创建时间" json:"created_at"`
}

func (AllocationAudit) TableName() string {
	return "roster_allocation_audits"
}
