package models

import "time"

// MarketTier 市场监控层级
type MarketTier string

const (
	MarketTierCore        MarketTier = "core"
	MarketTierExploration MarketTier = "exploration"
)

// Aggressiveness 探索激进程度
type Aggressiveness string

const (
	AggressivenessStable    Aggressiveness = "stable"
	AggressivenessBalanced  Aggressiveness = "balanced"
	AggressivenessDiscovery Aggressiveness = "discovery"
)

// Valid 判断是否为已知档位
func (a Aggressiveness) Valid() bool {
	switch a {
	case AggressivenessStable, AggressivenessBalanced, AggressivenessDiscovery:
		return true
	}
	return false
}

// MarketSelectionScore 单次扫描中某个市场的评分
type MarketSelectionScore struct {
	ID               uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID      uint        `gorm:"not null;index:idx_ws_scan;comment:工作区ID" json:"workspace_id"`
	ScanID           string      `gorm:"type:varchar(26);not null;index:idx_ws_scan;comment:扫描批次ID" json:"scan_id"`
	MarketID         string      `gorm:"type:varchar(64);not null;comment:市场ID" json:"market_id"`
	BaselineScore    float64     `gorm:"type:decimal(6,4);not null;default:0" json:"baseline_score"`
	OpportunityScore float64     `gorm:"type:decimal(6,4);not null;default:0" json:"opportunity_score"`
	HitRateScore     float64     `gorm:"type:decimal(6,4);not null;default:0" json:"hit_rate_score"`
	FreshnessScore   float64     `gorm:"type:decimal(6,4);not null;default:0" json:"freshness_score"`
	StickyScore      float64     `gorm:"type:decimal(6,4);not null;default:0" json:"sticky_score"`
	NoveltyScore     *float64    `gorm:"type:decimal(6,4)" json:"novelty_score,omitempty"`
	RotationScore    *float64    `gorm:"type:decimal(6,4)" json:"rotation_score,omitempty"`
	UpsideScore      *float64    `gorm:"type:decimal(6,4)" json:"upside_score,omitempty"`
	TotalScore       float64     `gorm:"type:decimal(6,4);not null;default:0;comment:加权总分" json:"total_score"`
	Tier             *MarketTier `gorm:"type:varchar(16);comment:入选层级" json:"tier,omitempty"`
	Applied          bool        `gorm:"not null;default:false;comment:是否已生效" json:"applied"`
	CreatedAt        time.Time   `gorm:"not null;index;comment:创建时间" json:"created_at"`
}

func (MarketSelectionScore) TableName() string {
	return "market_selection_scores"
}

// MarketSubscription 当前生效的市场监控集合
type MarketSubscription struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID  uint       `gorm:"not null;uniqueIndex:uidx_ws_market;comment:工作区ID" json:"workspace_id"`
	MarketID     string     `gorm:"type:varchar(64);not null;uniqueIndex:uidx_ws_market;comment:市场ID" json:"market_id"`
	Tier         MarketTier `gorm:"type:varchar(16);not null;comment:层级" json:"tier"`
	TotalScore   float64    `gorm:"type:decimal(6,4);not null;default:0" json:"total_score"`
	ScanID       string     `gorm:"type:varchar(26);comment:来源扫描批次" json:"scan_id"`
	SubscribedAt time.Time  `gorm:"not null;comment:首次订阅时间" json:"subscribed_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MarketSubscription) TableName() string {
	return "market_subscriptions"
}

// OpportunitySetting 工作区机会扫描配置
type OpportunitySetting struct {
	ID                  uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID         uint           `gorm:"not null;uniqueIndex;comment:工作区ID" json:"workspace_id"`
	Aggressiveness      Aggressiveness `gorm:"type:varchar(16);not null;default:'balanced';comment:探索档位" json:"aggressiveness"`
	ExplorationSlots    int            `gorm:"not null;default:0;comment:探索名额" json:"exploration_slots"`
	MaxMarketsCap       int            `gorm:"not null;default:20;comment:市场总数上限" json:"max_markets_cap"`
	ScanIntervalMinutes int            `gorm:"not null;default:15;comment:扫描间隔(分钟)" json:"scan_interval_minutes"`
	LastScanAt          *time.Time     `gorm:"comment:上次扫描" json:"last_scan_at,omitempty"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OpportunitySetting) TableName() string {
	return "opportunity_settings"
}
