package models

import "time"

// OptimizerCriteria 候选钱包准入门槛
type OptimizerCriteria struct {
	MinROI30d    float64 `gorm:"column:min_roi_30d;type:decimal(10,4);not null;default:0" json:"min_roi_30d"`
	MinSharpe    float64 `gorm:"column:min_sharpe;type:decimal(10,4);not null;default:0" json:"min_sharpe"`
	MinWinRate   float64 `gorm:"column:min_win_rate;type:decimal(6,4);not null;default:0" json:"min_win_rate"`
	MinTrades30d int     `gorm:"column:min_trades_30d;not null;default:0" json:"min_trades_30d"`
}

// Accepts 判断指标是否满足准入门槛
func (c OptimizerCriteria) Accepts(m *WalletMetrics) bool {
	if m == nil {
		return false
	}
	return m.ROI30d >= c.MinROI30d &&
		m.Sharpe >= c.MinSharpe &&
		m.NormalizedWinRate() >= c.MinWinRate &&
		m.Trades30d >= c.MinTrades30d
}

// OptimizerSetting 工作区优化器配置，每个工作区一行
type OptimizerSetting struct {
	ID                  uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID         uint              `gorm:"not null;uniqueIndex;comment:工作区ID" json:"workspace_id"`
	AutoOptimizeEnabled bool              `gorm:"not null;default:false;comment:是否开启自动优化" json:"auto_optimize_enabled"`
	IntervalHours       int               `gorm:"not null;default:6;comment:优化间隔(小时)" json:"interval_hours"`
	Criteria            OptimizerCriteria `gorm:"embedded" json:"criteria"`
	LastRunAt           *time.Time        `gorm:"comment:上次运行" json:"last_run_at,omitempty"`
	NextRunAt           *time.Time        `gorm:"index;comment:下次运行" json:"next_run_at,omitempty"`
	CreatedAt           time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OptimizerSetting) TableName() string {
	return "roster_optimizer_settings"
}

// Interval 返回运行间隔
func (s *OptimizerSetting) Interval() time.Duration {
	if s.IntervalHours <= 0 {
		return 0
	}
	return time.Duration(s.IntervalHours) * time.Hour
}
