package dao

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

type OptimizerSettingDAO struct {
	db                   *gorm.DB
	defaultIntervalHours int
}

func NewOptimizerSettingDAO(db *gorm.DB) *OptimizerSettingDAO {
	return &OptimizerSettingDAO{db: db, defaultIntervalHours: 6}
}

// SetDefaultInterval 未配置工作区使用的默认间隔
func (d *OptimizerSettingDAO) SetDefaultInterval(hours int) {
	if hours > 0 {
		d.defaultIntervalHours = hours
	}
}

// Get 获取工作区配置，不存在时返回未持久化的默认配置
func (d *OptimizerSettingDAO) Get(ctx context.Context, workspaceID uint) (*models.OptimizerSetting, error) {
	var s models.OptimizerSetting
	err := d.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.OptimizerSetting{
			WorkspaceID:   workspaceID,
			IntervalHours: d.defaultIntervalHours,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Save 按 workspace_id upsert
func (d *OptimizerSettingDAO) Save(ctx context.Context, s *models.OptimizerSetting) error {
	row := *s
	row.ID = 0 // 冲突只按 workspace_id 判定
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"auto_optimize_enabled", "interval_hours",
			"min_roi_30d", "min_sharpe", "min_win_rate", "min_trades_30d",
			"next_run_at", "updated_at",
		}),
	}).Create(&row).Error
}

// MarkRun 记录运行时间与下次计划时间
func (d *OptimizerSettingDAO) MarkRun(ctx context.Context, workspaceID uint, last time.Time, next *time.Time) error {
	s, err := d.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	s.ID = 0
	s.LastRunAt = &last
	s.NextRunAt = next

	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_run_at", "next_run_at", "updated_at"}),
	}).Create(s).Error
}
