package dao

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

type RotationHistoryDAO struct {
	db *gorm.DB
}

func NewRotationHistoryDAO(db *gorm.DB) *RotationHistoryDAO {
	return &RotationHistoryDAO{db: db}
}

// HistoryQuery 审计日志查询条件
type HistoryQuery struct {
	Limit              int
	Offset             int
	UnacknowledgedOnly bool
	Action             models.RotationAction
	Since              *time.Time
}

// List 按时间倒序查询审计日志
func (d *RotationHistoryDAO) List(ctx context.Context, workspaceID uint, q HistoryQuery) ([]*models.RotationHistory, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	tx := d.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if q.UnacknowledgedOnly {
		tx = tx.Where("acknowledged = ?", false)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if q.Since != nil {
		tx = tx.Where("created_at >= ?", *q.Since)
	}

	var rows []*models.RotationHistory
	err := tx.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(q.Offset).
		Find(&rows).Error
	return rows, err
}

// Acknowledge 确认审计记录，重复确认不报错
func (d *RotationHistoryDAO) Acknowledge(ctx context.Context, workspaceID, id uint, at time.Time) (*models.RotationHistory, error) {
	db := d.db.WithContext(ctx)

	res := db.Model(&models.RotationHistory{}).
		Where("id = ? AND workspace_id = ? AND acknowledged = ?", id, workspaceID, false).
		Updates(map[string]any{"acknowledged": true, "acknowledged_at": at})
	if res.Error != nil {
		return nil, res.Error
	}

	var row models.RotationHistory
	if err := db.Where("id = ? AND workspace_id = ?", id, workspaceID).First(&row).Error; err != nil {
		return nil, fmt.Errorf("rotation history %d: %w", id, err)
	}
	return &row, nil
}

// CountUnacknowledged 未确认的记录数
func (d *RotationHistoryDAO) CountUnacknowledged(ctx context.Context, workspaceID uint) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&models.RotationHistory{}).
		Where("workspace_id = ? AND acknowledged = ?", workspaceID, false).
		Count(&n).Error
	return n, err
}

// DeleteAcknowledgedBefore 清理已确认且超过保留期的记录
func (d *RotationHistoryDAO) DeleteAcknowledgedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("acknowledged = ? AND created_at < ?", true, before).
		Delete(&models.RotationHistory{})
	return res.RowsAffected, res.Error
}

// DeleteAuditsBefore 清理过期的分配审计
func (d *RotationHistoryDAO) DeleteAuditsBefore(ctx context.Context, before time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&models.AllocationAudit{})
	return res.RowsAffected, res.Error
}
