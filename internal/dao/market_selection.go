package dao

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

type MarketSelectionDAO struct {
	db *gorm.DB
}

func NewMarketSelectionDAO(db *gorm.DB) *MarketSelectionDAO {
	return &MarketSelectionDAO{db: db}
}

// GetSetting 获取机会扫描配置，不存在时返回 nil
func (d *MarketSelectionDAO) GetSetting(ctx context.Context, workspaceID uint) (*models.OpportunitySetting, error) {
	var s models.OpportunitySetting
	err := d.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSetting 按 workspace_id upsert，last_scan_at 只由 MarkScan 更新
func (d *MarketSelectionDAO) SaveSetting(ctx context.Context, s *models.OpportunitySetting) error {
	row := *s
	row.ID = 0
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"aggressiveness", "exploration_slots", "max_markets_cap",
			"scan_interval_minutes", "updated_at",
		}),
	}).Create(&row).Error
}

// MarkScan 只更新 last_scan_at，配置行不存在时按 s 插入
// 扫描期间运营修改的其他字段不会被覆盖
func (d *MarketSelectionDAO) MarkScan(ctx context.Context, s *models.OpportunitySetting, at time.Time) error {
	row := *s
	row.ID = 0
	row.LastScanAt = &at
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_scan_at", "updated_at"}),
	}).Create(&row).Error
}

// SaveScores 只记录评分（shadow 模式或冻结时）
func (d *MarketSelectionDAO) SaveScores(ctx context.Context, scores []*models.MarketSelectionScore) error {
	if len(scores) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).CreateInBatches(scores, 100).Error
}

// ApplySelection 在事务中写入评分并替换当前订阅集合
func (d *MarketSelectionDAO) ApplySelection(ctx context.Context, workspaceID uint, scores []*models.MarketSelectionScore, subs []*models.MarketSubscription) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(scores) > 0 {
			if err := tx.CreateInBatches(scores, 100).Error; err != nil {
				return err
			}
		}

		keep := make([]string, 0, len(subs))
		for _, s := range subs {
			keep = append(keep, s.MarketID)
		}

		del := tx.Where("workspace_id = ?", workspaceID)
		if len(keep) > 0 {
			del = del.Where("market_id NOT IN ?", keep)
		}
		if err := del.Delete(&models.MarketSubscription{}).Error; err != nil {
			return err
		}

		if len(subs) == 0 {
			return nil
		}
		// subscribed_at 只在首次订阅时写入
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "market_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tier", "total_score", "scan_id", "updated_at"}),
		}).Create(&subs).Error
	})
}

// ListSubscriptions 当前订阅集合
func (d *MarketSelectionDAO) ListSubscriptions(ctx context.Context, workspaceID uint) ([]*models.MarketSubscription, error) {
	var subs []*models.MarketSubscription
	err := d.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("total_score DESC").
		Find(&subs).Error
	return subs, err
}

// LatestScores 最近一次扫描的评分
func (d *MarketSelectionDAO) LatestScores(ctx context.Context, workspaceID uint) ([]*models.MarketSelectionScore, error) {
	var last models.MarketSelectionScore
	err := d.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").Order("id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var scores []*models.MarketSelectionScore
	err = d.db.WithContext(ctx).
		Where("workspace_id = ? AND scan_id = ?", workspaceID, last.ScanID).
		Order("total_score DESC").
		Find(&scores).Error
	return scores, err
}

// DeleteScoresBefore 清理过期评分
func (d *MarketSelectionDAO) DeleteScoresBefore(ctx context.Context, before time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Where("created_at < ?", before).Delete(&models.MarketSelectionScore{})
	return res.RowsAffected, res.Error
}
