package dao

import (
	"context"
	"sort"

	"gorm.io/gorm"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

type WorkspaceDAO struct {
	db *gorm.DB
}

func NewWorkspaceDAO(db *gorm.DB) *WorkspaceDAO {
	return &WorkspaceDAO{db: db}
}

// ListIDs 有优化器或扫描配置的工作区（去重）
func (d *WorkspaceDAO) ListIDs(ctx context.Context) ([]uint, error) {
	var optimizerIDs, scannerIDs []uint
	if err := d.db.WithContext(ctx).Model(&models.OptimizerSetting{}).
		Distinct("workspace_id").Pluck("workspace_id", &optimizerIDs).Error; err != nil {
		return nil, err
	}
	if err := d.db.WithContext(ctx).Model(&models.OpportunitySetting{}).
		Distinct("workspace_id").Pluck("workspace_id", &scannerIDs).Error; err != nil {
		return nil, err
	}

	seen := make(map[uint]bool, len(optimizerIDs)+len(scannerIDs))
	ids := make([]uint, 0, len(optimizerIDs)+len(scannerIDs))
	for _, id := range append(optimizerIDs, scannerIDs...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
