package dao

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

type GovernanceDAO struct {
	db *gorm.DB
}

func NewGovernanceDAO(db *gorm.DB) *GovernanceDAO {
	return &GovernanceDAO{db: db}
}

// Get 读取治理状态，调优器尚未写入时视为 apply 且未冻结
func (d *GovernanceDAO) Get(ctx context.Context, workspaceID uint) (*models.TuningGovernance, error) {
	var g models.TuningGovernance
	err := d.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.TuningGovernance{
			WorkspaceID:   workspaceID,
			Mode:          models.ModeApply,
			CurrentRegime: models.RegimeUnknown,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
