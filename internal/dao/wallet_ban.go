package dao

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

type WalletBanDAO struct {
	db *gorm.DB
}

func NewWalletBanDAO(db *gorm.DB) *WalletBanDAO {
	return &WalletBanDAO{db: db}
}

// ListActive 生效中的封禁
func (d *WalletBanDAO) ListActive(ctx context.Context, workspaceID uint, now time.Time) ([]*models.WalletBan, error) {
	var bans []*models.WalletBan
	err := d.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("banned_at DESC").
		Find(&bans).Error
	return bans, err
}

// DeleteExpired 删除已过期的封禁
func (d *WalletBanDAO) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&models.WalletBan{})
	return res.RowsAffected, res.Error
}
