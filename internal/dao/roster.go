package dao

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
)

type RosterDAO struct {
	db *gorm.DB
}

func NewRosterDAO(db *gorm.DB) *RosterDAO {
	return &RosterDAO{db: db}
}

// Load 读取工作区名册与封禁列表
func (d *RosterDAO) Load(ctx context.Context, workspaceID uint) ([]*models.WalletAllocation, []*models.WalletBan, error) {
	var allocs []*models.WalletAllocation
	if err := d.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("wallet_address").
		Find(&allocs).Error; err != nil {
		return nil, nil, err
	}

	var bans []*models.WalletBan
	if err := d.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Find(&bans).Error; err != nil {
		return nil, nil, err
	}

	return allocs, bans, nil
}

// Commit 在单个事务中提交名册变更，版本不一致时返回 ErrPersistenceConflict
func (d *RosterDAO) Commit(ctx context.Context, cs *roster.Changeset) error {
	if cs == nil || cs.Empty() {
		return nil
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range cs.Removed {
			res := tx.Where("id = ? AND version = ?", w.ID, w.Version).Delete(&models.WalletAllocation{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: remove %s", roster.ErrPersistenceConflict, w.WalletAddress)
			}
		}

		for _, w := range cs.Saved {
			if err := saveAllocation(tx, w); err != nil {
				return err
			}
		}

		for _, b := range cs.Unbans {
			if err := tx.Delete(&models.WalletBan{}, b.ID).Error; err != nil {
				return err
			}
		}

		if len(cs.Bans) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "wallet_address"}},
				DoUpdates: clause.AssignmentColumns([]string{"reason", "banned_at", "expires_at"}),
			}).Create(&cs.Bans).Error; err != nil {
				return err
			}
		}

		if len(cs.History) > 0 {
			if err := tx.Create(&cs.History).Error; err != nil {
				return err
			}
		}

		if cs.Audit != nil {
			if err := tx.Create(cs.Audit).Error; err != nil {
				return err
			}
		}

		return checkInvariants(tx, cs.WorkspaceID, cs.Limits)
	})
}

func saveAllocation(tx *gorm.DB, w *models.WalletAllocation) error {
	if w.ID == 0 {
		var n int64
		if err := tx.Model(&models.WalletAllocation{}).
			Where("workspace_id = ? AND wallet_address = ?", w.WorkspaceID, w.WalletAddress).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s already exists", roster.ErrPersistenceConflict, w.WalletAddress)
		}
		w.Version = 1
		return tx.Create(w).Error
	}

	res := tx.Model(&models.WalletAllocation{}).
		Where("id = ? AND version = ?", w.ID, w.Version).
		Updates(map[string]any{
			"tier":               w.Tier,
			"status":             w.Status,
			"allocation_pct":     w.AllocationPct,
			"max_position_size":  w.MaxPositionSize,
			"copy_behavior":      w.CopyBehavior,
			"pinned":             w.Pinned,
			"pinned_at":          w.PinnedAt,
			"probation_until":    w.ProbationUntil,
			"grace_period_until": w.GracePeriodUntil,
			"consecutive_losses": w.ConsecutiveLoss,
			"confidence_score":   w.ConfidenceScore,
			"composite_score":    w.CompositeScore,
			"auto_assigned":      w.AutoAssigned,
			"version":            w.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s version %d", roster.ErrPersistenceConflict, w.WalletAddress, w.Version)
	}
	w.Version++
	return nil
}

// checkInvariants 提交前在事务内复核容量与分配总和
func checkInvariants(tx *gorm.DB, workspaceID uint, limits roster.Limits) error {
	var stats struct {
		Active int64
		Pinned int64
		Total  float64
	}
	err := tx.Model(&models.WalletAllocation{}).
		Select("COALESCE(SUM(CASE WHEN tier = ? THEN 1 ELSE 0 END), 0) AS active, "+
			"COALESCE(SUM(CASE WHEN pinned = ? THEN 1 ELSE 0 END), 0) AS pinned, "+
			"COALESCE(SUM(CASE WHEN tier = ? THEN allocation_pct ELSE 0 END), 0) AS total",
			models.TierActive, true, models.TierActive).
		Where("workspace_id = ?", workspaceID).
		Scan(&stats).Error
	if err != nil {
		return err
	}

	if limits.ActiveCapacity > 0 && stats.Active > int64(limits.ActiveCapacity) {
		return fmt.Errorf("%w: %d active at commit", roster.ErrRosterFull, stats.Active)
	}
	if limits.PinLimit > 0 && stats.Pinned > int64(limits.PinLimit) {
		return fmt.Errorf("%w: %d pinned at commit", roster.ErrPinLimitExceeded, stats.Pinned)
	}
	if stats.Total > 100+1e-6 {
		return fmt.Errorf("%w: %.2f at commit", roster.ErrAllocationOverflow, stats.Total)
	}
	return nil
}
