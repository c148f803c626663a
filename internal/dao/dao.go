package dao

import (
	"sync"

	"gorm.io/gorm"
)

var (
	_roster      *RosterDAO
	_history     *RotationHistoryDAO
	_setting     *OptimizerSettingDAO
	_governance  *GovernanceDAO
	_market      *MarketSelectionDAO
	_ban         *WalletBanDAO
	_workspace   *WorkspaceDAO
	_initDAOOnce sync.Once
)

// InitDAO 初始化所有 DAO（应用启动时调用）
func InitDAO(db *gorm.DB) {
	_initDAOOnce.Do(func() {
		_roster = NewRosterDAO(db)
		_history = NewRotationHistoryDAO(db)
		_setting = NewOptimizerSettingDAO(db)
		_governance = NewGovernanceDAO(db)
		_market = NewMarketSelectionDAO(db)
		_ban = NewWalletBanDAO(db)
		_workspace = NewWorkspaceDAO(db)
	})
}

func Roster() *RosterDAO {
	return _roster
}

func RotationHistory() *RotationHistoryDAO {
	return _history
}

func OptimizerSetting() *OptimizerSettingDAO {
	return _setting
}

func Governance() *GovernanceDAO {
	return _governance
}

func MarketSelection() *MarketSelectionDAO {
	return _market
}

func WalletBan() *WalletBanDAO {
	return _ban
}

func Workspace() *WorkspaceDAO {
	return _workspace
}
