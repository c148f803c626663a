package models

import "time"

// WalletBan 钱包封禁记录，未过期时优化器不会再选中该钱包
type WalletBan struct {
	ID            uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID   uint       `gorm:"not null;uniqueIndex:uidx_ws_ban;comment:工作区ID" json:"workspace_id"`
	WalletAddress string     `gorm:"type:varchar(64);not null;uniqueIndex:uidx_ws_ban;comment:钱包地址" json:"wallet_address"`
	Reason        string     `gorm:"type:varchar(255);not null;default:'';comment:封禁原因" json:"reason"`
	BannedAt      time.Time  `gorm:"not null;comment:封禁时间" json:"banned_at"`
	ExpiresAt     *time.Time `gorm:"index;comment:过期时间，空表示永久" json:"expires_at,omitempty"`
}

func (WalletBan) TableName() string {
	return "roster_wallet_bans"
}

// ActiveAt 判断封禁在指定时间是否生效
func (b *WalletBan) ActiveAt(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}
