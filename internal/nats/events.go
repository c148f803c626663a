package nats

import (
	"encoding/json"
	"time"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

const (
	TopicRotation        = "roster.rotation"
	TopicMarketSelection = "roster.market_selection"
)

// RotationEntry 单条名册变更
type RotationEntry struct {
	ID          uint                  `json:"id"`
	Action      models.RotationAction `json:"action"`
	WalletIn    string                `json:"wallet_in,omitempty"`
	WalletOut   string                `json:"wallet_out,omitempty"`
	Reason      string                `json:"reason"`
	IsAutomatic bool                  `json:"is_automatic"`
}

// RotationEvent 一次提交产生的名册变更，跟单执行端据此调整订阅
type RotationEvent struct {
	WorkspaceID uint            `json:"workspace_id"`
	PassID      string          `json:"pass_id,omitempty"`
	Trigger     string          `json:"trigger"` // scheduled / manual / operator
	Entries     []RotationEntry `json:"entries"`
	Timestamp   int64           `json:"timestamp"`
}

// NewRotationEvent 由已提交的审计记录构建事件
func NewRotationEvent(workspaceID uint, passID, trigger string, history []*models.RotationHistory, at time.Time) *RotationEvent {
	ev := &RotationEvent{
		WorkspaceID: workspaceID,
		PassID:      passID,
		Trigger:     trigger,
		Entries:     make([]RotationEntry, 0, len(history)),
		Timestamp:   at.UnixMilli(),
	}
	for _, h := range history {
		e := RotationEntry{
			ID:          h.ID,
			Action:      h.Action,
			Reason:      h.Reason,
			IsAutomatic: h.IsAutomatic,
		}
		if h.WalletIn != nil {
			e.WalletIn = *h.WalletIn
		}
		if h.WalletOut != nil {
			e.WalletOut = *h.WalletOut
		}
		ev.Entries = append(ev.Entries, e)
	}
	return ev
}

func (e *RotationEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// MarketSelectionEvent 生效的市场监控集合
type MarketSelectionEvent struct {
	WorkspaceID uint     `json:"workspace_id"`
	ScanID      string   `json:"scan_id"`
	Core        []string `json:"core"`
	Exploration []string `json:"exploration"`
	Timestamp   int64    `json:"timestamp"`
}

func NewMarketSelectionEvent(workspaceID uint, scanID string, core, exploration []string, at time.Time) *MarketSelectionEvent {
	return &MarketSelectionEvent{
		WorkspaceID: workspaceID,
		ScanID:      scanID,
		Core:        append([]string{}, core...),
		Exploration: append([]string{}, exploration...),
		Timestamp:   at.UnixMilli(),
	}
}

func (e *MarketSelectionEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
