package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

func TestNewRotationEvent(t *testing.T) {
	in, out := "0xin", "0xout"
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := NewRotationEvent(7, "01HPASS", "scheduled", []*models.RotationHistory{
		{ID: 11, Action: models.ActionReplace, WalletIn: &in, WalletOut: &out, Reason: "score margin", IsAutomatic: true},
		{ID: 12, Action: models.ActionPin, WalletIn: &in},
	}, at)

	data, err := ev.Marshal()
	require.NoError(t, err)

	assert.Equal(t, int64(7), gjson.GetBytes(data, "workspace_id").Int())
	assert.Equal(t, "01HPASS", gjson.GetBytes(data, "pass_id").String())
	assert.Equal(t, at.UnixMilli(), gjson.GetBytes(data, "timestamp").Int())
	assert.Equal(t, "replace", gjson.GetBytes(data, "entries.0.action").String())
	assert.Equal(t, "0xout", gjson.GetBytes(data, "entries.0.wallet_out").String())
	assert.True(t, gjson.GetBytes(data, "entries.0.is_automatic").Bool())
	assert.False(t, gjson.GetBytes(data, "entries.1.wallet_out").Exists())
}

func TestRecorder(t *testing.T) {
	var p EventPublisher = &Recorder{}
	require.NoError(t, p.PublishRotation(&RotationEvent{WorkspaceID: 1}))
	require.NoError(t, p.PublishMarketSelection(&MarketSelectionEvent{WorkspaceID: 1}))
	assert.Equal(t, 1, p.(*Recorder).RotationCount())

	p = Noop{}
	assert.NoError(t, p.PublishRotation(&RotationEvent{}))
	assert.True(t, p.IsConnected())
}
