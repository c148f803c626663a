package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

type countingStore struct {
	g     models.TuningGovernance
	calls int
}

func (s *countingStore) Get(_ context.Context, workspaceID uint) (*models.TuningGovernance, error) {
	s.calls++
	g := s.g
	g.WorkspaceID = workspaceID
	return &g, nil
}

func TestReader_Caches(t *testing.T) {
	store := &countingStore{g: models.TuningGovernance{Mode: models.ModeShadow}}
	r := NewReader(store, time.Minute)
	ctx := context.Background()

	g, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ModeShadow, g.Mode)

	g.Mode = models.ModeApply
	g, err = r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ModeShadow, g.Mode)
	assert.Equal(t, 1, store.calls)

	_, err = r.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)

	r.Invalidate(1)
	_, err = r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
}

func TestDecide(t *testing.T) {
	d := Decide(nil)
	assert.True(t, d.Apply)
	assert.Equal(t, models.RegimeUnknown, d.Regime)

	d = Decide(&models.TuningGovernance{Mode: models.ModeApply, CurrentRegime: models.RegimeHighVol})
	assert.True(t, d.Apply)
	assert.Empty(t, d.Reason)
	assert.Equal(t, models.RegimeHighVol, d.Regime)

	d = Decide(&models.TuningGovernance{Mode: models.ModeShadow})
	assert.False(t, d.Apply)
	assert.Equal(t, "shadow mode", d.Reason)

	d = Decide(&models.TuningGovernance{Mode: models.ModeApply, Frozen: true, FreezeReason: "drawdown breach"})
	assert.False(t, d.Apply)
	assert.Equal(t, "frozen: drawdown breach", d.Reason)
	assert.Equal(t, models.RegimeUnknown, d.Regime)
}
