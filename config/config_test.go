package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[optimizer]
active_capacity = 4
replace_margin = 0.2
pass_timeout = "45s"

[scanner]
max_markets_cap = 12
aggressiveness = "discovery"
`)

	require.NoError(t, Load(path))
	c := Get()

	assert.Equal(t, 4, c.Optimizer.ActiveCapacity)
	assert.InDelta(t, 0.2, c.Optimizer.ReplaceMargin, 1e-9)
	assert.Equal(t, 45*time.Second, c.Optimizer.PassTimeout)
	assert.Equal(t, 12, c.Scanner.MaxMarketsCap)
	assert.Equal(t, "discovery", c.Scanner.Aggressiveness)

	// 未配置的字段保持默认值
	assert.Equal(t, 3, c.Optimizer.PinLimit)
	assert.InDelta(t, 60.0, c.Optimizer.MaxAllocPct, 1e-9)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROSTER_FEED_URL", "http://feed.internal:9000")
	t.Setenv("ROSTER_PASS_TIMEOUT", "1m")
	t.Setenv("ROSTER_NATS_ENABLED", "false")

	path := writeConfig(t, "")
	require.NoError(t, Load(path))
	c := Get()

	assert.Equal(t, "http://feed.internal:9000", c.Feed.BaseURL)
	assert.Equal(t, time.Minute, c.Optimizer.PassTimeout)
	assert.False(t, c.NATS.Enabled)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "[optimizer\nbroken")
	assert.Error(t, Load(path))
}

func TestReloadIfNeeded(t *testing.T) {
	path := writeConfig(t, "[optimizer]\nactive_capacity = 5\n")
	require.NoError(t, Load(path))

	require.NoError(t, os.WriteFile(path, []byte("[optimizer]\nactive_capacity = 3\n"), 0644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	reloadIfNeeded()
	assert.Equal(t, 3, Get().Optimizer.ActiveCapacity)
}
