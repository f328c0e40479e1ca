package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTogglesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toggles.json")

	tg, err := OpenToggles(path)
	require.NoError(t, err)
	require.True(t, tg.Enabled("web"), "unknown services default to enabled")
	require.False(t, tg.Autorun("web"))

	require.NoError(t, tg.SetEnabled("web", false))
	require.NoError(t, tg.SetAutorun("backup", true))

	// Reload from disk.
	tg2, err := OpenToggles(path)
	require.NoError(t, err)
	require.False(t, tg2.Enabled("web"))
	require.True(t, tg2.Autorun("backup"))
	require.Equal(t, []string{"backup"}, tg2.AutorunServices())
}

func TestEconomyConfigFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "economy.json")

	c, err := OpenEconomyConfig(path)
	require.NoError(t, err)

	g := c.Guild("g-unknown")
	require.True(t, g.EarningEnabled)
	require.InDelta(t, DefaultMessageReward, g.MessageReward, 1e-9)
	require.Equal(t, time.Duration(DefaultEarnCooldownSec)*time.Second, c.Cooldown("g-unknown"))

	require.NoError(t, c.SetGuild("g-1", GuildEconomy{EarningEnabled: true, MessageReward: 2.5, CooldownSec: 30}))
	require.InDelta(t, 2.5, c.Guild("g-1").MessageReward, 1e-9)

	// Partial overrides inherit defaults.
	require.NoError(t, c.SetGuild("g-2", GuildEconomy{EarningEnabled: false}))
	g2 := c.Guild("g-2")
	require.False(t, g2.EarningEnabled)
	require.InDelta(t, DefaultMessageReward, g2.MessageReward, 1e-9)
}

func TestLivefeedWhitelist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livefeed.json")

	l, err := OpenLivefeed(path)
	require.NoError(t, err)

	// Empty whitelist: open access.
	require.True(t, l.Allowed("203.0.113.7:1234"))

	require.NoError(t, l.Add("203.0.113.7"))
	require.Error(t, l.Add("not-an-ip"))

	require.True(t, l.Allowed("203.0.113.7:1234"))
	require.False(t, l.Allowed("198.51.100.9:1234"))
	require.True(t, l.Allowed("127.0.0.1:9"), "loopback always allowed")

	require.NoError(t, l.Remove("203.0.113.7"))
	require.True(t, l.Allowed("198.51.100.9"), "empty again means open")
}

func TestAutosaveSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autosave.json")

	a, err := OpenAutosave(path)
	require.NoError(t, err)
	require.False(t, a.Enabled())
	require.Equal(t, time.Duration(DefaultAutosaveIntervalSec)*time.Second, a.Interval())

	require.NoError(t, a.Set(true, 90*time.Second))

	a2, err := OpenAutosave(path)
	require.NoError(t, err)
	require.True(t, a2.Enabled())
	require.Equal(t, 90*time.Second, a2.Interval())
}
