package supervisor

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/powerbot/powerbot/config"
)

func newTestConsole(t *testing.T, script string) (*Console, *config.Toggles, *config.Livefeed, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	toggles, err := config.OpenToggles(filepath.Join(dir, "toggles.json"))
	require.NoError(t, err)
	autosave, err := config.OpenAutosave(filepath.Join(dir, "autosave.json"))
	require.NoError(t, err)
	livefeed, err := config.OpenLivefeed(filepath.Join(dir, "livefeed.json"))
	require.NoError(t, err)

	manager, err := NewManager(toggles, nil, nil)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	console := NewConsole(manager, toggles, autosave, livefeed, nil, strings.NewReader(script), out, nil)
	return console, toggles, livefeed, out
}

func TestConsoleExitsOnEOF(t *testing.T) {
	console, _, _, _ := newTestConsole(t, "")
	require.NoError(t, console.Run(context.Background()))
}

func TestConsoleExitsOnQuit(t *testing.T) {
	console, _, _, out := newTestConsole(t, "help\nquit\nstatus\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), "workers:")
	// Nothing after quit runs.
	require.NotContains(t, out.String(), "DOWN")
}

func TestConsoleStatusListsAllWorkers(t *testing.T) {
	console, _, _, out := newTestConsole(t, "status\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	for _, kind := range AllKinds {
		require.Contains(t, out.String(), string(kind))
	}
	require.Contains(t, out.String(), "DOWN")
}

func TestConsoleUnknownCommandRecovers(t *testing.T) {
	console, _, livefeed, out := newTestConsole(t, "frobnicate\nlivefeed add 10.1.2.3\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), `unknown command "frobnicate"`)
	require.Equal(t, []string{"10.1.2.3"}, livefeed.List())
}

func TestConsoleAutorunFlag(t *testing.T) {
	console, toggles, _, _ := newTestConsole(t, "web autorun on\ndiscord autorun\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.True(t, toggles.Autorun("web"))
	// Bare autorun flips from the default off.
	require.True(t, toggles.Autorun("discord"))
}

func TestConsoleStopPersistsDisabled(t *testing.T) {
	console, toggles, _, out := newTestConsole(t, "wsocket stop\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), "wsocket stopped")
	require.False(t, toggles.Enabled("wsocket"))
}

func TestConsoleLivefeedCommands(t *testing.T) {
	script := strings.Join([]string{
		"livefeed add 192.168.1.9",
		"livefeed add not-an-ip",
		"livefeed list",
		"livefeed remove 192.168.1.9",
		"livefeed list",
		"exit",
	}, "\n")
	console, _, livefeed, out := newTestConsole(t, script)
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), `invalid ip "not-an-ip"`)
	require.Contains(t, out.String(), "192.168.1.9")
	require.Contains(t, out.String(), "whitelist empty")
	require.Empty(t, livefeed.List())
}

func TestConsoleBackupWithoutService(t *testing.T) {
	console, _, _, out := newTestConsole(t, "backup list\nbackup autosave now\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), "backup service unavailable")
}

func TestConsoleAutosaveSchedule(t *testing.T) {
	console, _, _, out := newTestConsole(t, "backup autosave interval 90\nbackup autosave on\nbackup autosave\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), "enabled=true interval=1m30s")
}

func TestConsoleBareWorkerToggles(t *testing.T) {
	// Workers default to enabled, so a bare name flips them off.
	console, toggles, _, out := newTestConsole(t, "youtube\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), "youtube toggled")
	require.False(t, toggles.Enabled("youtube"))
}

func TestConsoleWorkerOffAliases(t *testing.T) {
	console, toggles, _, out := newTestConsole(t, "web off\nwsocket false\ndiscord 0\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), "web stopped")
	require.Contains(t, out.String(), "wsocket stopped")
	require.Contains(t, out.String(), "discord stopped")
	require.False(t, toggles.Enabled("web"))
	require.False(t, toggles.Enabled("wsocket"))
	require.False(t, toggles.Enabled("discord"))
}

func TestConsoleWorkerStatusVerb(t *testing.T) {
	console, _, _, out := newTestConsole(t, "web autorun on\nweb status\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), "DOWN")
	require.Contains(t, out.String(), "enabled=true autorun=true")
}

func TestConsoleWorkerUnknownVerb(t *testing.T) {
	console, _, _, out := newTestConsole(t, "youtube frobnicate\nexit\n")
	require.NoError(t, console.Run(context.Background()))
	require.Contains(t, out.String(), `unknown verb "frobnicate"`)
}
