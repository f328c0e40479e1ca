package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		level Level
		text  string
	}{
		{"plain", "listening on :19131", LevelInfo, "listening on :19131"},
		{"info tag stripped", "[INFO] ready", LevelInfo, "ready"},
		{"warn tag", "[WARN] slow query", LevelWarn, "slow query"},
		{"warning colon tag", "WARNING: retrying", LevelWarn, "retrying"},
		{"error tag", "[ERROR] boom", LevelError, "boom"},
		{"debug tag stays info", "DEBUG: cache hit", LevelInfo, "cache hit"},
		{"marker in body", "request failed with an exception", LevelError, "request failed with an exception"},
		{"traceback marker", "Traceback (most recent call last)", LevelError, "Traceback (most recent call last)"},
		{"marker overrides warn tag", "[WARN] upstream error persists", LevelError, "upstream error persists"},
		{"mixed case marker", "unexpected ERROR in handler", LevelError, "unexpected ERROR in handler"},
		{"whitespace trimmed", "  [INFO]  started  ", LevelInfo, "started"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			level, text := ClassifyLine(tc.raw)
			require.Equal(t, tc.level, level)
			require.Equal(t, tc.text, text)
		})
	}
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "info", LevelInfo.String())
	require.Equal(t, "warn", LevelWarn.String())
	require.Equal(t, "error", LevelError.String())
}

func TestDescribe(t *testing.T) {
	down := Record{Kind: KindWeb, State: StateDown, LastExitCode: 2}
	require.Contains(t, Describe(down), "DOWN")
	require.Contains(t, Describe(down), "last exit 2")

	up := Record{Kind: KindBackup, State: StateUp, PID: 4242}
	require.Contains(t, Describe(up), "UP")
	require.Contains(t, Describe(up), "4242")
}

func TestValidKind(t *testing.T) {
	for _, k := range AllKinds {
		require.True(t, ValidKind(string(k)))
	}
	require.False(t, ValidKind("mailer"))
	require.False(t, ValidKind(""))
}
