//go:build !windows

package supervisor

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/powerbot/powerbot/config"
)

// A worker that exits immediately must still have every output line drained
// into the sink before its exit is reaped; the reap path waits for both
// pipe tails so Wait cannot close the pipes under them.
func TestManagerDrainsOutputOfShortLivedWorker(t *testing.T) {
	toggles, err := config.OpenToggles(filepath.Join(t.TempDir(), "toggles.json"))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		lines []string
	)
	manager, err := NewManager(toggles, func(_ Kind, _ Level, text string) {
		mu.Lock()
		lines = append(lines, text)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	// echo prints its argv and exits at once, standing in for a worker
	// that dies during startup.
	manager.selfPath = "/bin/echo"
	manager.graceDelay = 250 * time.Millisecond

	err = manager.Start(KindWeb)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited during startup")

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, lines, "worker web")
	require.False(t, manager.Running(KindWeb))
}
