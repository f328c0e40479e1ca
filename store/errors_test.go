package store

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapBusy(t *testing.T) {
	// Lock contention maps onto the sentinel without losing the driver's
	// own message.
	busy := errors.New("SQLITE_BUSY (5): database is locked")
	err := wrapBusy(busy, "failed to write ledger")
	require.ErrorIs(t, err, ErrStorageBusy)
	require.Contains(t, err.Error(), "failed to write ledger")
	require.Contains(t, err.Error(), "SQLITE_BUSY (5)")

	// Other storage faults pass through wrapped as-is.
	plain := errors.New("no such table: wallets")
	err = wrapBusy(plain, "failed to read")
	require.NotErrorIs(t, err, ErrStorageBusy)
	require.Contains(t, err.Error(), "no such table: wallets")

	require.NoError(t, wrapBusy(nil, "noop"))
}
