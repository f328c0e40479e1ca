package store

import (
	"strings"

	"github.com/pkg/errors"
)

// Component-level errors surfaced to callers. Operations roll back fully
// before returning any of these; checking is done with errors.Is.
var (
	// ErrStorageBusy means another writer holds the database lock.
	ErrStorageBusy = errors.New("storage busy")
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownUser means the identity does not exist or was merged away
	// without a resolvable successor.
	ErrUnknownUser = errors.New("unknown user")

	// Economy.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSelfTransfer      = errors.New("cannot transfer to self")

	// Link registry.
	ErrCodeInvalid  = errors.New("link code invalid")
	ErrCodeExpired  = errors.New("link code expired")
	ErrNotLinked    = errors.New("account is not linked")
	ErrLinkConflict = errors.New("account already linked elsewhere")
)

// wrapBusy maps SQLITE_BUSY/LOCKED failures onto ErrStorageBusy so callers
// can distinguish lock contention from real storage faults.
func wrapBusy(err error, msg string) error {
	if err == nil {
		return nil
	}
	text := err.Error()
	if strings.Contains(text, "SQLITE_BUSY") || strings.Contains(text, "database is locked") {
		// Keep the driver's own message; callers match on the sentinel but
		// logs need the underlying detail.
		return errors.Wrapf(ErrStorageBusy, "%s: %v", msg, err)
	}
	return errors.Wrap(err, msg)
}
