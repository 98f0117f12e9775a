package engine

import (
	"errors"

	"github.com/canopyhq/canopy/internal/events"
	"github.com/canopyhq/canopy/internal/lockfile"
)

// Errors returned by engine operations.
//
// These can be checked with errors.Is():
//
//	if errors.Is(err, engine.ErrReadOnly) {
//	    // Surface to the caller; never retried.
//	}
var (
	// ErrReadOnly is returned when a write is attempted while write
	// protection is active and the write is not mirroring what the
	// external store already declares during a sync pass.
	ErrReadOnly = errors.New("configuration is write-protected")

	// ErrLockTimeout is returned when the sync lock could not be
	// acquired in time. No state has been mutated; a later retry is
	// safe.
	ErrLockTimeout = lockfile.ErrTimeout

	// ErrAborted is returned when a sync pass had to abort, most
	// notably when the deferral budget was exceeded. The internal
	// store is untouched because persistence only happens after
	// dispatch fully completes.
	ErrAborted = errors.New("sync pass aborted")

	// ErrExternalWrite indicates the declarative files could not be
	// written. Callers normally never see it: the engine converts it
	// into the sticky degraded flag and the sync itself succeeds.
	ErrExternalWrite = errors.New("external config write failed")
)

// StuckPaths extracts the paths still queued when a deferral budget
// abort occurred, nil for other errors.
func StuckPaths(err error) []string {
	var budget *events.BudgetExceededError
	if errors.As(err, &budget) {
		return budget.Paths
	}
	return nil
}
