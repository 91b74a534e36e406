package engine

import (
	"errors"

	"veriline/internal/repo"
)

// ErrNoEligibleValidator is transient: the request stays in its current
// non-terminal status and the next clock sweep retries the assignment.
var ErrNoEligibleValidator = errors.New("no eligible validator")

// ErrStaleAssignment means a verdict arrived for an assignment that already
// timed out or was cancelled. The verdict is logged to the event stream but
// the request is left untouched.
var ErrStaleAssignment = errors.New("stale assignment")

// ErrTerminalRequest guards completed/failed requests against further writes.
var ErrTerminalRequest = errors.New("request is in a terminal state")

// ErrConflict re-exports the repo's optimistic-lock failure so callers only
// depend on the engine package.
var ErrConflict = repo.ErrConflict
