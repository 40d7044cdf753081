package escrow

import (
	"errors"
	"fmt"
)

// Validation errors: rejected before any state mutation.
var (
	ErrUnknownActivity = errors.New("unknown activity")
	ErrInvalidWindow   = errors.New("invalid window (end_time must be after start_time)")
	ErrZeroAmount      = errors.New("amount must be > 0")
	ErrTokenMismatch   = errors.New("token does not match activity")
	ErrSpenderMismatch = errors.New("permit spender is not the escrow custodian")
)

// Authorization errors.
var (
	ErrNotAuthorized = errors.New("caller is not authorized")
)

// State-conflict errors: the state machine's transition guards. Expected and
// frequent, never logged as faults.
var (
	ErrWindowClosed          = errors.New("deposit window closed")
	ErrWindowNotClosed       = errors.New("deposit window not yet closed")
	ErrAlreadyResolved       = errors.New("activity already resolved")
	ErrAmountExceedsPool     = errors.New("amount exceeds pooled total")
	ErrGracePeriodNotElapsed = errors.New("grace period not yet elapsed")
	ErrFrozen                = errors.New("activity frozen after invariant violation")
)

// InvariantError reports a conservation failure on resolution. It is fatal
// for the record: the activity is frozen and no further operations are
// accepted on it.
type InvariantError struct {
	ActivityID uint64
	Detail     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on activity %d: %s", e.ActivityID, e.Detail)
}
