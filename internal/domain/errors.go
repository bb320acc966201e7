package domain

import (
	"errors"
	"fmt"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Balance engine errors
var (
	// ErrInsufficientFunds is returned when available balance cannot cover a
	// bet stake.
	ErrInsufficientFunds = errors.New("insufficient available balance")

	// ErrVersionConflict is returned when the caller's expected account
	// version no longer matches; the caller refreshes state and retries.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrDuplicate marks an idempotent replay: the operation was already
	// applied and the current state is returned unchanged.
	ErrDuplicate = errors.New("duplicate operation")

	// ErrInvalidAmount is returned for zero, negative, out-of-range, or
	// unparseable monetary amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrFrozen is returned when the target account is frozen by an admin.
	ErrFrozen = errors.New("account is frozen")

	// ErrKillSwitch is returned when the solvency kill switch blocks the
	// operation.
	ErrKillSwitch = errors.New("kill switch engaged")

	// ErrSolvencyBlocked is returned when a credit would breach the house
	// liability limit.
	ErrSolvencyBlocked = errors.New("credit blocked by solvency check")

	// ErrNoMatchingLock is returned when a win/loss settlement finds no
	// bet_lock entry to release.
	ErrNoMatchingLock = errors.New("no matching bet lock")
)

// Round / bet errors
var (
	// ErrBettingClosed is returned for bets that arrive outside the betting
	// window.
	ErrBettingClosed = errors.New("betting window is closed")

	// ErrTooLate is returned for cashouts inside the safety margin before the
	// crash instant, or after it.
	ErrTooLate = errors.New("too late to cash out")

	// ErrNoActiveBet is returned when a cashout finds no placed bet for the
	// user in the running round.
	ErrNoActiveBet = errors.New("no active bet in this round")

	// ErrRoundNotFound is returned when no round matches the given id.
	ErrRoundNotFound = errors.New("round not found")
)

// Fairness / auth / transport errors
var (
	// ErrFairnessViolation is returned when recomputing a revealed round does
	// not reproduce the published crash point.
	ErrFairnessViolation = errors.New("fairness verification failed")

	// ErrUnauthenticated is returned for state-changing messages on a session
	// that has not completed auth.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrResyncRequired is returned when a resume point has been evicted from
	// the replay ring; the client must take a full snapshot.
	ErrResyncRequired = errors.New("resync required")

	// ErrTransientIO marks retryable infrastructure failures (chain RPC,
	// database connectivity).  Wrap with TransientIO() so errors.Is matches.
	ErrTransientIO = errors.New("transient i/o failure")
)

// TransientIO wraps an infrastructure error so that
// errors.Is(err, ErrTransientIO) holds while the cause stays inspectable.
func TransientIO(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// deterministicErrors are failures that retrying with the same inputs cannot
// fix; they are returned to the caller unchanged.
var deterministicErrors = []error{
	ErrInsufficientFunds,
	ErrVersionConflict,
	ErrInvalidAmount,
	ErrFrozen,
	ErrKillSwitch,
	ErrSolvencyBlocked,
	ErrNoMatchingLock,
	ErrBettingClosed,
	ErrTooLate,
	ErrNoActiveBet,
	ErrUnauthenticated,
}

// IsDeterministic returns true for failures that must not be retried.
func IsDeterministic(err error) bool {
	for _, target := range deterministicErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable returns true when the caller should retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// ErrorCode maps a domain error to its wire error code.  Unknown errors map
// to "internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrVersionConflict):
		return "VersionConflict"
	case errors.Is(err, ErrDuplicate):
		return "Duplicate"
	case errors.Is(err, ErrBettingClosed):
		return "BettingClosed"
	case errors.Is(err, ErrTooLate):
		return "TooLate"
	case errors.Is(err, ErrNoActiveBet):
		return "NoActiveBet"
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrFrozen):
		return "Frozen"
	case errors.Is(err, ErrKillSwitch):
		return "KillSwitch"
	case errors.Is(err, ErrSolvencyBlocked):
		return "SolvencyBlocked"
	case errors.Is(err, ErrNoMatchingLock):
		return "NoMatchingLock"
	case errors.Is(err, ErrUnauthenticated):
		return "Unauthenticated"
	case errors.Is(err, ErrResyncRequired):
		return "ResyncRequired"
	case errors.Is(err, ErrFairnessViolation):
		return "FairnessViolation"
	case errors.Is(err, ErrTransientIO):
		return "TransientIO"
	case errors.Is(err, ErrRoundNotFound):
		return "RoundNotFound"
	default:
		return "internal"
	}
}
