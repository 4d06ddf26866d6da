package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the message id is unknown to the store.
	ErrNotFound = errors.New("message not found")

	// ErrConflict means the operation lost a race or arrived in a state that
	// no longer permits it: a second reviewer resolving the same message, a
	// cancel after dispatch began, a stale expected status. First resolution
	// wins; the loser sees this, never a silent overwrite.
	ErrConflict = errors.New("conflicting state change")
)

// ValidationError rejects malformed input before any state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaExceededError means the usage throttle denied the user's daily
// allowance of AI-assisted scheduling actions.
type QuotaExceededError struct {
	UserID string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily scheduling quota exhausted for user %s", e.UserID)
}

// DispatchError wraps a transient failure of the external chat send. It is
// retried internally and only surfaces once the message has gone terminal
// failed; the failed status and its event are the user-visible outcome.
type DispatchError struct {
	MessageID string
	Attempts  int
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch of message %s failed after %d attempts: %v", e.MessageID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
