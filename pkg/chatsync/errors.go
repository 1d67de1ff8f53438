package chatsync

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every local rejection of Send. Nothing reaches the
// relay when it is returned.
var ErrValidation = errors.New("validation")

var (
	ErrEmptyText          = fmt.Errorf("%w: message text is empty", ErrValidation)
	ErrTextTooLong        = fmt.Errorf("%w: message text is too long", ErrValidation)
	ErrIdentityUnresolved = fmt.Errorf("%w: device identity is not resolved", ErrValidation)
	ErrNotConnected       = fmt.Errorf("%w: not connected to the relay", ErrValidation)
)

var (
	ErrClosed    = errors.New("chatsync: synchronizer closed")
	ErrNoSession = errors.New("chatsync: session is required")
)

// rejectReason labels a validation error for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyText):
		return "empty"
	case errors.Is(err, ErrTextTooLong):
		return "too_long"
	case errors.Is(err, ErrIdentityUnresolved):
		return "no_identity"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "transport"
	}
}
