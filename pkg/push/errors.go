package push

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedPlatform = errors.New("push: background worker or push is not supported")
	ErrSubscriptionDenied  = errors.New("push: notification permission denied")
	ErrMissingServerKey    = errors.New("push: server public key is not configured")
	ErrInvalidServerKey    = errors.New("push: server public key is not an uncompressed P-256 point")
	ErrDisposed            = errors.New("push: manager disposed")
)

// SubscriptionError is a failed step of the subscription flow.
type SubscriptionError struct {
	Op  string
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("push: %s: %v", e.Op, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

func failure(op string, err error) error {
	if errors.Is(err, ErrSubscriptionDenied) || errors.Is(err, ErrDisposed) {
		return err
	}
	return &SubscriptionError{Op: op, Err: err}
}
