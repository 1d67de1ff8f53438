package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("transport: session is not connected")
	ErrClosed       = errors.New("transport: session closed")
	ErrNoEndpoint   = errors.New("transport: relay endpoint is required")
	ErrNoDevice     = errors.New("transport: device id is required")
)

// TransportError reports a failed connect or a dropped connection that could not
// be re-established within the retry budget.
type TransportError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("transport: %s %s after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
