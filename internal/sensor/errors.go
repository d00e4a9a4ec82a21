package sensor

import (
	"errors"
	"fmt"
)

// ErrNoAdapter means no wireless adapter is present. It is never retried.
var ErrNoAdapter = errors.New("no bluetooth adapter found")

// ErrClosed is returned by operations on a closed sensor
var ErrClosed = errors.New("sensor connection closed")

// TransportError wraps failures of the wireless link
type TransportError struct {
	Device string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must not be retried
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoAdapter)
}
