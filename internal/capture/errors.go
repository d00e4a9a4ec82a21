package capture

import "errors"

// Precondition failures of the command surface. None of them is retried.
var (
	ErrInvalidConfiguration = errors.New("invalid session configuration")
	ErrMissingConfiguration = errors.New("no session configuration set")
	ErrMissingConnection    = errors.New("sensor was absent when it was needed")
	ErrMissingActiveCapture = errors.New("no capture session is running")
	ErrCaptureActive        = errors.New("a capture session is already running")
	ErrConnectInProgress    = errors.New("a connection attempt is already in progress")
	ErrAlreadyConnected     = errors.New("a sensor is already connected")
	ErrConnectCancelled     = errors.New("connection attempt cancelled")
)
