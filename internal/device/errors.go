package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when an id is unknown or the SDK is not ready.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrNotStarted is returned when the Registry loop has not been started.
	ErrNotStarted = errors.New("device: registry not started")

	// ErrStopped is returned after the Registry loop has exited.
	ErrStopped = errors.New("device: registry stopped")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("device: registry already started")

	// ErrInvalidSession is returned for an unknown mode or variant.
	ErrInvalidSession = errors.New("device: invalid session")
)
