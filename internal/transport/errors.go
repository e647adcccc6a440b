package transport

import "errors"

// Transport faults. Implementations wrap these so callers can use errors.Is().
var (
	// ErrInvalidState is returned when the SDK session is in a bad internal state.
	ErrInvalidState = errors.New("transport: invalid state")

	// ErrServiceUnavailable is returned when the SDK service cannot be reached.
	ErrServiceUnavailable = errors.New("transport: service unavailable")

	// ErrUnsupported is returned for operations an implementation cannot perform.
	ErrUnsupported = errors.New("transport: operation not supported")
)
