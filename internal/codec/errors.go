package codec

import "errors"

// Domain errors for the codec package.
var (
	// ErrInvalidPayload is returned when input cannot be parsed into a Value.
	ErrInvalidPayload = errors.New("codec: invalid payload")

	// ErrDecode is returned when an inbound element cannot be interpreted.
	// Decoding is fail-fast: one bad element rejects the whole message.
	ErrDecode = errors.New("codec: decode failed")

	// ErrSerialize describes a single element that could not be stringified.
	// It never aborts Encode; it is recorded in Encoded.Errors.
	ErrSerialize = errors.New("codec: element not serialisable")
)
