package history

import "errors"

// ErrInvalidRetention is returned by Prune for a non-positive retention.
var ErrInvalidRetention = errors.New("history: retention must be positive")
