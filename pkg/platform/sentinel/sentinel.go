package sentinel

import "errors"

// Sentinel errors for facts that handlers translate into HTTP statuses.
// Stores and services return these wrapped with context.
var (
	ErrNotFound    = errors.New("not found")
	ErrBadRequest  = errors.New("bad request")
	ErrUnavailable = errors.New("unavailable")
)
