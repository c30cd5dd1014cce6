package types

import "errors"

// Error classes surfaced to callers. Specific errors wrap one of these so
// errors.Is can classify them.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
)
