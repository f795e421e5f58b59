package store

import "errors"

// Sentinel errors returned by store operations; handlers classify these into
// the HTTP status codes named in the error-handling taxonomy.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrLeaseLost       = errors.New("lease lost")
	ErrQuotaExceeded   = errors.New("workspace run quota exceeded")
)
