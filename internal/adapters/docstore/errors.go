package docstore

import "errors"

var (
	ErrNotFound           = errors.New("document not found")
	ErrAlreadyExists      = errors.New("document already exists")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrConflict           = errors.New("transaction conflict")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrClosed             = errors.New("store closed")
	// ErrUnavailable marks backend failures a caller may retry.
	ErrUnavailable = errors.New("store unavailable")
)
