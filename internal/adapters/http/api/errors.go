package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/tunebuzz/internal/domain/gameerr"
)

// Sentinel kinds for gateway errors.
var (
	ErrBadRequest     = errors.New("bad request")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownStream  = errors.New("unknown stream")
)

// NewKind returns an error of kind for op.
func NewKind(op string, kind error) error {
	return fmt.Errorf("%s: %w", op, kind)
}

// WrapKind returns err classified under kind for op.
func WrapKind(op string, kind, err error) error {
	if err == nil {
		return NewKind(op, kind)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// statusFor maps an error to its HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch gameerr.KindOf(err) {
	case gameerr.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case gameerr.ErrInvalidTransition:
		return http.StatusConflict, "invalid_transition"
	case gameerr.ErrDuplicateSubmission:
		return http.StatusConflict, "duplicate_submission"
	case gameerr.ErrInvalidArgument:
		return http.StatusBadRequest, "invalid_argument"
	case gameerr.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case gameerr.ErrTransientStoreFailure:
		return http.StatusServiceUnavailable, "transient_store_failure"
	}
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrUnknownStream):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, "internal"
}
