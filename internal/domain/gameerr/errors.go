// Package gameerr is the error taxonomy shared by the game state machines.
//
// Every command failure is an *Error carrying one Kind and, usually, a finer
// reason. errors.Is matches either.
package gameerr

import (
	"errors"
	"fmt"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
)

// Kinds.
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrDuplicateSubmission   = errors.New("duplicate submission")
	ErrTransientStoreFailure = errors.New("transient store failure")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrForbidden             = errors.New("forbidden")
)

var kinds = []error{
	ErrNotFound,
	ErrInvalidTransition,
	ErrDuplicateSubmission,
	ErrTransientStoreFailure,
	ErrInvalidArgument,
	ErrForbidden,
}

// Reasons.
var (
	ErrGameNotFound   = errors.New("game does not exist")
	ErrGameEnded      = errors.New("game has ended")
	ErrPlayerNotFound = errors.New("player has not joined this game")
	ErrBuzzNotFound   = errors.New("buzz does not exist")
	ErrWrongPhase     = errors.New("round phase does not allow this")
	ErrAlreadyClaimed = errors.New("someone else answered first")
	ErrBuzzResolved   = errors.New("buzz already judged")
	ErrRoundLocked    = errors.New("player is locked out of this round")
	ErrStaleRound     = errors.New("round has moved on")
	ErrWindowOpen     = errors.New("response window is still open")
	ErrNotOwner       = errors.New("caller is not the game owner")
)

// Error is a classified command failure.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the reason to errors.Is.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// New builds an *Error with a reason.
func New(op string, kind, reason error) error {
	return &Error{Op: op, Kind: kind, Err: reason}
}

// Wrap classifies err under kind. It returns nil for a nil err and leaves an
// existing *Error untouched.
func Wrap(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of err, or nil when it is unclassified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) && ge.Kind != nil {
		return ge.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// FromStore classifies a document store failure. Anything but a missing
// document or a rejected argument is transient.
func FromStore(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		return Wrap(op, ErrNotFound, err)
	case errors.Is(err, docstore.ErrInvalidArgument):
		return Wrap(op, ErrInvalidArgument, err)
	default:
		return Wrap(op, ErrTransientStoreFailure, err)
	}
}
