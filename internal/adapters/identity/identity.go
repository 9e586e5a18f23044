// Package identity issues the opaque player identities games key on.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidIdentity is returned for blank or malformed identities.
var ErrInvalidIdentity = errors.New("invalid identity")

// Provider supplies the identity of the current device or session.
type Provider interface {
	Identity(ctx context.Context) (string, error)
}

// Anonymous issues one random identity on first use and returns it for the
// rest of its lifetime.
type Anonymous struct {
	once sync.Once
	id   string
	err  error
	gen  func() (uuid.UUID, error)
}

// Option configures an Anonymous provider.
type Option func(*Anonymous)

// WithGenerator replaces the uuid source.
func WithGenerator(gen func() (uuid.UUID, error)) Option {
	return func(a *Anonymous) {
		if gen != nil {
			a.gen = gen
		}
	}
}

// NewAnonymous returns a provider that has not issued its identity yet.
func NewAnonymous(opts ...Option) *Anonymous {
	a := &Anonymous{gen: uuid.NewRandom}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Identity returns the cached identity, issuing it on the first call. A
// failed issue is cached too.
func (a *Anonymous) Identity(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.once.Do(func() {
		u, err := a.gen()
		if err != nil {
			a.err = fmt.Errorf("issue identity: %w", err)
			return
		}
		a.id = u.String()
	})
	return a.id, a.err
}

// Static always returns the same identity.
type Static string

// Identity implements Provider.
func (s Static) Identity(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrInvalidIdentity
	}
	return string(s), nil
}

// Issue returns a fresh anonymous identity. The gateway hands these out to
// devices that have none yet.
func Issue() string {
	return uuid.NewString()
}

// Parse trims id and checks it is usable as a player identity. Issued
// identities are uuids, but any non-blank token without slashes is
// accepted so devices may bring their own.
func Parse(id string) (string, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return "", fmt.Errorf("%w: blank", ErrInvalidIdentity)
	case len(id) > 128:
		return "", fmt.Errorf("%w: too long", ErrInvalidIdentity)
	case strings.ContainsAny(id, "/ \t\r\n"):
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	return id, nil
}
