// Package directory issues join codes and resolves them to live games.
//
// A code is only unique among the active games of one variant. Two creators
// drawing the same code at the same instant is tolerated: resolution always
// returns the oldest active match and reports the anomaly.
package directory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

// Alphabet is the set of join code characters.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	defaultLength      = 6
	defaultMaxAttempts = 32
	// largest multiple of len(Alphabet) that fits in a byte
	sampleLimit = 256 - 256%len(Alphabet)
)

// ErrExhausted is returned when every drawn code was taken.
var ErrExhausted = errors.New("no free join code")

// Generator draws a candidate code of n characters.
type Generator func(n int) (string, error)

// RandomCode draws n characters uniformly from Alphabet.
func RandomCode(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= sampleLimit {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Directory issues and resolves codes.
type Directory struct {
	store       docstore.Store
	length      int
	maxAttempts int
	generate    Generator
	logger      logger.Logger
}

// New returns a directory over store.
func New(store docstore.Store, opts ...Option) *Directory {
	d := &Directory{
		store:       store,
		length:      defaultLength,
		maxAttempts: defaultMaxAttempts,
		generate:    RandomCode,
		logger:      logger.Get().Named("directory"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateCode draws codes until one is unused by the active games of v.
func (d *Directory) CreateCode(ctx context.Context, v model.Variant) (string, error) {
	const op = "createCode"
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		code, err := d.generate(d.length)
		if err != nil {
			return "", gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
		}
		taken, err := d.active(ctx, v, code, 1)
		if err != nil {
			return "", gameerr.FromStore(op, err)
		}
		if len(taken) == 0 {
			return code, nil
		}
		metrics.RecordJoinCodeRedraw()
		d.logger.Debug(ctx, "join code collision, redrawing",
			logger.String("variant", string(v)), logger.Int("attempt", attempt))
	}
	return "", gameerr.New(op, gameerr.ErrTransientStoreFailure,
		fmt.Errorf("%w after %d attempts", ErrExhausted, d.maxAttempts))
}

// Resolve returns the active game of v holding code. Input is trimmed and
// upper-cased. With more than one match the oldest wins.
func (d *Directory) Resolve(ctx context.Context, v model.Variant, code string) (*model.Game, error) {
	const op = "resolveCode"
	code, err := d.Normalize(code)
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrInvalidArgument, err)
	}
	docs, err := d.active(ctx, v, code, 0)
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	if len(docs) == 0 {
		return nil, gameerr.New(op, gameerr.ErrNotFound, fmt.Errorf("%w: code %s", gameerr.ErrGameNotFound, code))
	}
	if len(docs) > 1 {
		metrics.RecordJoinCodeAnomaly()
		d.logger.Warn(ctx, "join code matches more than one active game, using the oldest",
			logger.String("variant", string(v)), logger.String("code", code), logger.Int("matches", len(docs)))
	}
	g, err := model.GameFromDocument(v, docs[0])
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	return g, nil
}

// Normalize trims and upper-cases code and checks its shape.
func (d *Directory) Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != d.length {
		return "", fmt.Errorf("join code must be %d characters", d.length)
	}
	for _, c := range code {
		if !strings.ContainsRune(Alphabet, c) {
			return "", fmt.Errorf("join code has invalid character %q", c)
		}
	}
	return code, nil
}

func (d *Directory) active(ctx context.Context, v model.Variant, code string, limit int) ([]*docstore.Document, error) {
	q := v.Games().
		Where(model.FieldJoinCode, code).
		Where(model.FieldLifecycle, string(model.Active)).
		OrderBy(model.FieldCreatedAt, docstore.Asc).
		WithLimit(limit)
	return d.store.Query(ctx, q)
}
