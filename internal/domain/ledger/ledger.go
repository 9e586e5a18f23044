// Package ledger applies score changes. Hosted judging runs inside a store
// transaction so concurrent judgments of one player never lose an update;
// hostless settlement writes every graded answer and net score change in one
// version-guarded batch.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

// Ledger mutates scores for the games a runner serves.
type Ledger struct {
	runner *rounds.Runner
	store  docstore.Store
	logger logger.Logger
}

// New returns a ledger over runner's store and variant.
func New(runner *rounds.Runner, opts ...Option) *Ledger {
	l := &Ledger{
		runner: runner,
		store:  runner.Store(),
		logger: logger.Get().Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Judgment is the committed outcome of one judged buzz.
type Judgment struct {
	Player *model.Player `json:"player"`
	Buzz   *model.Buzz   `json:"buzz"`
	Delta  int           `json:"delta"`
}

// ResolveBuzz judges one buzz. A correct buzz adds a point; an incorrect one
// takes a point and locks the player out of the round. The buzz is marked
// resolved in the same transaction, so it can be judged once. identity may
// be empty, in which case the buzz's own player is scored.
func (l *Ledger) ResolveBuzz(ctx context.Context, op, gameID, buzzID, identity string, correct bool) (*Judgment, error) {
	delta := -1
	if correct {
		delta = 1
	}

	var playerRef, buzzRef docstore.DocRef
	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		g, err := l.txGame(ctx, tx, op, gameID)
		if err != nil {
			return err
		}
		if err := l.runner.Authorize(ctx, op, g); err != nil {
			return err
		}
		if err := rounds.CheckPhase(op, g, model.Live); err != nil {
			return err
		}

		buzzRef = l.runner.Sub(gameID, model.CollBuzzes).Doc(buzzID)
		doc, err := tx.Get(ctx, buzzRef)
		if errors.Is(err, docstore.ErrNotFound) {
			return gameerr.New(op, gameerr.ErrNotFound, gameerr.ErrBuzzNotFound)
		}
		if err != nil {
			return gameerr.FromStore(op, err)
		}
		buzz, err := model.BuzzFromDocument(doc)
		if err != nil {
			return gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
		}
		switch {
		case buzz.Resolved:
			return gameerr.New(op, gameerr.ErrInvalidTransition, gameerr.ErrBuzzResolved)
		case buzz.RoundNumber != g.RoundNumber:
			return gameerr.New(op, gameerr.ErrInvalidTransition, gameerr.ErrStaleRound)
		case identity != "" && identity != buzz.PlayerIdentity:
			return gameerr.New(op, gameerr.ErrInvalidArgument,
				fmt.Errorf("buzz %s belongs to another player", buzzID))
		}

		players, err := tx.Query(ctx, rounds.PlayerQuery(l.runner.Sub(gameID, model.CollPlayers), buzz.PlayerIdentity))
		if err != nil {
			return gameerr.FromStore(op, err)
		}
		if len(players) == 0 {
			return gameerr.New(op, gameerr.ErrNotFound, gameerr.ErrPlayerNotFound)
		}
		playerRef = players[0].Ref

		updates := []docstore.Update{{Field: model.FieldScore, Value: docstore.Increment(float64(delta))}}
		if !correct {
			updates = append(updates, docstore.Update{Field: model.FieldRoundLocked, Value: true})
		}
		if err := tx.Update(playerRef, updates...); err != nil {
			return gameerr.FromStore(op, err)
		}
		return gameerr.FromStore(op, tx.Update(buzzRef,
			docstore.Update{Field: model.FieldResolved, Value: true},
			docstore.Update{Field: model.FieldCorrect, Value: correct},
			docstore.Update{Field: model.FieldResolvedAt, Value: docstore.ServerTimestamp},
		))
	})
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	metrics.RecordScoreChange(string(l.runner.Variant()), delta)

	return l.readJudgment(ctx, op, playerRef, buzzRef, delta)
}

func (l *Ledger) txGame(ctx context.Context, tx docstore.Tx, op, gameID string) (*model.Game, error) {
	doc, err := tx.Get(ctx, l.runner.GameRef(gameID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, gameerr.New(op, gameerr.ErrNotFound, fmt.Errorf("%w: %s", gameerr.ErrGameNotFound, gameID))
	}
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	g, err := model.GameFromDocument(l.runner.Variant(), doc)
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	if err := rounds.CheckActive(op, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (l *Ledger) readJudgment(ctx context.Context, op string, playerRef, buzzRef docstore.DocRef, delta int) (*Judgment, error) {
	pdoc, err := l.store.Get(ctx, playerRef)
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	bdoc, err := l.store.Get(ctx, buzzRef)
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	p, err := model.PlayerFromDocument(pdoc)
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	b, err := model.BuzzFromDocument(bdoc)
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	return &Judgment{Player: p, Buzz: b, Delta: delta}, nil
}
