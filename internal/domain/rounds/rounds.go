// Package rounds holds the guarded phase transitions both game variants
// share. A transition reads the game, checks lifecycle, phase and optional
// ownership, then writes the new phase in one batch guarded by the version
// it read. A write that loses a race is re-evaluated against fresh state.
package rounds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const defaultAttempts = 4

// Transition describes one guarded phase change.
type Transition struct {
	Op   string
	From []model.Phase
	// To is the new phase; empty keeps the current one.
	To model.Phase
	// NextRound bumps roundNumber by one.
	NextRound bool
	// ResetLocks clears roundLocked on every player in the same batch.
	ResetLocks bool
	// OwnerOnly subjects the caller to the owner check when enforcement is on.
	OwnerOnly bool
	// Guard runs after the phase check; a non-nil error aborts.
	Guard func(*model.Game) error
	// Set holds extra top-level fields written with the phase.
	Set []docstore.Update
}

// EndTransition marks a game of v ended from any phase.
func EndTransition(v model.Variant) Transition {
	return Transition{
		Op:   "endGame",
		From: v.Phases(),
		Set: []docstore.Update{
			{Field: model.FieldLifecycle, Value: string(model.Ended)},
			{Field: model.FieldEndedAt, Value: docstore.ServerTimestamp},
		},
		OwnerOnly: true,
	}
}

// Runner applies transitions to games of one variant.
type Runner struct {
	store        docstore.Store
	variant      model.Variant
	enforceOwner bool
	attempts     int
	logger       logger.Logger
}

// NewRunner returns a runner for variant backed by store.
func NewRunner(store docstore.Store, variant model.Variant, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		variant:  variant,
		attempts: defaultAttempts,
		logger:   logger.Get().Named("rounds"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the backing store.
func (r *Runner) Store() docstore.Store { return r.store }

// Variant returns the variant the runner serves.
func (r *Runner) Variant() model.Variant { return r.variant }

// GameRef returns the game document reference.
func (r *Runner) GameRef(gameID string) docstore.DocRef { return r.variant.Game(gameID) }

// Sub returns one of the game's sub-collections.
func (r *Runner) Sub(gameID, name string) docstore.CollectionRef {
	return r.variant.Game(gameID).Collection(name)
}

// Load reads a game. A missing game is NotFound.
func (r *Runner) Load(ctx context.Context, op, gameID string) (*model.Game, error) {
	if strings.TrimSpace(gameID) == "" {
		return nil, gameerr.New(op, gameerr.ErrInvalidArgument, errors.New("game id is required"))
	}
	doc, err := r.store.Get(ctx, r.GameRef(gameID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, gameerr.New(op, gameerr.ErrNotFound, fmt.Errorf("%w: %s", gameerr.ErrGameNotFound, gameID))
	}
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	g, err := model.GameFromDocument(r.variant, doc)
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	return g, nil
}

// LoadActive reads a game and rejects it once ended.
func (r *Runner) LoadActive(ctx context.Context, op, gameID string) (*model.Game, error) {
	g, err := r.Load(ctx, op, gameID)
	if err != nil {
		return nil, err
	}
	if err := CheckActive(op, g); err != nil {
		return nil, err
	}
	return g, nil
}

// CheckActive rejects commands against an ended game.
func CheckActive(op string, g *model.Game) error {
	if !g.IsActive() {
		return gameerr.New(op, gameerr.ErrNotFound, gameerr.ErrGameEnded)
	}
	return nil
}

// CheckPhase rejects commands issued from a phase outside allowed.
func CheckPhase(op string, g *model.Game, allowed ...model.Phase) error {
	if !g.RoundPhase.In(allowed...) {
		return gameerr.New(op, gameerr.ErrInvalidTransition,
			fmt.Errorf("%w: %s is %s", gameerr.ErrWrongPhase, op, g.RoundPhase))
	}
	return nil
}

// Authorize applies the owner check. It passes when enforcement is off or
// the context carries no caller.
func (r *Runner) Authorize(ctx context.Context, op string, g *model.Game) error {
	if !r.enforceOwner {
		return nil
	}
	caller, ok := model.CallerFrom(ctx)
	if !ok || caller == g.OwnerID {
		return nil
	}
	return gameerr.New(op, gameerr.ErrForbidden, gameerr.ErrNotOwner)
}

// Apply runs t against gameID and returns the game as committed.
func (r *Runner) Apply(ctx context.Context, gameID string, t Transition) (*model.Game, error) {
	for attempt := 1; attempt <= r.attempts; attempt++ {
		g, err := r.LoadActive(ctx, t.Op, gameID)
		if err != nil {
			return nil, err
		}
		if t.OwnerOnly {
			if err := r.Authorize(ctx, t.Op, g); err != nil {
				return nil, err
			}
		}
		if err := CheckPhase(t.Op, g, t.From...); err != nil {
			return nil, err
		}
		if t.Guard != nil {
			if err := t.Guard(g); err != nil {
				return nil, err
			}
		}

		batch := r.store.Batch()
		updates := append([]docstore.Update(nil), t.Set...)
		if t.To != "" {
			updates = append(updates, docstore.Update{Field: model.FieldRoundPhase, Value: string(t.To)})
		}
		if t.NextRound {
			updates = append(updates, docstore.Update{Field: model.FieldRoundNumber, Value: g.RoundNumber + 1})
		}
		batch.Update(g.Ref(), updates, docstore.LastVersion(g.Version))
		if t.ResetLocks {
			if err := r.queueLockReset(ctx, t.Op, gameID, batch); err != nil {
				return nil, err
			}
		}

		err = batch.Commit(ctx)
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			r.logger.Debug(ctx, "game changed underneath transition, re-reading",
				logger.String("op", t.Op), logger.String("game", gameID), logger.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, gameerr.FromStore(t.Op, err)
		}
		return r.Load(ctx, t.Op, gameID)
	}
	return nil, gameerr.New(t.Op, gameerr.ErrTransientStoreFailure,
		fmt.Errorf("game %s kept changing after %d attempts", gameID, r.attempts))
}

func (r *Runner) queueLockReset(ctx context.Context, op, gameID string, batch docstore.Batch) error {
	locked, err := r.store.Query(ctx, r.Sub(gameID, model.CollPlayers).Where(model.FieldRoundLocked, true))
	if err != nil {
		return gameerr.FromStore(op, err)
	}
	for _, doc := range locked {
		batch.Update(doc.Ref, []docstore.Update{{Field: model.FieldRoundLocked, Value: false}})
	}
	return nil
}

// Record reports one command outcome to metrics.
func Record(machine, command string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind := gameerr.KindOf(err); kind != nil {
			outcome = strings.ReplaceAll(kind.Error(), " ", "_")
		}
	}
	metrics.RecordCommand(machine, command, outcome, float64(time.Since(start).Milliseconds()))
}
