// Package hosted implements the host-paced game: the host starts each round,
// players buzz in, and the host judges every buzz by hand.
package hosted

import (
	"context"
	"strings"
	"time"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/directory"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/ledger"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const (
	machineName      = "hosted"
	defaultOwnerName = "Host"
)

// Machine runs hosted games.
type Machine struct {
	runner    *rounds.Runner
	store     docstore.Store
	directory *directory.Directory
	ledger    *ledger.Ledger
	logger    logger.Logger
}

// New returns a machine. runner must serve model.Hosted.
func New(runner *rounds.Runner, dir *directory.Directory, opts ...Option) *Machine {
	m := &Machine{
		runner:    runner,
		store:     runner.Store(),
		directory: dir,
		logger:    logger.Get().Named("hosted"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ledger = ledger.New(runner, ledger.WithLogger(m.logger))
	return m
}

func (m *Machine) observe(command string, start time.Time, err *error) {
	rounds.Record(machineName, command, start, *err)
	if *err != nil {
		m.logger.Debug(context.Background(), "command rejected",
			logger.String("command", command), logger.Error(*err))
	}
}

// Create opens a game owned by ownerIdentity with a fresh join code.
func (m *Machine) Create(ctx context.Context, ownerIdentity, displayName string) (g *model.Game, err error) {
	const op = "create"
	defer m.observe(op, time.Now(), &err)

	ownerIdentity, err = rounds.ValidateName(op, "owner identity", ownerIdentity)
	if err != nil {
		return nil, err
	}
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = defaultOwnerName
	}
	code, err := m.directory.CreateCode(ctx, model.Hosted)
	if err != nil {
		return nil, err
	}

	ref := model.Hosted.Games().NewDoc()
	err = m.store.Create(ctx, ref, map[string]any{
		model.FieldJoinCode:    code,
		model.FieldOwnerID:     ownerIdentity,
		model.FieldOwnerName:   displayName,
		model.FieldLifecycle:   string(model.Active),
		model.FieldRoundNumber: 1,
		model.FieldRoundPhase:  string(model.Waiting),
		model.FieldCreatedAt:   docstore.ServerTimestamp,
	})
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	metrics.RecordGameCreated(machineName)
	m.logger.Info(ctx, "game created", logger.String("game", ref.ID), logger.String("code", code))
	return m.runner.Load(ctx, op, ref.ID)
}

// Join registers identity, or returns its existing player.
func (m *Machine) Join(ctx context.Context, gameID, identity, displayName string) (p *model.Player, err error) {
	defer m.observe("join", time.Now(), &err)
	return m.runner.Join(ctx, gameID, identity, displayName)
}

// StartRound opens buzzing and clears every round lock.
func (m *Machine) StartRound(ctx context.Context, gameID string) (g *model.Game, err error) {
	defer m.observe("startRound", time.Now(), &err)
	return m.runner.Apply(ctx, gameID, rounds.Transition{
		Op:         "startRound",
		From:       []model.Phase{model.Waiting},
		To:         model.Live,
		ResetLocks: true,
		OwnerOnly:  true,
	})
}

// SubmitBuzz queues a buzz for the current round. Any number of buzzes is
// accepted; they are judged in creation order.
func (m *Machine) SubmitBuzz(ctx context.Context, gameID, identity, displayName string) (b *model.Buzz, err error) {
	const op = "submitBuzz"
	defer m.observe(op, time.Now(), &err)

	identity, err = rounds.ValidateName(op, "identity", identity)
	if err != nil {
		return nil, err
	}
	g, err := m.runner.LoadActive(ctx, op, gameID)
	if err != nil {
		return nil, err
	}
	if err := rounds.CheckPhase(op, g, model.Live); err != nil {
		return nil, err
	}
	p, err := m.runner.FindPlayer(ctx, op, gameID, identity)
	if err != nil {
		return nil, err
	}
	if p.RoundLocked {
		return nil, gameerr.New(op, gameerr.ErrInvalidTransition, gameerr.ErrRoundLocked)
	}
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = p.DisplayName
	}

	ref, err := m.store.Add(ctx, m.runner.Sub(gameID, model.CollBuzzes), map[string]any{
		model.FieldPlayerIdentity: identity,
		model.FieldDisplayName:    displayName,
		model.FieldRoundNumber:    g.RoundNumber,
		model.FieldResolved:       false,
		model.FieldCreatedAt:      docstore.ServerTimestamp,
	})
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	doc, err := m.store.Get(ctx, ref)
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	b, err = model.BuzzFromDocument(doc)
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	return b, nil
}

// JudgeCorrect awards the buzzing player a point and resolves the buzz.
// Callers normally close the round straight after.
func (m *Machine) JudgeCorrect(ctx context.Context, gameID, buzzID, identity string) (j *ledger.Judgment, err error) {
	const op = "judgeCorrect"
	defer m.observe(op, time.Now(), &err)
	return m.ledger.ResolveBuzz(ctx, op, gameID, buzzID, identity, true)
}

// JudgeIncorrect takes a point, locks the player out of the round and
// resolves the buzz. The round stays live for the remaining buzzes.
func (m *Machine) JudgeIncorrect(ctx context.Context, gameID, buzzID, identity string) (j *ledger.Judgment, err error) {
	const op = "judgeIncorrect"
	defer m.observe(op, time.Now(), &err)
	return m.ledger.ResolveBuzz(ctx, op, gameID, buzzID, identity, false)
}

// CloseRound ends buzzing for the round.
func (m *Machine) CloseRound(ctx context.Context, gameID string) (g *model.Game, err error) {
	defer m.observe("closeRound", time.Now(), &err)
	return m.runner.Apply(ctx, gameID, rounds.Transition{
		Op:        "closeRound",
		From:      []model.Phase{model.Live},
		To:        model.Closed,
		OwnerOnly: true,
	})
}

// AdvanceRound moves to the next round's waiting phase.
func (m *Machine) AdvanceRound(ctx context.Context, gameID string) (g *model.Game, err error) {
	defer m.observe("advanceRound", time.Now(), &err)
	return m.runner.Apply(ctx, gameID, rounds.Transition{
		Op:         "advanceRound",
		From:       []model.Phase{model.Closed},
		To:         model.Waiting,
		NextRound:  true,
		ResetLocks: true,
		OwnerOnly:  true,
	})
}

// EndGame ends the game for good.
func (m *Machine) EndGame(ctx context.Context, gameID string) (g *model.Game, err error) {
	defer m.observe("endGame", time.Now(), &err)
	return m.runner.Apply(ctx, gameID, rounds.EndTransition(model.Hosted))
}

// Game reads a game.
func (m *Machine) Game(ctx context.Context, gameID string) (*model.Game, error) {
	return m.runner.Load(ctx, "game", gameID)
}

// Players lists a game's players in join order.
func (m *Machine) Players(ctx context.Context, gameID string) ([]*model.Player, error) {
	return m.runner.Players(ctx, gameID)
}

// Runner exposes the shared game access layer.
func (m *Machine) Runner() *rounds.Runner { return m.runner }

// PendingBuzzes returns the unresolved buzzes of round, oldest first.
func (m *Machine) PendingBuzzes(ctx context.Context, gameID string, round int) ([]*model.Buzz, error) {
	const op = "buzzes"
	docs, err := m.store.Query(ctx, m.buzzQuery(gameID, round))
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	out := make([]*model.Buzz, 0, len(docs))
	for _, doc := range docs {
		b, err := model.BuzzFromDocument(doc)
		if err != nil {
			return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Machine) buzzQuery(gameID string, round int) docstore.Query {
	return m.runner.Sub(gameID, model.CollBuzzes).
		Where(model.FieldRoundNumber, round).
		Where(model.FieldResolved, false).
		OrderBy(model.FieldCreatedAt, docstore.Asc)
}
