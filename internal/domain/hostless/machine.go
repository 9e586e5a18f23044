// Package hostless implements the self-running game. The first player to
// claim the round gets a timed window to answer, every player may submit a
// free-text answer, answers are graded by text matching, and a unanimous
// skip vote ends a round early.
package hostless

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/dedupe"
	"github.com/okian/tunebuzz/internal/domain/directory"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/grading"
	"github.com/okian/tunebuzz/internal/domain/ledger"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const (
	machineName           = "hostless"
	defaultResponseWindow = 20 * time.Second
	evaluateAttempts      = 3

	kindAnswer = "answer"
	kindSkip   = "skip_vote"
)

// Machine runs hostless games.
type Machine struct {
	runner    *rounds.Runner
	store     docstore.Store
	directory *directory.Directory
	ledger    *ledger.Ledger
	grader    grading.Grader
	dedupe    dedupe.Deduper
	window    time.Duration
	now       func() time.Time
	logger    logger.Logger
}

// New returns a machine. runner must serve model.Hostless.
func New(runner *rounds.Runner, dir *directory.Directory, opts ...Option) *Machine {
	m := &Machine{
		runner:    runner,
		store:     runner.Store(),
		directory: dir,
		window:    defaultResponseWindow,
		now:       time.Now,
		logger:    logger.Get().Named("hostless"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.grader == nil {
		m.grader = grading.NewSubstringGrader()
	}
	if m.dedupe == nil {
		m.dedupe = dedupe.NewInMemoryDeduper()
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

// Create opens a game and joins its creator as the first player, both in
// one batch.
func (m *Machine) Create(ctx context.Context, identity, displayName string) (g *model.Game, err error) {
	const op = "create"
	defer m.observe(op, time.Now(), &err)

	identity, err = rounds.ValidateName(op, "identity", identity)
	if err != nil {
		return nil, err
	}
	displayName, err = rounds.ValidateName(op, "display name", displayName)
	if err != nil {
		return nil, err
	}
	code, err := m.directory.CreateCode(ctx, model.Hostless)
	if err != nil {
		return nil, err
	}

	ref := model.Hostless.Games().NewDoc()
	batch := m.store.Batch().
		Create(ref, map[string]any{
			model.FieldJoinCode:       code,
			model.FieldOwnerID:        identity,
			model.FieldOwnerName:      displayName,
			model.FieldLifecycle:      string(model.Active),
			model.FieldRoundNumber:    1,
			model.FieldRoundPhase:     string(model.Waiting),
			model.FieldFirstResponder: nil,
			model.FieldResponseWindow: int(m.window / time.Second),
			model.FieldCreatedAt:      docstore.ServerTimestamp,
		}).
		Create(ref.Collection(model.CollPlayers).NewDoc(), rounds.PlayerData(identity, displayName))
	if err := batch.Commit(ctx); err != nil {
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

// StartRound opens the round for claims and answers.
func (m *Machine) StartRound(ctx context.Context, gameID string) (g *model.Game, err error) {
	defer m.observe("startRound", time.Now(), &err)
	return m.runner.Apply(ctx, gameID, rounds.Transition{
		Op:         "startRound",
		From:       []model.Phase{model.Waiting},
		To:         model.Live,
		Set:        []docstore.Update{{Field: model.FieldFirstResponder, Value: nil}},
		ResetLocks: true,
		OwnerOnly:  true,
	})
}

// ClaimFirstResponse gives identity the exclusive right to answer first.
// It is one transaction on the game document, so among any number of
// simultaneous claims exactly one wins; the others get InvalidTransition
// with ErrAlreadyClaimed.
func (m *Machine) ClaimFirstResponse(ctx context.Context, gameID, identity, displayName string) (g *model.Game, err error) {
	const op = "claimFirstResponse"
	defer m.observe(op, time.Now(), &err)

	identity, err = rounds.ValidateName(op, "identity", identity)
	if err != nil {
		return nil, err
	}
	p, err := m.runner.FindPlayer(ctx, op, gameID, identity)
	if err != nil {
		return nil, err
	}
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = p.DisplayName
	}

	ref := m.runner.GameRef(gameID)
	err = m.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, ref)
		if errors.Is(err, docstore.ErrNotFound) {
			return gameerr.New(op, gameerr.ErrNotFound, gameerr.ErrGameNotFound)
		}
		if err != nil {
			return gameerr.FromStore(op, err)
		}
		cur, err := model.GameFromDocument(model.Hostless, doc)
		if err != nil {
			return gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
		}
		if err := rounds.CheckActive(op, cur); err != nil {
			return err
		}
		if cur.FirstResponder != nil {
			return gameerr.New(op, gameerr.ErrInvalidTransition, gameerr.ErrAlreadyClaimed)
		}
		if err := rounds.CheckPhase(op, cur, model.Live); err != nil {
			return err
		}
		return gameerr.FromStore(op, tx.Update(ref,
			docstore.Update{Field: model.FieldFirstResponder, Value: map[string]any{
				model.FieldIdentity:    identity,
				model.FieldDisplayName: displayName,
				model.FieldClaimedAt:   docstore.ServerTimestamp,
			}},
			docstore.Update{Field: model.FieldRoundPhase, Value: string(model.Answering)},
		))
	})
	if err != nil {
		if errors.Is(err, gameerr.ErrAlreadyClaimed) {
			metrics.RecordClaim(false)
		}
		return nil, gameerr.FromStore(op, err)
	}
	metrics.RecordClaim(true)
	return m.runner.Load(ctx, op, gameID)
}

// SubmitAnswer stores identity's answer for round. Answers are accepted
// while the round is live or answering, before or after anyone claims it.
// A second answer for the same round is a DuplicateSubmission.
func (m *Machine) SubmitAnswer(ctx context.Context, gameID, identity, displayName, text string, round int) (a *model.Answer, err error) {
	const op = "submitAnswer"
	defer m.observe(op, time.Now(), &err)

	identity, err = rounds.ValidateName(op, "identity", identity)
	if err != nil {
		return nil, err
	}
	text, err = rounds.ValidateName(op, "answer text", text)
	if err != nil {
		return nil, err
	}
	g, err := m.runner.LoadActive(ctx, op, gameID)
	if err != nil {
		return nil, err
	}
	if err := rounds.CheckPhase(op, g, model.Live, model.Answering); err != nil {
		return nil, err
	}
	if round != g.RoundNumber {
		return nil, gameerr.New(op, gameerr.ErrInvalidTransition, gameerr.ErrStaleRound)
	}
	p, err := m.runner.FindPlayer(ctx, op, gameID, identity)
	if err != nil {
		return nil, err
	}
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = p.DisplayName
	}

	answers := m.runner.Sub(gameID, model.CollAnswers)
	ref, err := m.appendOnce(ctx, op, kindAnswer, gameID, identity, round, answers, map[string]any{
		model.FieldPlayerIdentity: identity,
		model.FieldDisplayName:    displayName,
		model.FieldSubmittedText:  text,
		model.FieldRoundNumber:    round,
		model.FieldGraded:         false,
		model.FieldIsCorrect:      false,
		model.FieldPointsAwarded:  0,
		model.FieldCreatedAt:      docstore.ServerTimestamp,
	})
	if err != nil {
		return nil, err
	}
	doc, err := m.store.Get(ctx, ref)
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	a, err = model.AnswerFromDocument(doc)
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	return a, nil
}

// appendOnce adds one document per (identity, round) to coll. The local
// guard refuses repeats from this process; the query catches the rest.
func (m *Machine) appendOnce(ctx context.Context, op, kind, gameID, identity string, round int, coll docstore.CollectionRef, data map[string]any) (docstore.DocRef, error) {
	key := dedupe.Key(gameID, kind, identity, round)
	if m.dedupe.SeenAndRecord(ctx, key) {
		metrics.RecordDuplicate(kind)
		return docstore.DocRef{}, gameerr.New(op, gameerr.ErrDuplicateSubmission, errors.New(kind+" already submitted for this round"))
	}
	existing, err := m.store.Query(ctx, coll.
		Where(model.FieldPlayerIdentity, identity).
		Where(model.FieldRoundNumber, round).
		WithLimit(1))
	if err != nil {
		m.dedupe.Unrecord(ctx, key)
		return docstore.DocRef{}, gameerr.FromStore(op, err)
	}
	if len(existing) > 0 {
		metrics.RecordDuplicate(kind)
		return docstore.DocRef{}, gameerr.New(op, gameerr.ErrDuplicateSubmission, errors.New(kind+" already submitted for this round"))
	}
	ref, err := m.store.Add(ctx, coll, data)
	if err != nil {
		m.dedupe.Unrecord(ctx, key)
		return docstore.DocRef{}, gameerr.FromStore(op, err)
	}
	return ref, nil
}

// SkipResult reports the state of the skip vote after one vote.
type SkipResult struct {
	Votes   int         `json:"votes"`
	Players int         `json:"players"`
	Closed  bool        `json:"closed"`
	Game    *model.Game `json:"game"`
}

// VoteSkip records identity's vote to skip the current round. Once every
// player has voted the round closes.
func (m *Machine) VoteSkip(ctx context.Context, gameID, identity string) (res *SkipResult, err error) {
	const op = "voteSkip"
	defer m.observe(op, time.Now(), &err)

	identity, err = rounds.ValidateName(op, "identity", identity)
	if err != nil {
		return nil, err
	}
	g, err := m.runner.LoadActive(ctx, op, gameID)
	if err != nil {
		return nil, err
	}
	if err := rounds.CheckPhase(op, g, model.Live, model.Answering); err != nil {
		return nil, err
	}
	if _, err := m.runner.FindPlayer(ctx, op, gameID, identity); err != nil {
		return nil, err
	}

	votes := m.runner.Sub(gameID, model.CollSkipVotes)
	if _, err := m.appendOnce(ctx, op, kindSkip, gameID, identity, g.RoundNumber, votes, map[string]any{
		model.FieldPlayerIdentity: identity,
		model.FieldRoundNumber:    g.RoundNumber,
		model.FieldCreatedAt:      docstore.ServerTimestamp,
	}); err != nil {
		return nil, err
	}

	cast, err := m.store.Query(ctx, votes.Where(model.FieldRoundNumber, g.RoundNumber))
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	players, err := m.runner.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}
	res = &SkipResult{Votes: distinct(cast), Players: distinctPlayers(players), Game: g}
	if res.Votes < res.Players {
		return res, nil
	}

	round := g.RoundNumber
	closed, err := m.runner.Apply(ctx, gameID, rounds.Transition{
		Op:    op,
		From:  []model.Phase{model.Live, model.Answering},
		To:    model.Closed,
		Guard: sameRound(op, round),
	})
	switch {
	case err == nil:
		res.Closed, res.Game = true, closed
	case errors.Is(err, gameerr.ErrInvalidTransition):
		// another voter or a timer already moved the round on
		if cur, lerr := m.runner.Load(ctx, op, gameID); lerr == nil {
			res.Game = cur
			res.Closed = cur.RoundNumber == round && cur.RoundPhase == model.Closed
		}
	default:
		return nil, err
	}
	return res, nil
}

func distinct(votes []*docstore.Document) int {
	seen := make(map[string]struct{}, len(votes))
	for _, d := range votes {
		if id, ok := d.Field(model.FieldPlayerIdentity); ok {
			if s, ok := id.(string); ok {
				seen[s] = struct{}{}
			}
		}
	}
	return len(seen)
}

func distinctPlayers(players []*model.Player) int {
	seen := make(map[string]struct{}, len(players))
	for _, p := range players {
		seen[p.Identity] = struct{}{}
	}
	return len(seen)
}

func sameRound(op string, round int) func(*model.Game) error {
	return func(g *model.Game) error {
		if g.RoundNumber != round {
			return gameerr.New(op, gameerr.ErrInvalidTransition, gameerr.ErrStaleRound)
		}
		return nil
	}
}

// CloseRound ends the round without waiting for the window.
func (m *Machine) CloseRound(ctx context.Context, gameID string) (g *model.Game, err error) {
	defer m.observe("closeRound", time.Now(), &err)
	return m.runner.Apply(ctx, gameID, rounds.Transition{
		Op:        "closeRound",
		From:      []model.Phase{model.Live, model.Answering},
		To:        model.Closed,
		OwnerOnly: true,
	})
}

// AdvanceRound moves to the next round. It is accepted from answering as
// well as closed, which is what an expired response window needs.
func (m *Machine) AdvanceRound(ctx context.Context, gameID string) (g *model.Game, err error) {
	defer m.observe("advanceRound", time.Now(), &err)
	return m.runner.Apply(ctx, gameID, advanceTransition("advanceRound", true, nil))
}

func advanceTransition(op string, ownerOnly bool, guard func(*model.Game) error) rounds.Transition {
	return rounds.Transition{
		Op:         op,
		From:       []model.Phase{model.Answering, model.Closed},
		To:         model.Waiting,
		NextRound:  true,
		ResetLocks: true,
		OwnerOnly:  ownerOnly,
		Guard:      guard,
		Set:        []docstore.Update{{Field: model.FieldFirstResponder, Value: nil}},
	}
}

// ExpireResponseWindow is the timeout transition for round. It is a no-op
// returning the current game when the round already moved on or was never
// claimed, fails with ErrWindowOpen before the deadline, and otherwise
// advances. Several clients may call it at once; all but one are no-ops.
func (m *Machine) ExpireResponseWindow(ctx context.Context, gameID string, round int) (g *model.Game, err error) {
	defer m.observe("expireResponseWindow", time.Now(), &err)
	g, _, err = m.expire(ctx, gameID, round)
	return g, err
}

func (m *Machine) expire(ctx context.Context, gameID string, round int) (*model.Game, bool, error) {
	const op = "expireResponseWindow"
	g, err := m.runner.LoadActive(ctx, op, gameID)
	if err != nil {
		return nil, false, err
	}
	if g.RoundNumber != round {
		return g, false, nil
	}
	deadline, ok := g.ResponseDeadline()
	if !ok {
		return g, false, nil
	}
	if m.now().Before(deadline) {
		return nil, false, gameerr.New(op, gameerr.ErrInvalidTransition, gameerr.ErrWindowOpen)
	}

	next, err := m.runner.Apply(ctx, gameID, advanceTransition(op, false, sameRound(op, round)))
	if errors.Is(err, gameerr.ErrInvalidTransition) {
		cur, lerr := m.runner.Load(ctx, op, gameID)
		if lerr != nil {
			return nil, false, lerr
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// EndGame ends the game for good.
func (m *Machine) EndGame(ctx context.Context, gameID string) (g *model.Game, err error) {
	defer m.observe("endGame", time.Now(), &err)
	return m.runner.Apply(ctx, gameID, rounds.EndTransition(model.Hostless))
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

// ResponseWindow returns the configured window.
func (m *Machine) ResponseWindow() time.Duration { return m.window }

// Now returns the machine clock.
func (m *Machine) Now() time.Time { return m.now() }

// Answers lists the answers of round in submission order.
func (m *Machine) Answers(ctx context.Context, gameID string, round int) ([]*model.Answer, error) {
	const op = "answers"
	docs, err := m.store.Query(ctx, m.answerQuery(gameID, round))
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	out := make([]*model.Answer, 0, len(docs))
	for _, doc := range docs {
		a, err := model.AnswerFromDocument(doc)
		if err != nil {
			return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *Machine) answerQuery(gameID string, round int) docstore.Query {
	return m.runner.Sub(gameID, model.CollAnswers).
		Where(model.FieldRoundNumber, round).
		OrderBy(model.FieldCreatedAt, docstore.Asc)
}

func (m *Machine) skipQuery(gameID string, round int) docstore.Query {
	return m.runner.Sub(gameID, model.CollSkipVotes).
		Where(model.FieldRoundNumber, round).
		OrderBy(model.FieldCreatedAt, docstore.Asc)
}
