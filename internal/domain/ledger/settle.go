package ledger

import (
	"context"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

// Grade is the verdict on one answer.
type Grade struct {
	Answer  *model.Answer
	Correct bool
	Points  int
}

// Settlement summarises a committed settlement.
type Settlement struct {
	Graded  int
	Correct int
	// Scores holds the new score of every identity that had a graded answer.
	Scores map[string]int
}

// Settle marks every graded answer and applies each identity's net points to
// its oldest player record, flooring the result at zero. Everything commits
// in one batch guarded by the versions read; if anything changed meanwhile
// the batch fails with docstore.ErrPreconditionFailed and nothing is written.
func (l *Ledger) Settle(ctx context.Context, op, gameID string, grades []Grade) (*Settlement, error) {
	out := &Settlement{Scores: map[string]int{}}
	if len(grades) == 0 {
		return out, nil
	}

	players, err := l.runner.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}
	oldest := make(map[string]*model.Player, len(players))
	for _, p := range players {
		if _, ok := oldest[p.Identity]; !ok {
			oldest[p.Identity] = p
		}
	}

	answers := l.runner.Sub(gameID, model.CollAnswers)
	net := make(map[string]int)
	batch := l.store.Batch()
	for _, g := range grades {
		a := g.Answer
		batch.Update(answers.Doc(a.ID), []docstore.Update{
			{Field: model.FieldGraded, Value: true},
			{Field: model.FieldIsCorrect, Value: g.Correct},
			{Field: model.FieldPointsAwarded, Value: g.Points},
			{Field: model.FieldGradedAt, Value: docstore.ServerTimestamp},
		}, docstore.LastVersion(a.Version))
		net[a.PlayerIdentity] += g.Points
		out.Graded++
		if g.Correct {
			out.Correct++
		}
	}

	playersColl := l.runner.Sub(gameID, model.CollPlayers)
	for identity, delta := range net {
		p, ok := oldest[identity]
		if !ok {
			l.logger.Warn(ctx, "graded answer from an identity with no player record",
				logger.String("game", gameID), logger.String("identity", identity))
			continue
		}
		score := max(p.Score+delta, 0)
		out.Scores[identity] = score
		batch.Update(playersColl.Doc(p.ID), []docstore.Update{{Field: model.FieldScore, Value: score}}, docstore.LastVersion(p.Version))
	}

	if err := batch.Commit(ctx); err != nil {
		return nil, gameerr.FromStore(op, err)
	}

	for _, g := range grades {
		metrics.RecordAnswerEvaluated(g.Correct)
	}
	for identity, delta := range net {
		if _, ok := out.Scores[identity]; ok {
			metrics.RecordScoreChange(string(l.runner.Variant()), delta)
		}
	}
	return out, nil
}
