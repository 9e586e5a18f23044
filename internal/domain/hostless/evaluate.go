package hostless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/grading"
	"github.com/okian/tunebuzz/internal/domain/ledger"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
	"github.com/okian/tunebuzz/pkg/logger"
)

// Evaluation summarises one grading pass.
type Evaluation struct {
	Round   int            `json:"round"`
	Graded  int            `json:"graded"`
	Correct int            `json:"correct"`
	Scores  map[string]int `json:"scores"`
}

// EvaluateAnswers grades every ungraded answer of the current round against
// correctAnswer and settles the net points per player, floored at zero.
// Answers graded by an earlier pass are left alone, so a second evaluator
// in the same round changes nothing.
func (m *Machine) EvaluateAnswers(ctx context.Context, gameID, correctAnswer string) (ev *Evaluation, err error) {
	const op = "evaluateAnswers"
	defer m.observe(op, time.Now(), &err)
	return m.evaluate(ctx, op, gameID, correctAnswer, true)
}

func (m *Machine) evaluate(ctx context.Context, op, gameID, correctAnswer string, gated bool) (*Evaluation, error) {
	correctAnswer, err := rounds.ValidateName(op, "correct answer", correctAnswer)
	if err != nil {
		return nil, err
	}
	for attempt := 1; attempt <= evaluateAttempts; attempt++ {
		g, err := m.runner.LoadActive(ctx, op, gameID)
		if err != nil {
			return nil, err
		}
		if gated {
			if err := m.runner.Authorize(ctx, op, g); err != nil {
				return nil, err
			}
		}
		pending, err := m.ungraded(ctx, op, gameID, g.RoundNumber)
		if err != nil {
			return nil, err
		}

		grades := make([]ledger.Grade, 0, len(pending))
		for _, a := range pending {
			res, err := m.grader.Grade(ctx, grading.Input{Submitted: a.SubmittedText, Key: correctAnswer})
			if err != nil {
				return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
			}
			grades = append(grades, ledger.Grade{Answer: a, Correct: res.Correct, Points: res.Points})
		}

		settled, err := m.ledger.Settle(ctx, op, gameID, grades)
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			m.logger.Debug(ctx, "answers or scores changed during evaluation, retrying",
				logger.String("game", gameID), logger.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Evaluation{Round: g.RoundNumber, Graded: settled.Graded, Correct: settled.Correct, Scores: settled.Scores}, nil
	}
	return nil, gameerr.New(op, gameerr.ErrTransientStoreFailure,
		fmt.Errorf("answers kept changing after %d attempts", evaluateAttempts))
}

func (m *Machine) ungraded(ctx context.Context, op, gameID string, round int) ([]*model.Answer, error) {
	docs, err := m.store.Query(ctx, m.answerQuery(gameID, round).Where(model.FieldGraded, false))
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
