package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/adapters/docstore/memstore"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/ledger"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
)

type fixture struct {
	ctx    context.Context
	store  *memstore.Store
	runner *rounds.Runner
	ledger *ledger.Ledger
}

func newFixture(variant model.Variant, phase model.Phase) *fixture {
	ctx := context.Background()
	s := memstore.New(memstore.WithMaxAttempts(64))
	r := rounds.NewRunner(s, variant)
	err := s.Set(ctx, variant.Game("g1"), map[string]any{
		model.FieldOwnerID:     "host",
		model.FieldLifecycle:   string(model.Active),
		model.FieldRoundNumber: 1,
		model.FieldRoundPhase:  string(phase),
	})
	So(err, ShouldBeNil)
	return &fixture{ctx: ctx, store: s, runner: r, ledger: ledger.New(r)}
}

func (f *fixture) buzz(identity string, round int) string {
	ref, err := f.store.Add(f.ctx, f.runner.Sub("g1", model.CollBuzzes), map[string]any{
		model.FieldPlayerIdentity: identity,
		model.FieldDisplayName:    identity,
		model.FieldRoundNumber:    round,
		model.FieldResolved:       false,
		model.FieldCreatedAt:      docstore.ServerTimestamp,
	})
	So(err, ShouldBeNil)
	return ref.ID
}

func (f *fixture) player(identity string) *model.Player {
	p, err := f.runner.FindPlayer(f.ctx, "test", "g1", identity)
	So(err, ShouldBeNil)
	return p
}

func TestResolveBuzz(t *testing.T) {
	Convey("Given a live hosted round with two players", t, func() {
		f := newFixture(model.Hosted, model.Live)
		defer f.store.Close()
		_, err := f.runner.Join(f.ctx, "g1", "p", "Pat")
		So(err, ShouldBeNil)
		_, err = f.runner.Join(f.ctx, "g1", "q", "Quin")
		So(err, ShouldBeNil)

		Convey("When P's buzz is judged correct", func() {
			id := f.buzz("p", 1)
			j, err := f.ledger.ResolveBuzz(f.ctx, "judgeCorrect", "g1", id, "p", true)

			Convey("Then P gains a point and the buzz is resolved", func() {
				So(err, ShouldBeNil)
				So(j.Player.Score, ShouldEqual, 1)
				So(j.Buzz.Resolved, ShouldBeTrue)
				So(*j.Buzz.Correct, ShouldBeTrue)
				So(j.Player.RoundLocked, ShouldBeFalse)
			})

			Convey("Then judging it again is refused", func() {
				_, err := f.ledger.ResolveBuzz(f.ctx, "judgeIncorrect", "g1", id, "p", false)
				So(errors.Is(err, gameerr.ErrInvalidTransition), ShouldBeTrue)
				So(errors.Is(err, gameerr.ErrBuzzResolved), ShouldBeTrue)
				So(f.player("p").Score, ShouldEqual, 1)
			})
		})

		Convey("When Q's buzz is judged incorrect", func() {
			j, err := f.ledger.ResolveBuzz(f.ctx, "judgeIncorrect", "g1", f.buzz("q", 1), "", false)

			Convey("Then Q goes negative and is locked", func() {
				So(err, ShouldBeNil)
				So(j.Player.Score, ShouldEqual, -1)
				So(j.Player.RoundLocked, ShouldBeTrue)
			})
		})

		Convey("When the buzz is from an earlier round", func() {
			_, err := f.ledger.ResolveBuzz(f.ctx, "judgeCorrect", "g1", f.buzz("p", 0), "", true)
			So(errors.Is(err, gameerr.ErrStaleRound), ShouldBeTrue)
		})

		Convey("When the buzz names someone else", func() {
			_, err := f.ledger.ResolveBuzz(f.ctx, "judgeCorrect", "g1", f.buzz("p", 1), "q", true)
			So(errors.Is(err, gameerr.ErrInvalidArgument), ShouldBeTrue)
		})

		Convey("When the buzz does not exist", func() {
			_, err := f.ledger.ResolveBuzz(f.ctx, "judgeCorrect", "g1", "nope", "", true)
			So(errors.Is(err, gameerr.ErrBuzzNotFound), ShouldBeTrue)
		})

		Convey("When many buzzes for one player are judged concurrently", func() {
			const correct, incorrect = 7, 5
			ids := make([]string, 0, correct+incorrect)
			for i := 0; i < correct+incorrect; i++ {
				ids = append(ids, f.buzz("p", 1))
			}
			var wg sync.WaitGroup
			errs := make(chan error, len(ids))
			for i, id := range ids {
				wg.Add(1)
				go func(id string, ok bool) {
					defer wg.Done()
					_, err := f.ledger.ResolveBuzz(f.ctx, "judge", "g1", id, "p", ok)
					errs <- err
				}(id, i < correct)
			}
			wg.Wait()
			close(errs)

			Convey("Then no update is lost", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				So(f.player("p").Score, ShouldEqual, correct-incorrect)
			})
		})
	})

	Convey("Given a round that is not live", t, func() {
		f := newFixture(model.Hosted, model.Closed)
		defer f.store.Close()
		_, err := f.runner.Join(f.ctx, "g1", "p", "Pat")
		So(err, ShouldBeNil)
		_, err = f.ledger.ResolveBuzz(f.ctx, "judgeCorrect", "g1", f.buzz("p", 1), "", true)
		So(errors.Is(err, gameerr.ErrWrongPhase), ShouldBeTrue)
	})
}

func TestSettle(t *testing.T) {
	Convey("Given hostless answers from two players", t, func() {
		f := newFixture(model.Hostless, model.Closed)
		defer f.store.Close()
		_, err := f.runner.Join(f.ctx, "g1", "a", "Ana")
		So(err, ShouldBeNil)
		_, err = f.runner.Join(f.ctx, "g1", "b", "Ben")
		So(err, ShouldBeNil)
		So(f.store.Update(f.ctx, f.runner.Sub("g1", model.CollPlayers).Doc(f.player("a").ID),
			docstore.Update{Field: model.FieldScore, Value: 1}), ShouldBeNil)

		answer := func(identity string) *model.Answer {
			ref, err := f.store.Add(f.ctx, f.runner.Sub("g1", model.CollAnswers), map[string]any{
				model.FieldPlayerIdentity: identity,
				model.FieldSubmittedText:  "x",
				model.FieldRoundNumber:    1,
				model.FieldGraded:         false,
			})
			So(err, ShouldBeNil)
			doc, err := f.store.Get(f.ctx, ref)
			So(err, ShouldBeNil)
			a, err := model.AnswerFromDocument(doc)
			So(err, ShouldBeNil)
			return a
		}

		Convey("When incorrect answers outweigh the prior score", func() {
			grades := []ledger.Grade{
				{Answer: answer("a"), Correct: false, Points: -1},
				{Answer: answer("a"), Correct: false, Points: -1},
				{Answer: answer("a"), Correct: false, Points: -1},
				{Answer: answer("b"), Correct: true, Points: 1},
			}
			res, err := f.ledger.Settle(f.ctx, "evaluateAnswers", "g1", grades)

			Convey("Then scores are netted and floored at zero", func() {
				So(err, ShouldBeNil)
				So(res.Graded, ShouldEqual, 4)
				So(res.Correct, ShouldEqual, 1)
				So(res.Scores, ShouldResemble, map[string]int{"a": 0, "b": 1})
				So(f.player("a").Score, ShouldEqual, 0)
				So(f.player("b").Score, ShouldEqual, 1)
			})

			Convey("Then every answer is marked graded", func() {
				docs, err := f.store.Query(f.ctx, f.runner.Sub("g1", model.CollAnswers).Where(model.FieldGraded, true))
				So(err, ShouldBeNil)
				So(len(docs), ShouldEqual, 4)
			})
		})

		Convey("When an answer changed after it was read", func() {
			a := answer("b")
			So(f.store.Update(f.ctx, f.runner.Sub("g1", model.CollAnswers).Doc(a.ID),
				docstore.Update{Field: model.FieldSubmittedText, Value: "y"}), ShouldBeNil)
			_, err := f.ledger.Settle(f.ctx, "evaluateAnswers", "g1", []ledger.Grade{{Answer: a, Correct: true, Points: 1}})

			Convey("Then nothing is written", func() {
				So(errors.Is(err, docstore.ErrPreconditionFailed), ShouldBeTrue)
				So(f.player("b").Score, ShouldEqual, 0)
			})
		})

		Convey("When there is nothing to settle", func() {
			res, err := f.ledger.Settle(f.ctx, "evaluateAnswers", "g1", nil)
			So(err, ShouldBeNil)
			So(res.Graded, ShouldEqual, 0)
		})
	})
}
