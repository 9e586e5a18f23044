package hosted_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/adapters/docstore/memstore"
	"github.com/okian/tunebuzz/internal/domain/directory"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/hosted"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
)

func newMachine(opts ...rounds.Option) (*hosted.Machine, *memstore.Store) {
	s := memstore.New(memstore.WithMaxAttempts(64))
	r := rounds.NewRunner(s, model.Hosted, opts...)
	return hosted.New(r, directory.New(s)), s
}

func TestHostedRound(t *testing.T) {
	Convey("Given a hosted game with players P and Q", t, func() {
		ctx := context.Background()
		m, s := newMachine()
		defer s.Close()

		g, err := m.Create(ctx, "host", "")
		So(err, ShouldBeNil)
		So(g.RoundNumber, ShouldEqual, 1)
		So(g.RoundPhase, ShouldEqual, model.Waiting)
		So(g.Lifecycle, ShouldEqual, model.Active)
		So(g.OwnerName, ShouldEqual, "Host")
		So(len(g.JoinCode), ShouldEqual, 6)

		p, err := m.Join(ctx, g.ID, "p", "Pat")
		So(err, ShouldBeNil)
		So(p.Score, ShouldEqual, 0)
		_, err = m.Join(ctx, g.ID, "q", "Quin")
		So(err, ShouldBeNil)

		Convey("When a buzz is submitted before the round starts", func() {
			_, err := m.SubmitBuzz(ctx, g.ID, "p", "")
			So(errors.Is(err, gameerr.ErrInvalidTransition), ShouldBeTrue)
		})

		Convey("When a player is still locked as the round starts", func() {
			ref := m.Runner().Sub(g.ID, model.CollPlayers).Doc(p.ID)
			So(s.Update(ctx, ref, docstore.Update{Field: model.FieldRoundLocked, Value: true}), ShouldBeNil)

			_, err := m.StartRound(ctx, g.ID)
			So(err, ShouldBeNil)

			Convey("Then the lock is cleared and the player can buzz", func() {
				players, err := m.Players(ctx, g.ID)
				So(err, ShouldBeNil)
				for _, pl := range players {
					So(pl.RoundLocked, ShouldBeFalse)
				}
				_, err = m.SubmitBuzz(ctx, g.ID, "p", "")
				So(err, ShouldBeNil)
			})
		})

		Convey("When the round runs", func() {
			_, err := m.StartRound(ctx, g.ID)
			So(err, ShouldBeNil)

			bp, err := m.SubmitBuzz(ctx, g.ID, "p", "")
			So(err, ShouldBeNil)
			So(bp.DisplayName, ShouldEqual, "Pat")
			So(bp.RoundNumber, ShouldEqual, 1)
			bq, err := m.SubmitBuzz(ctx, g.ID, "q", "Quin")
			So(err, ShouldBeNil)

			pending, err := m.PendingBuzzes(ctx, g.ID, 1)
			So(err, ShouldBeNil)
			So(len(pending), ShouldEqual, 2)
			So(pending[0].ID, ShouldEqual, bp.ID)

			jp, err := m.JudgeCorrect(ctx, g.ID, bp.ID, "p")
			So(err, ShouldBeNil)
			jq, err := m.JudgeIncorrect(ctx, g.ID, bq.ID, "q")
			So(err, ShouldBeNil)

			Convey("Then scores and flags follow the judgments", func() {
				So(jp.Player.Score, ShouldEqual, 1)
				So(jp.Buzz.Resolved, ShouldBeTrue)
				So(jq.Player.Score, ShouldEqual, -1)
				So(jq.Player.RoundLocked, ShouldBeTrue)
				pending, _ := m.PendingBuzzes(ctx, g.ID, 1)
				So(len(pending), ShouldEqual, 0)
			})

			Convey("Then a locked player cannot buzz again this round", func() {
				_, err := m.SubmitBuzz(ctx, g.ID, "q", "")
				So(errors.Is(err, gameerr.ErrRoundLocked), ShouldBeTrue)
			})

			Convey("Then advancing needs the round closed first", func() {
				_, err := m.AdvanceRound(ctx, g.ID)
				So(errors.Is(err, gameerr.ErrInvalidTransition), ShouldBeTrue)

				_, err = m.CloseRound(ctx, g.ID)
				So(err, ShouldBeNil)
				next, err := m.AdvanceRound(ctx, g.ID)
				So(err, ShouldBeNil)
				So(next.RoundNumber, ShouldEqual, 2)
				So(next.RoundPhase, ShouldEqual, model.Waiting)

				Convey("And every round lock is cleared", func() {
					players, err := m.Players(ctx, g.ID)
					So(err, ShouldBeNil)
					for _, pl := range players {
						So(pl.RoundLocked, ShouldBeFalse)
					}
				})
			})

			Convey("Then a stale buzz cannot be judged in the next round", func() {
				stale, err := m.SubmitBuzz(ctx, g.ID, "p", "")
				So(err, ShouldBeNil)
				_, _ = m.CloseRound(ctx, g.ID)
				_, _ = m.AdvanceRound(ctx, g.ID)
				_, _ = m.StartRound(ctx, g.ID)
				_, err = m.JudgeCorrect(ctx, g.ID, stale.ID, "")
				So(errors.Is(err, gameerr.ErrStaleRound), ShouldBeTrue)
			})
		})

		Convey("When the game ends", func() {
			ended, err := m.EndGame(ctx, g.ID)
			So(err, ShouldBeNil)
			So(ended.Lifecycle, ShouldEqual, model.Ended)

			Convey("Then every further command is rejected as terminal", func() {
				_, err := m.StartRound(ctx, g.ID)
				So(errors.Is(err, gameerr.ErrGameEnded), ShouldBeTrue)
				_, err = m.Join(ctx, g.ID, "r", "Rae")
				So(errors.Is(err, gameerr.ErrGameEnded), ShouldBeTrue)
				_, err = m.EndGame(ctx, g.ID)
				So(errors.Is(err, gameerr.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When the same identity joins twice", func() {
			again, err := m.Join(ctx, g.ID, "p", "Pat")
			So(err, ShouldBeNil)
			So(again.ID, ShouldEqual, p.ID)
			players, _ := m.Players(ctx, g.ID)
			So(len(players), ShouldEqual, 2)
		})
	})
}

func TestConcurrentJudging(t *testing.T) {
	Convey("Given one player with many queued buzzes", t, func() {
		ctx := context.Background()
		m, s := newMachine()
		defer s.Close()
		g, err := m.Create(ctx, "host", "Hana")
		So(err, ShouldBeNil)
		_, err = m.Join(ctx, g.ID, "p", "Pat")
		So(err, ShouldBeNil)
		_, err = m.StartRound(ctx, g.ID)
		So(err, ShouldBeNil)

		// judgments run directly against buzzes so the lock set by an
		// incorrect verdict does not block later submissions
		const total = 10
		ids := make([]string, 0, total)
		for i := 0; i < total; i++ {
			b, err := m.SubmitBuzz(ctx, g.ID, "p", "")
			So(err, ShouldBeNil)
			ids = append(ids, b.ID)
		}

		Convey("When they are judged from many goroutines", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			var failures []error
			correct := 0
			for i, id := range ids {
				ok := i%3 != 0
				if ok {
					correct++
				}
				wg.Add(1)
				go func(id string, ok bool) {
					defer wg.Done()
					var err error
					if ok {
						_, err = m.JudgeCorrect(ctx, g.ID, id, "p")
					} else {
						_, err = m.JudgeIncorrect(ctx, g.ID, id, "p")
					}
					if err != nil {
						mu.Lock()
						failures = append(failures, err)
						mu.Unlock()
					}
				}(id, ok)
			}
			wg.Wait()

			Convey("Then the score equals correct minus incorrect", func() {
				So(failures, ShouldBeEmpty)
				players, err := m.Players(ctx, g.ID)
				So(err, ShouldBeNil)
				So(players[0].Score, ShouldEqual, correct-(total-correct))
			})
		})

		Convey("When one buzz is judged by two hosts at once", func() {
			var wg sync.WaitGroup
			results := make(chan error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := m.JudgeCorrect(ctx, g.ID, ids[0], "p")
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			Convey("Then only one verdict counts", func() {
				ok, resolved := 0, 0
				for err := range results {
					if err == nil {
						ok++
					} else if errors.Is(err, gameerr.ErrBuzzResolved) {
						resolved++
					}
				}
				So(ok, ShouldEqual, 1)
				So(resolved, ShouldEqual, 1)
				players, _ := m.Players(ctx, g.ID)
				So(players[0].Score, ShouldEqual, 1)
			})
		})
	})
}

func TestOwnerOnlyCommands(t *testing.T) {
	Convey("Given owner enforcement", t, func() {
		ctx := context.Background()
		m, s := newMachine(rounds.WithEnforceOwner(true))
		defer s.Close()
		g, err := m.Create(ctx, "host", "Hana")
		So(err, ShouldBeNil)

		Convey("Then another caller cannot start the round", func() {
			_, err := m.StartRound(model.WithCaller(ctx, "p"), g.ID)
			So(errors.Is(err, gameerr.ErrForbidden), ShouldBeTrue)
		})

		Convey("Then the owner can", func() {
			_, err := m.StartRound(model.WithCaller(ctx, "host"), g.ID)
			So(err, ShouldBeNil)
		})

		Convey("Then players may still join and buzz", func() {
			pctx := model.WithCaller(ctx, "p")
			_, err := m.Join(pctx, g.ID, "p", "Pat")
			So(err, ShouldBeNil)
			_, err = m.StartRound(model.WithCaller(ctx, "host"), g.ID)
			So(err, ShouldBeNil)
			b, err := m.SubmitBuzz(pctx, g.ID, "p", "")
			So(err, ShouldBeNil)

			_, err = m.JudgeCorrect(pctx, g.ID, b.ID, "p")
			So(errors.Is(err, gameerr.ErrForbidden), ShouldBeTrue)
		})
	})
}

func TestWatchBuzzes(t *testing.T) {
	Convey("Given a live round being watched", t, func() {
		ctx := context.Background()
		m, s := newMachine()
		defer s.Close()
		g, err := m.Create(ctx, "host", "Hana")
		So(err, ShouldBeNil)
		_, err = m.Join(ctx, g.ID, "p", "Pat")
		So(err, ShouldBeNil)
		_, err = m.StartRound(ctx, g.ID)
		So(err, ShouldBeNil)

		w := m.WatchBuzzes(ctx, g.ID, 1)
		defer w.Close()
		first := <-w.Updates()
		So(first, ShouldNotBeNil)
		So(len(first), ShouldEqual, 0)

		Convey("When a buzz arrives and is then judged", func() {
			b, err := m.SubmitBuzz(ctx, g.ID, "p", "")
			So(err, ShouldBeNil)

			Convey("Then the stream shows it and then drops it", func() {
				So(waitFor(w.Updates(), func(bs []*model.Buzz) bool { return len(bs) == 1 && bs[0].ID == b.ID }), ShouldBeTrue)
				_, err := m.JudgeCorrect(ctx, g.ID, b.ID, "")
				So(err, ShouldBeNil)
				So(waitFor(w.Updates(), func(bs []*model.Buzz) bool { return len(bs) == 0 }), ShouldBeTrue)
			})
		})
	})
}

func waitFor[T any](ch <-chan T, ok func(T) bool) bool {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v, open := <-ch:
			if !open {
				return false
			}
			if ok(v) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
