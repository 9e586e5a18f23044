// Package storetest holds the behaviour every docstore.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
)

// Factory opens a fresh, empty store.
type Factory func(t *testing.T) docstore.Store

const waitTimeout = 3 * time.Second

// Run exercises the full store contract against stores from factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CRUD", func(t *testing.T) { crud(t, factory) })
	t.Run("Queries", func(t *testing.T) { queries(t, factory) })
	t.Run("Batches", func(t *testing.T) { batches(t, factory) })
	t.Run("Transactions", func(t *testing.T) { transactions(t, factory) })
	t.Run("Watches", func(t *testing.T) { watches(t, factory) })
}

func crud(t *testing.T, factory Factory) {
	Convey("Given an empty store", t, func() {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()
		ref := docstore.Collection("games").Doc("g1")

		Convey("When a document is created", func() {
			So(store.Create(ctx, ref, map[string]any{"joinCode": "ABC123", "roundNumber": 0}), ShouldBeNil)
			doc, err := store.Get(ctx, ref)

			Convey("Then it reads back normalized with metadata", func() {
				So(err, ShouldBeNil)
				So(doc.Data["joinCode"], ShouldEqual, "ABC123")
				So(doc.Data["roundNumber"], ShouldEqual, float64(0))
				So(doc.Version, ShouldBeGreaterThan, 0)
				So(doc.CreateTime.IsZero(), ShouldBeFalse)
			})

			Convey("Then creating it again fails", func() {
				err := store.Create(ctx, ref, map[string]any{})
				So(errors.Is(err, docstore.ErrAlreadyExists), ShouldBeTrue)
			})

			Convey("Then an update bumps the version and keeps the creation time", func() {
				So(store.Update(ctx, ref,
					docstore.Update{Field: "roundNumber", Value: docstore.Increment(1)},
					docstore.Update{Field: "startedAt", Value: docstore.ServerTimestamp},
				), ShouldBeNil)
				after, err := store.Get(ctx, ref)
				So(err, ShouldBeNil)
				So(after.Version, ShouldBeGreaterThan, doc.Version)
				So(after.CreateTime.Equal(doc.CreateTime), ShouldBeTrue)
				So(after.UpdateTime.After(doc.UpdateTime), ShouldBeTrue)
				So(after.Data["roundNumber"], ShouldEqual, float64(1))
				So(after.Data["startedAt"], ShouldEqual, docstore.FormatTime(after.UpdateTime))
			})

			Convey("Then mutating a read copy does not change the store", func() {
				doc.Data["joinCode"] = "ZZZZZZ"
				again, _ := store.Get(ctx, ref)
				So(again.Data["joinCode"], ShouldEqual, "ABC123")
			})

			Convey("Then Set replaces the data", func() {
				So(store.Set(ctx, ref, map[string]any{"lifecycle": "ended"}), ShouldBeNil)
				after, _ := store.Get(ctx, ref)
				_, hasCode := after.Data["joinCode"]
				So(hasCode, ShouldBeFalse)
				So(after.Data["lifecycle"], ShouldEqual, "ended")
			})

			Convey("Then Delete removes it and a second Delete is harmless", func() {
				So(store.Delete(ctx, ref), ShouldBeNil)
				_, err := store.Get(ctx, ref)
				So(errors.Is(err, docstore.ErrNotFound), ShouldBeTrue)
				So(store.Delete(ctx, ref), ShouldBeNil)
			})
		})

		Convey("When updating a missing document", func() {
			err := store.Update(ctx, ref, docstore.Update{Field: "x", Value: 1})

			Convey("Then it is not found", func() {
				So(errors.Is(err, docstore.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When adding to a sub-collection", func() {
			players := ref.Collection("players")
			added, err := store.Add(ctx, players, map[string]any{"displayName": "Ada"})

			Convey("Then the document gets an id under that path", func() {
				So(err, ShouldBeNil)
				So(added.ID, ShouldNotBeEmpty)
				So(added.Parent.Path(), ShouldEqual, "games/g1/players")
				doc, err := store.Get(ctx, added)
				So(err, ShouldBeNil)
				So(doc.Data["displayName"], ShouldEqual, "Ada")
			})
		})
	})
}

func queries(t *testing.T, factory Factory) {
	Convey("Given several games", t, func() {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()
		games := docstore.Collection("games")
		for _, g := range []struct {
			id, code, state string
			score           int
		}{
			{"z", "AAA111", "active", 2},
			{"y", "AAA111", "ended", 9},
			{"x", "AAA111", "active", 7},
			{"w", "BBB222", "active", 1},
		} {
			So(store.Create(ctx, games.Doc(g.id), map[string]any{"joinCode": g.code, "lifecycle": g.state, "score": g.score}), ShouldBeNil)
		}

		Convey("When querying by two equalities", func() {
			docs, err := store.Query(ctx, games.Where("joinCode", "AAA111").Where("lifecycle", "active"))

			Convey("Then matches come back in creation order", func() {
				So(err, ShouldBeNil)
				So(len(docs), ShouldEqual, 2)
				So(docs[0].Ref.ID, ShouldEqual, "z")
				So(docs[1].Ref.ID, ShouldEqual, "x")
			})
		})

		Convey("When ordering by score descending with a limit", func() {
			docs, err := store.Query(ctx, games.OrderBy("score", docstore.Desc).WithLimit(2))

			Convey("Then the top two come back", func() {
				So(err, ShouldBeNil)
				So(len(docs), ShouldEqual, 2)
				So(docs[0].Ref.ID, ShouldEqual, "y")
				So(docs[1].Ref.ID, ShouldEqual, "x")
			})
		})

		Convey("When querying a collection with no documents", func() {
			docs, err := store.Query(ctx, docstore.Collection("games/none/players").Query())

			Convey("Then the result is empty", func() {
				So(err, ShouldBeNil)
				So(docs, ShouldBeEmpty)
			})
		})
	})
}

func batches(t *testing.T, factory Factory) {
	Convey("Given a game and a player", t, func() {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()
		game := docstore.Collection("games").Doc("g1")
		player := game.Collection("players").Doc("p1")
		So(store.Create(ctx, game, map[string]any{"roundNumber": 1}), ShouldBeNil)
		So(store.Create(ctx, player, map[string]any{"score": 0, "roundLocked": true}), ShouldBeNil)
		current, err := store.Get(ctx, game)
		So(err, ShouldBeNil)

		Convey("When a batch commits with a fresh precondition", func() {
			err := store.Batch().
				Update(game, []docstore.Update{{Field: "roundNumber", Value: 2}}, docstore.LastVersion(current.Version)).
				Update(player, []docstore.Update{{Field: "roundLocked", Value: false}}).
				Commit(ctx)

			Convey("Then every write is applied", func() {
				So(err, ShouldBeNil)
				g, _ := store.Get(ctx, game)
				p, _ := store.Get(ctx, player)
				So(g.Data["roundNumber"], ShouldEqual, float64(2))
				So(p.Data["roundLocked"], ShouldEqual, false)
			})
		})

		Convey("When a batch carries a stale precondition", func() {
			So(store.Update(ctx, game, docstore.Update{Field: "roundNumber", Value: 5}), ShouldBeNil)
			err := store.Batch().
				Update(player, []docstore.Update{{Field: "roundLocked", Value: false}}).
				Update(game, []docstore.Update{{Field: "roundNumber", Value: 2}}, docstore.LastVersion(current.Version)).
				Commit(ctx)

			Convey("Then nothing is applied", func() {
				So(errors.Is(err, docstore.ErrPreconditionFailed), ShouldBeTrue)
				p, _ := store.Get(ctx, player)
				So(p.Data["roundLocked"], ShouldEqual, true)
			})
		})

		Convey("When a batch creates something that exists", func() {
			err := store.Batch().
				Create(game.Collection("players").Doc("p2"), map[string]any{"score": 0}).
				Create(player, map[string]any{}).
				Commit(ctx)

			Convey("Then the earlier create in the batch is rolled back", func() {
				So(errors.Is(err, docstore.ErrAlreadyExists), ShouldBeTrue)
				_, err := store.Get(ctx, game.Collection("players").Doc("p2"))
				So(errors.Is(err, docstore.ErrNotFound), ShouldBeTrue)
			})
		})
	})
}

func transactions(t *testing.T, factory Factory) {
	Convey("Given a counter document", t, func() {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()
		ref := docstore.Collection("counters").Doc("c")
		So(store.Create(ctx, ref, map[string]any{"n": 0}), ShouldBeNil)

		Convey("When several transactions read and increment it concurrently", func() {
			const workers = 8
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
						doc, err := tx.Get(ctx, ref)
						if err != nil {
							return err
						}
						n, _ := doc.Data["n"].(float64)
						return tx.Update(ref, docstore.Update{Field: "n", Value: n + 1})
					})
				}()
			}
			wg.Wait()
			close(errs)

			Convey("Then no increment is lost", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				doc, err := store.Get(ctx, ref)
				So(err, ShouldBeNil)
				So(doc.Data["n"], ShouldEqual, float64(workers))
			})
		})

		Convey("When the transaction function fails", func() {
			boom := errors.New("boom")
			err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				if err := tx.Update(ref, docstore.Update{Field: "n", Value: 100}); err != nil {
					return err
				}
				return boom
			})

			Convey("Then its writes are discarded and the error returned", func() {
				So(errors.Is(err, boom), ShouldBeTrue)
				doc, _ := store.Get(ctx, ref)
				So(doc.Data["n"], ShouldEqual, float64(0))
			})
		})

		Convey("When a transaction reads a missing document and creates it", func() {
			missing := docstore.Collection("counters").Doc("new")
			err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				if _, err := tx.Get(ctx, missing); !errors.Is(err, docstore.ErrNotFound) {
					return errors.New("expected not found")
				}
				return tx.Create(missing, map[string]any{"n": 1})
			})

			Convey("Then the document exists afterwards", func() {
				So(err, ShouldBeNil)
				doc, err := store.Get(ctx, missing)
				So(err, ShouldBeNil)
				So(doc.Data["n"], ShouldEqual, float64(1))
			})
		})

		Convey("When a transaction queries and updates what it found", func() {
			err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				docs, err := tx.Query(ctx, docstore.Collection("counters").Where("n", 0))
				if err != nil {
					return err
				}
				for _, d := range docs {
					if err := tx.Update(d.Ref, docstore.Update{Field: "n", Value: docstore.Increment(5)}); err != nil {
						return err
					}
				}
				return nil
			})

			Convey("Then the update lands", func() {
				So(err, ShouldBeNil)
				doc, _ := store.Get(ctx, ref)
				So(doc.Data["n"], ShouldEqual, float64(5))
			})
		})
	})
}

func nextDoc(w docstore.DocumentWatch) (docstore.DocumentSnapshot, bool) {
	select {
	case s, ok := <-w.Updates():
		return s, ok
	case <-time.After(waitTimeout):
		return docstore.DocumentSnapshot{}, false
	}
}

func nextQuery(w docstore.QueryWatch) (docstore.QuerySnapshot, bool) {
	select {
	case s, ok := <-w.Updates():
		return s, ok
	case <-time.After(waitTimeout):
		return docstore.QuerySnapshot{}, false
	}
}

func watches(t *testing.T, factory Factory) {
	Convey("Given a store and a watched document that does not exist yet", t, func() {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()
		ref := docstore.Collection("games").Doc("g1")
		w := store.WatchDocument(ctx, ref)
		defer w.Close()

		first, ok := nextDoc(w)
		So(ok, ShouldBeTrue)
		So(first.Err, ShouldBeNil)
		So(first.Doc, ShouldBeNil)

		Convey("When the document is created and updated", func() {
			So(store.Create(ctx, ref, map[string]any{"roundNumber": 0}), ShouldBeNil)
			So(store.Update(ctx, ref, docstore.Update{Field: "roundNumber", Value: 3}), ShouldBeNil)

			Convey("Then the watch converges on the latest state without going backwards", func() {
				last := -1.0
				for last != 3 {
					snap, ok := nextDoc(w)
					So(ok, ShouldBeTrue)
					So(snap.Doc, ShouldNotBeNil)
					n := snap.Doc.Data["roundNumber"].(float64)
					So(n, ShouldBeGreaterThanOrEqualTo, last)
					last = n
				}
			})
		})

		Convey("When the watch is closed", func() {
			So(w.Close(), ShouldBeNil)
			So(store.Create(ctx, ref, map[string]any{}), ShouldBeNil)

			Convey("Then no further snapshots arrive and the channel is closed", func() {
				_, ok := <-w.Updates()
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When a query over the collection is watched", func() {
			qw := store.WatchQuery(ctx, docstore.Collection("games").Where("lifecycle", "active"))
			defer qw.Close()
			initial, ok := nextQuery(qw)
			So(ok, ShouldBeTrue)
			So(initial.Docs, ShouldBeEmpty)

			So(store.Create(ctx, ref, map[string]any{"lifecycle": "active"}), ShouldBeNil)
			So(store.Create(ctx, docstore.Collection("games").Doc("g2"), map[string]any{"lifecycle": "ended"}), ShouldBeNil)

			Convey("Then only matching documents appear", func() {
				var snap docstore.QuerySnapshot
				for len(snap.Docs) == 0 {
					snap, ok = nextQuery(qw)
					So(ok, ShouldBeTrue)
				}
				So(len(snap.Docs), ShouldEqual, 1)
				So(snap.Docs[0].Ref.ID, ShouldEqual, "g1")
			})
		})
	})
}
