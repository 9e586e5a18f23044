package standings_test

import (
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/standings"
)

func TestBoard(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	Convey("Given a board with tied and distinct scores", t, func() {
		b := standings.New()
		b.Upsert(standings.Entry{Identity: "carol", Score: 3, JoinedAt: base.Add(3 * time.Second)})
		b.Upsert(standings.Entry{Identity: "alice", Score: 5, JoinedAt: base.Add(2 * time.Second)})
		b.Upsert(standings.Entry{Identity: "bob", Score: 5, JoinedAt: base.Add(1 * time.Second)})

		Convey("Then rows come out by score, then join time", func() {
			all := b.All()
			So(len(all), ShouldEqual, 3)
			So(all[0].Identity, ShouldEqual, "bob")
			So(all[1].Identity, ShouldEqual, "alice")
			So(all[2].Identity, ShouldEqual, "carol")
			So([]int{all[0].Rank, all[1].Rank, all[2].Rank}, ShouldResemble, []int{1, 1, 2})
		})

		Convey("Then ranks agree with the order", func() {
			e, err := b.Rank("carol")
			So(err, ShouldBeNil)
			So(e.Rank, ShouldEqual, 2)

			e, err = b.Rank("alice")
			So(err, ShouldBeNil)
			So(e.Rank, ShouldEqual, 1)

			_, err = b.Rank("nobody")
			So(err, ShouldEqual, standings.ErrNotFound)
		})

		Convey("Then the top rows keep tied ranks", func() {
			top, err := b.Top(2)
			So(err, ShouldBeNil)
			So(len(top), ShouldEqual, 2)
			So(top[0].Identity, ShouldEqual, "bob")
			So([]int{top[0].Rank, top[1].Rank}, ShouldResemble, []int{1, 1})

			all, err := b.Top(10)
			So(err, ShouldBeNil)
			So(len(all), ShouldEqual, 3)
		})

		Convey("When a score changes", func() {
			b.Upsert(standings.Entry{Identity: "carol", Score: 9, JoinedAt: base.Add(3 * time.Second)})

			Convey("Then the player moves without duplicating", func() {
				So(len(b.All()), ShouldEqual, 3)
				top, err := b.Top(1)
				So(err, ShouldBeNil)
				So(top[0].Identity, ShouldEqual, "carol")
				So(top[0].Rank, ShouldEqual, 1)
			})
		})

		Convey("When asking for a bad limit", func() {
			_, err := b.Top(0)
			So(err, ShouldEqual, standings.ErrInvalidLimit)
		})
	})

	Convey("Given many players with negative and positive scores", t, func() {
		b := standings.New()
		for i := 0; i < 200; i++ {
			b.Upsert(standings.Entry{Identity: fmt.Sprintf("p%03d", i), Score: (i % 21) - 10, JoinedAt: base})
		}

		Convey("Then in-order rows are sorted and ranks are consistent", func() {
			all := b.All()
			So(len(all), ShouldEqual, 200)
			for i := 1; i < len(all); i++ {
				So(all[i-1].Score, ShouldBeGreaterThanOrEqualTo, all[i].Score)
			}
			for _, e := range all {
				got, err := b.Rank(e.Identity)
				So(err, ShouldBeNil)
				So(got.Rank, ShouldEqual, e.Rank)
			}
			So(all[0].Rank, ShouldEqual, 1)
			So(all[len(all)-1].Rank, ShouldEqual, 21)
		})
	})
}

func TestFromPlayers(t *testing.T) {
	Convey("Given a player snapshot with a duplicate identity", t, func() {
		early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		players := []*model.Player{
			{Identity: "u1", DisplayName: "Ana", Score: 2, JoinedAt: early},
			{Identity: "u2", DisplayName: "Ben", Score: 4, JoinedAt: early.Add(time.Second)},
			{Identity: "u1", DisplayName: "Ana again", Score: 7, JoinedAt: early.Add(time.Minute)},
			nil,
		}

		b := standings.FromPlayers(players)

		Convey("Then the earliest record wins", func() {
			So(len(b.All()), ShouldEqual, 2)
			e, err := b.Rank("u1")
			So(err, ShouldBeNil)
			So(e.DisplayName, ShouldEqual, "Ana")
			So(e.Rank, ShouldEqual, 2)
		})
	})
}
