package feed

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/adapters/mq/queue"
)

func receive[T any](ch <-chan T) (T, bool) {
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(2 * time.Second):
		var zero T
		return zero, false
	}
}

func TestSubscription(t *testing.T) {
	Convey("Given a hub and a counter-backed watch", t, func() {
		hub := NewHub()
		var state atomic.Int64
		ref := docstore.Collection("games").Doc("g1")
		sub := Watch(context.Background(), hub, DocumentMatcher(ref), func(context.Context) int64 {
			return state.Load()
		}, nil)
		defer sub.Close()

		Convey("Then the current state arrives immediately", func() {
			v, ok := receive(sub.Updates())
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 0)
			So(hub.Active(), ShouldEqual, 1)
		})

		Convey("When a matching change is published", func() {
			_, _ = receive(sub.Updates())
			state.Store(5)
			hub.Publish(context.Background(), docstore.Change{Collection: "games", ID: "g1"})

			Convey("Then the new state is delivered", func() {
				v, ok := receive(sub.Updates())
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, 5)
			})
		})

		Convey("When many changes land before the consumer reads", func() {
			_, _ = receive(sub.Updates())
			for i := 1; i <= 50; i++ {
				state.Store(int64(i))
				hub.Route(docstore.Change{Collection: "games", ID: "g1"})
			}

			Convey("Then snapshots never go backwards and end at the latest", func() {
				last := int64(-1)
				for last != 50 {
					v, ok := receive(sub.Updates())
					So(ok, ShouldBeTrue)
					So(v, ShouldBeGreaterThanOrEqualTo, last)
					last = v
				}
			})
		})

		Convey("When an unrelated change is published", func() {
			_, _ = receive(sub.Updates())
			hub.Route(docstore.Change{Collection: "games", ID: "other"})

			Convey("Then nothing is delivered", func() {
				select {
				case <-sub.Updates():
					So("unexpected delivery", ShouldBeEmpty)
				case <-time.After(50 * time.Millisecond):
				}
			})
		})

		Convey("When the watch is closed", func() {
			So(sub.Close(), ShouldBeNil)

			Convey("Then the channel closes and the hub forgets it", func() {
				_, ok := <-sub.Updates()
				So(ok, ShouldBeFalse)
				So(hub.Active(), ShouldEqual, 0)
				So(sub.Close(), ShouldBeNil)
			})
		})
	})
}

func TestSubscriptionContext(t *testing.T) {
	Convey("Given a watch bound to a cancellable context", t, func() {
		hub := NewHub()
		ctx, cancel := context.WithCancel(context.Background())
		sub := Watch(ctx, hub, PrefixMatcher("games/"), func(context.Context) string { return "x" }, nil)
		_, _ = receive(sub.Updates())

		Convey("When the context is cancelled", func() {
			cancel()

			Convey("Then the subscription ends by itself", func() {
				_, ok := receive(sub.Updates())
				So(ok, ShouldBeFalse)
				So(sub.Close(), ShouldBeNil)
				So(hub.Active(), ShouldEqual, 0)
			})
		})
	})
}

func TestHubWithQueue(t *testing.T) {
	Convey("Given a hub routing through a queue and workers", t, func() {
		hub := NewHub(WithQueue(queue.NewInMemoryQueue(queue.WithCapacity(8))), WithRouterWorkers(2))
		ctx := context.Background()
		hub.Start(ctx)

		var state atomic.Int64
		sub := Watch(ctx, hub, CollectionMatcher(docstore.Collection("games")), func(context.Context) int64 {
			return state.Load()
		}, nil)
		_, _ = receive(sub.Updates())

		Convey("When a change is published", func() {
			state.Store(9)
			hub.Publish(ctx, docstore.Change{Collection: "games", ID: "any"})

			Convey("Then a worker routes it to the watch", func() {
				v, ok := receive(sub.Updates())
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, 9)
			})
		})

		Convey("When the hub closes", func() {
			So(hub.Close(ctx), ShouldBeNil)

			Convey("Then live watches are ended and new ones start closed", func() {
				_, ok := receive(sub.Updates())
				So(ok, ShouldBeFalse)
				late := Watch(ctx, hub, CollectionMatcher(docstore.Collection("games")), func(context.Context) int64 { return 0 }, nil)
				_, ok = receive(late.Updates())
				So(ok, ShouldBeFalse)
			})
		})
	})
}
