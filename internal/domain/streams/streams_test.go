package streams_test

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/adapters/docstore/memstore"
	"github.com/okian/tunebuzz/internal/domain/streams"
)

const wait = 3 * time.Second

type item struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func decodeItem(doc *docstore.Document) (*item, error) {
	it := &item{}
	return it, doc.DataTo(it)
}

func next[T any](s *streams.Stream[T]) (T, bool) {
	select {
	case v, ok := <-s.Updates():
		return v, ok
	case <-time.After(wait):
		var zero T
		return zero, false
	}
}

func TestFromDocument(t *testing.T) {
	Convey("Given a watched document that does not exist yet", t, func() {
		ctx := context.Background()
		s := memstore.New()
		defer s.Close()
		ref := docstore.Collection("items").Doc("a")
		st := streams.FromDocument(ctx, s, ref, decodeItem, nil)
		defer st.Close()

		Convey("Then the first value is nil", func() {
			v, ok := next(st)
			So(ok, ShouldBeTrue)
			So(v, ShouldBeNil)

			Convey("And a write delivers the decoded document", func() {
				So(s.Set(ctx, ref, map[string]any{"name": "x", "n": 2}), ShouldBeNil)
				v, ok := next(st)
				for ok && v == nil {
					v, ok = next(st)
				}
				So(ok, ShouldBeTrue)
				So(v.N, ShouldEqual, 2)
			})
		})
	})

	Convey("Given a document that cannot be decoded", t, func() {
		ctx := context.Background()
		s := memstore.New()
		defer s.Close()
		ref := docstore.Collection("items").Doc("bad")
		So(s.Set(ctx, ref, map[string]any{"n": "not a number"}), ShouldBeNil)
		st := streams.FromDocument(ctx, s, ref, decodeItem, nil)
		defer st.Close()

		Convey("Then the safe default is delivered", func() {
			v, ok := next(st)
			So(ok, ShouldBeTrue)
			So(v, ShouldBeNil)
		})
	})
}

func TestFromQuery(t *testing.T) {
	Convey("Given a query stream", t, func() {
		ctx := context.Background()
		s := memstore.New()
		defer s.Close()
		coll := docstore.Collection("items")
		st := streams.FromQuery(ctx, s, coll.OrderBy("n", docstore.Asc), decodeItem, nil)

		Convey("Then the empty result is a non-nil list", func() {
			v, ok := next(st)
			So(ok, ShouldBeTrue)
			So(v, ShouldNotBeNil)
			So(len(v), ShouldEqual, 0)
			So(st.Close(), ShouldBeNil)
		})

		Convey("When a bad document joins the result", func() {
			<-st.Updates()
			So(s.Set(ctx, coll.Doc("bad"), map[string]any{"n": "x"}), ShouldBeNil)
			v, ok := next(st)

			Convey("Then an empty list replaces the failed read", func() {
				So(ok, ShouldBeTrue)
				So(v, ShouldResemble, []*item{})
				So(st.Close(), ShouldBeNil)
			})
		})

		Convey("When closed", func() {
			So(st.Close(), ShouldBeNil)
			So(st.Close(), ShouldBeNil)

			Convey("Then the channel is drained and closed", func() {
				for range st.Updates() {
				}
				_, ok := <-st.Updates()
				So(ok, ShouldBeFalse)
			})
		})
	})
}

func TestMap(t *testing.T) {
	Convey("Given a mapped query stream", t, func() {
		ctx := context.Background()
		s := memstore.New()
		defer s.Close()
		coll := docstore.Collection("items")
		So(s.Set(ctx, coll.Doc("a"), map[string]any{"n": 1}), ShouldBeNil)
		So(s.Set(ctx, coll.Doc("b"), map[string]any{"n": 4}), ShouldBeNil)

		sum := streams.Map(streams.FromQuery(ctx, s, coll.Query(), decodeItem, nil), func(items []*item) int {
			total := 0
			for _, it := range items {
				total += it.N
			}
			return total
		})

		Convey("Then values are transformed and closing cascades", func() {
			v, ok := next(sum)
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 5)
			So(sum.Close(), ShouldBeNil)
		})
	})
}
