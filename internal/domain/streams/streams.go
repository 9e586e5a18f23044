// Package streams turns store watches into typed streams for the UI layer.
// A snapshot that fails to read or decode is replaced by a safe default
// (the zero value, or an empty list) so a subscriber never stalls.
package streams

import (
	"context"
	"sync"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/pkg/logger"
)

type source[S any] interface {
	Updates() <-chan S
	Close() error
}

// Stream delivers values until closed. Close is idempotent and, once it
// returns, nothing more is sent and the channel is closed.
type Stream[T any] struct {
	out      chan T
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	src      interface{ Close() error }
}

// Updates returns the value channel.
func (s *Stream[T]) Updates() <-chan T { return s.out }

// Close stops the stream and its source.
func (s *Stream[T]) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.src.Close()
	})
	<-s.finished
	return err
}

func pipe[S, T any](src source[S], fn func(S) T) *Stream[T] {
	s := &Stream[T]{
		out:      make(chan T),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		src:      src,
	}
	go func() {
		defer close(s.finished)
		defer close(s.out)
		for {
			select {
			case <-s.done:
				return
			case in, ok := <-src.Updates():
				if !ok {
					return
				}
				select {
				case s.out <- fn(in):
				case <-s.done:
					return
				}
			}
		}
	}()
	return s
}

// Map derives a stream by applying fn to every value of s. Closing the
// derived stream closes s.
func Map[A, B any](s *Stream[A], fn func(A) B) *Stream[B] {
	return pipe[A, B](s, fn)
}

// FromDocument streams one document decoded with decode. A missing document
// or a failed read yields the zero value of T.
func FromDocument[T any](ctx context.Context, store docstore.Store, ref docstore.DocRef, decode func(*docstore.Document) (T, error), log logger.Logger) *Stream[T] {
	if log == nil {
		log = logger.Get().Named("streams")
	}
	return pipe[docstore.DocumentSnapshot, T](store.WatchDocument(ctx, ref), func(snap docstore.DocumentSnapshot) T {
		var zero T
		if snap.Err != nil {
			log.Warn(ctx, "document watch read failed, sending empty value",
				logger.String("ref", ref.Path()), logger.Error(snap.Err))
			return zero
		}
		if snap.Doc == nil {
			return zero
		}
		v, err := decode(snap.Doc)
		if err != nil {
			log.Warn(ctx, "document watch decode failed, sending empty value",
				logger.String("ref", ref.Path()), logger.Error(err))
			return zero
		}
		return v
	})
}

// FromQuery streams a query result decoded element by element. A failed read
// or decode yields an empty, non-nil list.
func FromQuery[T any](ctx context.Context, store docstore.Store, q docstore.Query, decode func(*docstore.Document) (T, error), log logger.Logger) *Stream[[]T] {
	if log == nil {
		log = logger.Get().Named("streams")
	}
	return pipe[docstore.QuerySnapshot, []T](store.WatchQuery(ctx, q), func(snap docstore.QuerySnapshot) []T {
		if snap.Err != nil {
			log.Warn(ctx, "query watch read failed, sending empty list",
				logger.String("collection", q.Collection.Path()), logger.Error(snap.Err))
			return []T{}
		}
		out := make([]T, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			v, err := decode(doc)
			if err != nil {
				log.Warn(ctx, "query watch decode failed, sending empty list",
					logger.String("ref", doc.Ref.Path()), logger.Error(err))
				return []T{}
			}
			out = append(out, v)
		}
		return out
	})
}
