// Package feed fans committed document changes out to live watches.
//
// Each watch owns a goroutine and a one-slot dirty signal. A change marks
// matching watches dirty; the goroutine then re-reads the current state and
// sends it. Bursts therefore coalesce into the latest state and snapshots
// never go backwards.
package feed

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/adapters/mq/queue"
	"github.com/okian/tunebuzz/internal/adapters/mq/worker"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

// Matcher reports whether a change concerns a watch.
type Matcher func(docstore.Change) bool

// DocumentMatcher matches changes to ref.
func DocumentMatcher(ref docstore.DocRef) Matcher {
	path := ref.Path()
	return func(c docstore.Change) bool { return c.Path() == path }
}

// CollectionMatcher matches changes to any document directly in coll.
func CollectionMatcher(coll docstore.CollectionRef) Matcher {
	path := coll.Path()
	return func(c docstore.Change) bool { return c.Collection == path }
}

// PrefixMatcher matches changes anywhere under a path prefix.
func PrefixMatcher(prefix string) Matcher {
	return func(c docstore.Change) bool { return strings.HasPrefix(c.Path(), prefix) }
}

type watcher interface {
	matches(docstore.Change) bool
	signal()
	stop()
}

// Hub tracks live watches. Publish is safe from any goroutine.
type Hub struct {
	mu      sync.RWMutex
	watches map[string]watcher
	closed  bool

	queue   queue.Queue
	pool    *worker.Pool
	workers int
	logger  logger.Logger
}

// NewHub returns a hub. Without WithQueue changes are routed inline.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		watches: make(map[string]watcher),
		logger:  logger.Get().Named("feed"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.queue != nil {
		h.pool = worker.NewPool(h.workers, h.queue, worker.RouterFunc(func(_ context.Context, c docstore.Change) {
			h.Route(c)
		}))
	}
	return h
}

// Start launches the router workers when a queue is configured.
func (h *Hub) Start(ctx context.Context) {
	if h.pool != nil {
		h.pool.Start(ctx)
		h.logger.Info(ctx, "change router started", logger.Int("workers", h.pool.Size()))
	}
}

// Publish hands changes to the router workers, or routes them inline when
// there is no queue or it is full.
func (h *Hub) Publish(ctx context.Context, changes ...docstore.Change) {
	for _, c := range changes {
		if h.queue != nil && h.queue.Enqueue(ctx, c) {
			continue
		}
		h.Route(c)
	}
}

// Route marks every matching watch dirty.
func (h *Hub) Route(c docstore.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.watches {
		if w.matches(c) {
			w.signal()
		}
	}
}

// NotifyAll marks every watch dirty. Used by polling backends.
func (h *Hub) NotifyAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.watches {
		w.signal()
	}
}

// Active returns the number of live watches.
func (h *Hub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watches)
}

func (h *Hub) add(id string, w watcher) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.watches[id] = w
	metrics.UpdateWatchesActive(len(h.watches))
	return true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watches, id)
	metrics.UpdateWatchesActive(len(h.watches))
}

// Close drains the router, then stops every watch.
func (h *Hub) Close(ctx context.Context) error {
	var err error
	if h.pool != nil {
		err = h.pool.Shutdown(ctx)
	}

	h.mu.Lock()
	h.closed = true
	live := make([]watcher, 0, len(h.watches))
	for _, w := range h.watches {
		live = append(live, w)
	}
	h.mu.Unlock()

	for _, w := range live {
		w.stop()
	}
	return err
}

// Subscription is a live watch delivering values of T.
type Subscription[T any] struct {
	id      string
	hub     *Hub
	match   Matcher
	read    func(context.Context) T
	isError func(T) bool

	out      chan T
	dirty    chan struct{}
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// Watch registers a subscription that sends read(ctx) now and after every
// matching change. It ends when ctx is done or Close is called. isError may
// be nil; when set, it flags snapshots that carry a read failure.
func Watch[T any](ctx context.Context, h *Hub, match Matcher, read func(context.Context) T, isError func(T) bool) *Subscription[T] {
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		id:       uuid.NewString(),
		hub:      h,
		match:    match,
		read:     read,
		isError:  isError,
		out:      make(chan T),
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		ctx:      subCtx,
		cancel:   cancel,
	}
	s.dirty <- struct{}{}
	if !h.add(s.id, s) {
		close(s.done)
	}
	go s.run()
	return s
}

// Updates returns the snapshot channel. It is closed after Close.
func (s *Subscription[T]) Updates() <-chan T { return s.out }

// Close stops delivery and waits for the subscription goroutine to exit.
// It is safe to call more than once.
func (s *Subscription[T]) Close() error {
	s.stop()
	<-s.finished
	return nil
}

func (s *Subscription[T]) stop() {
	s.once.Do(func() {
		s.hub.remove(s.id)
		select {
		case <-s.done:
		default:
			close(s.done)
		}
		s.cancel()
	})
}

func (s *Subscription[T]) matches(c docstore.Change) bool { return s.match(c) }

func (s *Subscription[T]) signal() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) run() {
	defer close(s.finished)
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.stop()
			return
		case <-s.dirty:
		}

		snap := s.read(s.ctx)
		if s.isError != nil && s.isError(snap) {
			metrics.RecordSnapshotError()
		}
		select {
		case s.out <- snap:
			metrics.RecordSnapshotDelivered()
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.stop()
			return
		}
	}
}
