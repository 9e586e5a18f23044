// Package worker runs the router workers that drain committed changes off the
// queue and hand them to the watch hub.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/okian/tunebuzz/internal/adapters/mq/queue"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const (
	workerShutdownTimeout = 5 * time.Second
	poolShutdownTimeout   = 30 * time.Second
)

// Event is what workers read off the queue.
type Event = queue.Event

// Router delivers one change to whoever is interested in it.
type Router interface {
	Route(ctx context.Context, e Event)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, e Event)

// Route calls f.
func (f RouterFunc) Route(ctx context.Context, e Event) { f(ctx, e) }

// Queue defines how workers receive events.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Event
}

// Worker consumes events until stopped.
type Worker interface {
	// Run blocks until ctx is canceled, Shutdown is called or the queue closes.
	Run(ctx context.Context)
	Shutdown(ctx context.Context) error
}

// InMemoryWorker routes events from a queue.
type InMemoryWorker struct {
	queue  Queue
	router Router
	name   string

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker reading from q.
func NewInMemoryWorker(q Queue, router Router, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		router:   router,
		name:     "router",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("router"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "router" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	events := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			w.route(ctx, e)
		}
	}
}

func (w *InMemoryWorker) route(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordErrorByComponent("router", "panic")
			w.logger.Error(ctx, "routing change panicked",
				logger.String("path", e.Path()),
				logger.Any("panic", r),
			)
		}
	}()
	w.router.Route(ctx, e)
	metrics.RecordChangeRouted()
}

// Shutdown stops the worker without draining the queue.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Pool manages several router workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates workerCount workers; less than one means one per CPU.
func NewPool(workerCount int, q Queue, router Router) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("router-pool"),
	}
	for i := range p.workers {
		p.workers[i] = NewInMemoryWorker(q, router, WithName("router-"+strconv.Itoa(i)))
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	metrics.UpdateRouterWorkers(len(p.workers))
}

// Stop halts every worker without draining.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		close(w.shutdown)
	}
	for _, w := range p.workers {
		select {
		case <-w.done:
		case <-time.After(workerShutdownTimeout):
		}
	}
	metrics.UpdateRouterWorkers(0)
}

// Shutdown closes the queue and waits for workers to drain what is left.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var err error
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			err = fmt.Errorf("router pool shutdown: %w", shutdownCtx.Err())
		}
	}
	metrics.UpdateRouterWorkers(0)
	return err
}
