// Package service is the composition root: it builds the document store,
// the change router and both game state machines from configuration, and
// implements the dependencies the HTTP gateway needs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/adapters/docstore/memstore"
	"github.com/okian/tunebuzz/internal/adapters/docstore/sqlstore"
	"github.com/okian/tunebuzz/internal/adapters/feed"
	"github.com/okian/tunebuzz/internal/adapters/mq/queue"
	"github.com/okian/tunebuzz/internal/config"
	"github.com/okian/tunebuzz/internal/domain/dedupe"
	"github.com/okian/tunebuzz/internal/domain/directory"
	"github.com/okian/tunebuzz/internal/domain/hosted"
	"github.com/okian/tunebuzz/internal/domain/hostless"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
	"github.com/okian/tunebuzz/pkg/logger"
)

// ErrNotStarted is returned by accessors used before Start.
var ErrNotStarted = errors.New("service not started")

// Service owns every long-lived component.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Core components
	queue     *queue.InMemoryQueue
	hub       *feed.Hub
	store     docstore.Store
	injected  docstore.Store
	deduper   dedupe.Deduper
	directory *directory.Directory
	hosted    *hosted.Machine
	hostless  *hostless.Machine
	clock     func() time.Time

	// State
	started   bool
	startedAt time.Time
	timers    atomic.Int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStore uses store instead of opening the configured backend. The
// service closes it on Stop.
func WithStore(store docstore.Store) Option {
	return func(s *Service) {
		s.injected = store
	}
}

// WithClock sets the clock the hostless response window is measured with.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// New constructs a stopped Service. A nil cfg means defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds and starts every component. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger.Info(ctx, "starting tunebuzz service...", logger.String("backend", s.backend()))

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.cfg.ChangeQueueSize))
	s.hub = feed.NewHub(
		feed.WithQueue(s.queue),
		feed.WithRouterWorkers(s.cfg.RouterWorkers),
		feed.WithLogger(s.logger.Named("feed")),
	)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.hub.Start(runCtx)

	store, err := s.openStore(ctx)
	if err != nil {
		cancel()
		_ = s.hub.Close(ctx)
		_ = s.queue.Close()
		return err
	}
	s.store = store

	s.directory = directory.New(store,
		directory.WithLength(s.cfg.JoinCodeLength),
		directory.WithMaxAttempts(s.cfg.JoinCodeMaxAttempts),
		directory.WithLogger(s.logger.Named("directory")),
	)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))

	runnerOpts := []rounds.Option{rounds.WithEnforceOwner(s.cfg.EnforceOwner)}
	s.hosted = hosted.New(
		rounds.NewRunner(store, model.Hosted, runnerOpts...),
		s.directory,
		hosted.WithLogger(s.logger.Named("hosted")),
	)
	hostlessOpts := []hostless.Option{
		hostless.WithResponseWindow(s.cfg.ResponseWindow()),
		hostless.WithDeduper(s.deduper),
		hostless.WithLogger(s.logger.Named("hostless")),
	}
	if s.clock != nil {
		hostlessOpts = append(hostlessOpts, hostless.WithClock(s.clock))
	}
	s.hostless = hostless.New(rounds.NewRunner(store, model.Hostless, runnerOpts...), s.directory, hostlessOpts...)

	s.cancel = cancel
	if s.cfg.AutoAdvance {
		s.wg.Add(1)
		go s.timekeeper(runCtx)
	}

	s.started = true
	s.startedAt = time.Now()
	s.logger.Info(ctx, "tunebuzz service started",
		logger.String("backend", s.backend()),
		logger.Int("routerWorkers", s.cfg.RouterWorkers),
		logger.Int("changeQueueSize", s.cfg.ChangeQueueSize),
		logger.Bool("enforceOwner", s.cfg.EnforceOwner),
		logger.Bool("autoAdvance", s.cfg.AutoAdvance),
	)
	return nil
}

func (s *Service) backend() string {
	if s.injected != nil {
		return "injected"
	}
	return s.cfg.StoreBackend
}

func (s *Service) openStore(ctx context.Context) (docstore.Store, error) {
	if s.injected != nil {
		return s.injected, nil
	}
	switch s.cfg.StoreBackend {
	case config.BackendMemory, "":
		return memstore.New(
			memstore.WithHub(s.hub),
			memstore.WithMaxAttempts(s.cfg.TxMaxAttempts),
			memstore.WithLogger(s.logger.Named("memstore")),
		), nil
	case config.BackendSQLite, config.BackendPostgres:
		driver := "sqlite3"
		if s.cfg.StoreBackend == config.BackendPostgres {
			driver = "postgres"
		}
		store, err := sqlstore.Open(ctx, driver, s.cfg.StoreDSN,
			sqlstore.WithHub(s.hub),
			sqlstore.WithMaxAttempts(s.cfg.TxMaxAttempts),
			sqlstore.WithPollInterval(s.cfg.StorePollInterval()),
			sqlstore.WithLogger(s.logger.Named("sqlstore")),
		)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", s.cfg.StoreBackend, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown store_backend %q", config.ErrInvalidConfig, s.cfg.StoreBackend)
	}
}

// Stop shuts everything down in reverse order of Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping tunebuzz service...")

	s.cancel()
	s.wg.Wait()

	var errs []error
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close hub: %w", err))
	}
	if err := s.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}

	s.started = false
	s.timers.Store(0)
	s.logger.Info(ctx, "tunebuzz service stopped")
	return errors.Join(errs...)
}

// Hosted returns the hosted state machine; nil before Start.
func (s *Service) Hosted() *hosted.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hosted
}

// Hostless returns the hostless state machine; nil before Start.
func (s *Service) Hostless() *hostless.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostless
}

// Directory returns the game directory; nil before Start.
func (s *Service) Directory() *directory.Directory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.directory
}

// Store returns the document store, or ErrNotStarted.
func (s *Service) Store() (docstore.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.store, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":         s.started,
		"backend":         s.backend(),
		"routerWorkers":   s.cfg.RouterWorkers,
		"changeQueueSize": s.cfg.ChangeQueueSize,
		"enforceOwner":    s.cfg.EnforceOwner,
		"autoAdvance":     s.cfg.AutoAdvance,
	}
	if s.started {
		stats["uptimeSeconds"] = int64(time.Since(s.startedAt).Seconds())
		stats["queueLength"] = s.queue.Len(context.Background())
		stats["activeWatches"] = s.hub.Active()
		stats["dedupeEntries"] = s.deduper.Size()
		stats["timers"] = s.timers.Load()
		if m, ok := s.store.(*memstore.Store); ok {
			stats["documents"] = m.Len()
		}
	}
	return stats
}
