package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/okian/tunebuzz/internal/adapters/http/api"
	"github.com/okian/tunebuzz/internal/adapters/http/swagger"
	app "github.com/okian/tunebuzz/internal/app"
	"github.com/okian/tunebuzz/internal/config"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

// HTTP server timeout constants. There is no write timeout: watch
// connections are long-lived.
const (
	readTimeout               = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

// flags holds command-line values. Only flags the user set override the
// loaded configuration.
type flags struct {
	configFile  string
	envFile     string
	addr        string
	logLevel    string
	logFormat   string
	backend     string
	dsn         string
	autoAdvance bool
}

func newCmd() *cobra.Command {
	return newCommand(&flags{})
}

func newCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tunebuzz",
		Short:   "Real-time multiplayer guess-the-song game server.",
		Args:    cobra.NoArgs,
		Version: releaseVersion,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd.Context(), cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&f.configFile, "config", "c", "", "path to a YAML config file (env: TUNEBUZZ_CONFIG)")
	fs.StringVar(&f.envFile, "env-file", ".env", "path to a .env file; missing is fine")
	fs.StringVarP(&f.addr, "addr", "a", "", "address to listen on (env: TUNEBUZZ_ADDR)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (env: TUNEBUZZ_LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", "", "text or json (env: TUNEBUZZ_LOG_FORMAT)")
	fs.StringVar(&f.backend, "store-backend", "", "memory, sqlite or postgres (env: TUNEBUZZ_STORE_BACKEND)")
	fs.StringVar(&f.dsn, "store-dsn", "", "data source name for sql backends (env: TUNEBUZZ_STORE_DSN)")
	fs.BoolVar(&f.autoAdvance, "auto-advance", false, "expire hostless response windows server-side (env: TUNEBUZZ_AUTO_ADVANCE)")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("tunebuzz v{{.Version}}\n")
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// load reads configuration and applies flags the user set explicitly.
func (f *flags) load(ctx context.Context, fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(ctx, config.WithDotEnv(f.envFile), config.WithConfigFile(f.configFile))
	if err != nil {
		return nil, err
	}
	if fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if fs.Changed("store-backend") {
		cfg.StoreBackend = f.backend
	}
	if fs.Changed("store-dsn") {
		cfg.StoreDSN = f.dsn
	}
	if fs.Changed("auto-advance") {
		cfg.AutoAdvance = f.autoAdvance
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(parent context.Context, cfg *config.Config) error {
	// Disable default Go metrics collection to avoid duplicate metrics
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize logging
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	if parent == nil {
		parent = context.Background()
	}
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	// Create and start the service from configuration
	svc := app.New(cfg, app.WithLogger(log.Named("service")))
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			log.Error(stopCtx, "service shutdown failed", logger.Error(err))
		}
	}()

	// Start system and service metrics updaters
	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(svc, cfg),
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// Start the HTTP server
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for a shutdown signal or a server failure
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newRouter registers the game API and its documentation.
func newRouter(svc *app.Service, cfg *config.Config) *httprouter.Router {
	router := httprouter.New()
	api.NewServer(svc, svc,
		api.WithStandingsTop(cfg.StandingsTop),
		api.WithLogger(logger.Named("api")),
	).Register(router)
	swagger.Register(router)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found"}`))
	})
	return router
}

// startSystemMetricsUpdater updates system metrics until ctx is done.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater publishes service stats as gauges until ctx is done.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	// Update memory usage and goroutine count
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	// Update average GC pause time
	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics updates service-level metrics.
func updateServiceMetrics(svc *app.Service) {
	stats := svc.GetStats()

	if n, ok := stats["routerWorkers"].(int); ok {
		metrics.UpdateRouterWorkers(n)
	}
	if n, ok := stats["changeQueueSize"].(int); ok {
		metrics.UpdateQueueCapacity(n)
	}
	if n, ok := stats["activeWatches"].(int); ok {
		metrics.UpdateWatchesActive(n)
	}
}
