package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/tsroute/internal/config"
	"github.com/3leaps/tsroute/internal/observability"
	"github.com/3leaps/tsroute/internal/server"
	"github.com/3leaps/tsroute/internal/server/handlers"
	"github.com/3leaps/tsroute/pkg/dispatch"
	"github.com/3leaps/tsroute/pkg/jobs"
	"github.com/3leaps/tsroute/pkg/lifecycle"
	"github.com/3leaps/tsroute/pkg/metrics"
	"github.com/3leaps/tsroute/pkg/objectstore"
	"github.com/3leaps/tsroute/pkg/router"
	"github.com/3leaps/tsroute/pkg/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the routing and job service",
	Long: `Run the HTTP service: route and deliver writes, expose the active routing
configuration, and run background chunk jobs.

SIGHUP reloads the routing configuration file. SIGINT or SIGTERM shut down
gracefully.

Examples:
  tsroute serve --routes routes.yaml
  tsroute serve --config tsroute.yaml --port 9000`,
	RunE: runServe,
}

// serveFlagKeys maps serve flags to config keys.
var serveFlagKeys = map[string]string{
	"host":    "server.host",
	"port":    "server.port",
	"routes":  "router.config_path",
	"workers": "workers",
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "Listen host")
	serveCmd.Flags().Int("port", 8080, "Listen port")
	serveCmd.Flags().String("routes", "", "Routing configuration file (YAML or JSON)")
	serveCmd.Flags().Int("workers", 4, "Concurrent job tasks")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, flagOverrides(cmd, serveFlagKeys))
	if err != nil {
		return exitError(ExitConfig, "Invalid configuration", err)
	}

	level := cfg.Logging.Level
	if cfg.Debug.Enabled || verbose {
		level = "debug"
	}
	logger, err := observability.NewLogger(level, cfg.Logging.Profile)
	if err != nil {
		return exitError(ExitConfig, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.run(ctx)
}

// service holds the wired components of a running node.
type service struct {
	cfg    *config.Config
	logger *zap.Logger

	registry   *prometheus.Registry
	store      objectstore.Store
	mux        *transport.Mux
	router     *router.Router
	tracker    *jobs.Tracker
	dispatcher *dispatch.Dispatcher
	reaper     *jobs.Reaper
	server     *server.Server
	metricsSrv *server.Server

	// jobsCtx bounds every job started over the API; stopJobs cancels the
	// tasks that have not started yet.
	jobsCtx  context.Context
	stopJobs context.CancelFunc
}

func newService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *service, err error) {
	s := &service{cfg: cfg, logger: logger}
	s.jobsCtx, s.stopJobs = context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		if err != nil {
			_ = s.close(context.Background())
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(s.registry, metrics.DefaultNamespace)
	}

	s.store, err = openStore(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, exitError(ExitUnavailable, "Cannot open object store", err)
	}
	db, err := objectstore.NewDatabase(s.store, cfg.ObjectStore.ServerID, cfg.ObjectStore.Database)
	if err != nil {
		return nil, exitError(ExitConfig, "Invalid database configuration", err)
	}
	logger.Info("object store opened",
		zap.String("backend", cfg.ObjectStore.Backend),
		zap.Uint32("server_id", db.ServerID()),
		zap.String("database", db.Name()),
	)

	s.mux, err = newTransport(cfg.Transport)
	if err != nil {
		return nil, exitError(ExitConfig, "Invalid transport configuration", err)
	}

	s.router = router.New(
		router.WithLogger(logger.Named("router")),
		router.WithMetrics(m),
		router.WithDeliverer(s.mux),
		router.WithDeliveryTimeout(cfg.Router.DeliveryTimeout),
	)
	if cfg.Router.ConfigPath != "" {
		if err := s.router.LoadFile(cfg.Router.ConfigPath); err != nil {
			return nil, exitError(ExitInvalidData, "Invalid routing configuration", err)
		}
	} else {
		logger.Warn("no routing configuration given; writes fail until one is loaded")
	}

	s.tracker = jobs.NewTracker(jobs.WithLogger(logger.Named("jobs")), jobs.WithMetrics(m))
	s.dispatcher = dispatch.New(s.tracker, dispatch.Config{
		Workers:        cfg.Workers,
		TasksPerSecond: cfg.Jobs.TasksPerSecond,
	}, dispatch.WithLogger(logger.Named("dispatch")))

	var archive *jobs.Archive
	if cfg.Jobs.ArchiveDir != "" {
		archive = jobs.NewArchive(cfg.Jobs.ArchiveDir)
		logger.Info("job archive enabled", zap.String("dir", archive.RootDir()))
	}
	s.reaper = &jobs.Reaper{
		Tracker:   s.tracker,
		Archive:   archive,
		RetainFor: cfg.Jobs.RetainFor,
		Every:     cfg.Jobs.ReapEvery,
		Logger:    logger.Named("reaper"),
	}

	buffer := lifecycle.NewBuffer()
	manager := lifecycle.New(s.tracker, s.dispatcher, db, buffer, lifecycle.WithLogger(logger.Named("lifecycle")))

	health := handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		health.RegisterChecker("router", routerHealthChecker{router: s.router})
		health.RegisterChecker("objectstore", storeHealthChecker{db: db})
	}
	if id := GetAppIdentity(); id != nil {
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	opts := []server.Option{
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
		server.WithBuildInfo(handlers.BuildInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithPprof(cfg.Debug.PprofEnabled),
	}
	if s.registry != nil {
		opts = append(opts, server.WithMetrics(s.registry))
		if cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Server.Port {
			s.metricsSrv = server.MetricsServer(cfg.Server.Host, cfg.Metrics.Port, s.registry, opts...)
		}
	}
	opts = append(opts, server.WithAPI(&handlers.API{
		Router:     s.router,
		Tracker:    s.tracker,
		Archive:    archive,
		Lifecycle:  manager,
		Buffer:     buffer,
		ConfigPath: cfg.Router.ConfigPath,
		JobContext: s.jobsCtx,
		Logger:     logger.Named("api"),
	}))
	s.server = server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	return s, nil
}

func openStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	if cfg.Backend == config.BackendS3 {
		store, err := objectstore.NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := objectstore.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newTransport(cfg config.TransportConfig) (*transport.Mux, error) {
	nodes, err := cfg.NodeAddresses()
	if err != nil {
		return nil, err
	}
	httpNodes, err := transport.NewHTTPNodes(transport.HTTPConfig{
		Nodes:       nodes,
		WritePath:   cfg.WritePath,
		Compression: cfg.Compression,
		Timeout:     cfg.Timeout,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &transport.Mux{
		Nodes: httpNodes,
		Queue: transport.NewQueue(transport.URLOpener(cfg.QueuePrefix)),
	}, nil
}

// run serves until ctx ends, then cancels queued job tasks, waits up to the
// shutdown timeout for running ones and releases every component.
func (s *service) run(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.server.Start(gctx) })
	if s.metricsSrv != nil {
		g.Go(func() error { return s.metricsSrv.Start(gctx) })
	}
	g.Go(func() error {
		s.reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				s.reload()
			}
		}
	})

	s.logger.Info("tsroute started",
		zap.String("addr", s.server.Addr()),
		zap.String("version", versionInfo.Version),
		zap.Int("workers", s.cfg.Workers),
	)
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	s.stopJobs()
	derr := s.dispatcher.Drain(shutdownCtx)
	if derr != nil {
		s.logger.Warn("job tasks still running at shutdown", zap.Error(derr))
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	err = multierr.Combine(err, s.close(shutdownCtx))
	if derr != nil {
		err = multierr.Append(err, fmt.Errorf("drain jobs: %w", derr))
	}
	if err != nil {
		return exitError(ExitFailure, "Service stopped with errors", err)
	}
	s.logger.Info("tsroute stopped")
	return nil
}

func (s *service) reload() {
	path := s.cfg.Router.ConfigPath
	if path == "" {
		s.logger.Warn("SIGHUP ignored: no routing configuration path")
		return
	}
	if err := s.router.LoadFile(path); err != nil {
		s.logger.Error("routing configuration reload rejected", zap.String("path", path), zap.Error(err))
	}
}

func (s *service) close(ctx context.Context) error {
	if s.stopJobs != nil {
		s.stopJobs()
	}
	var err error
	if s.mux != nil {
		err = multierr.Append(err, s.mux.Close(ctx))
	}
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
	}
	return err
}

type routerHealthChecker struct {
	router *router.Router
}

func (c routerHealthChecker) CheckHealth(context.Context) error {
	if _, ok := c.router.Snapshot(); !ok {
		return router.ErrNotLoaded
	}
	return nil
}

type storeHealthChecker struct {
	db *objectstore.Database
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := c.db.CatalogTransactions(ctx)
	return err
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("app identity missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("app identity missing env prefix")
	case c.configName == "":
		return fmt.Errorf("app identity missing config name")
	}
	return nil
}
