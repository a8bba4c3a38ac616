package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/n3tuk/lfs-lock-service/internal/access"
	"github.com/n3tuk/lfs-lock-service/internal/config"
	"github.com/n3tuk/lfs-lock-service/internal/handlers"
	"github.com/n3tuk/lfs-lock-service/internal/health"
	"github.com/n3tuk/lfs-lock-service/internal/identity"
	"github.com/n3tuk/lfs-lock-service/internal/metrics"
	"github.com/n3tuk/lfs-lock-service/internal/middleware"
	"github.com/n3tuk/lfs-lock-service/internal/registry"
	"github.com/n3tuk/lfs-lock-service/internal/scheduler"
	"github.com/n3tuk/lfs-lock-service/internal/store"
)

// Server manages the three HTTP servers (API, Probe, Metrics) and the lock
// storage behind the API.
type Server struct {
	cfg           *config.Config
	logger        *zap.Logger
	apiServer     *http.Server
	probeServer   *http.Server
	metricsServer *http.Server
	shutdownChan  chan struct{}
	shutdownOnce  sync.Once

	metrics      *metrics.Metrics
	storeMetrics *store.StoreMetrics
	provider     store.Provider
	registry     *registry.Registry
	health       *health.Manager
	scheduler    *scheduler.Scheduler
}

// New creates a new Server instance. It opens the lock store, discovers
// the repositories to serve and schedules the background jobs; nothing
// listens until Start is called.
func New(cfg *config.Config, logger *zap.Logger, buildInfo map[string]string) (*Server, error) {
	ctx := context.Background()

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		shutdownChan: make(chan struct{}),
		metrics:      metrics.NewMetrics(cfg.MetricsNamespace, buildInfo),
	}

	provider, err := store.NewProvider(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock store: %w", err)
	}
	s.provider = provider
	s.storeMetrics = store.NewStoreMetrics(cfg.MetricsNamespace, provider.Backend(), s.metrics.Registry())

	if err := s.setupRegistry(ctx); err != nil {
		_ = provider.Close(ctx)
		return nil, err
	}

	s.setupHealth()

	if err := s.setupScheduler(); err != nil {
		_ = provider.Close(ctx)
		return nil, err
	}

	s.setupServers()

	return s, nil
}

// setupRegistry loads the access rules and performs the first repository
// scan.
func (s *Server) setupRegistry(ctx context.Context) error {
	var rules *access.Rules
	if s.cfg.PolicyFile != "" {
		var err error
		rules, err = access.LoadRules(s.cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to load lock policy: %w", err)
		}
		s.logger.Info("Loaded lock policy", zap.String("file", s.cfg.PolicyFile))
	}

	reg, err := registry.New(ctx, s.provider, registry.Options{
		Root:           s.cfg.RepositoriesRoot,
		DefaultRef:     s.cfg.DefaultRef,
		NormalizePaths: s.cfg.NormalizePaths,
		Rules:          rules,
		Metrics:        s.storeMetrics,
	}, s.logger)
	if err != nil {
		return err
	}
	s.registry = reg
	s.metrics.RepositoriesServed.Set(float64(len(reg.Names())))

	return nil
}

// setupHealth registers the startup and readiness checks.
func (s *Server) setupHealth() {
	s.health = health.NewManager(s.logger, s.cfg.HealthCheckCacheDuration, s.cfg.HealthCheckTimeout)

	singleNode := true
	quorum := 1
	if s.cfg.Store.Backend == store.BackendOlric {
		singleNode = s.cfg.Store.Olric.IsSingleNode()
		quorum = s.cfg.Store.Olric.MemberCountQuorum
	}

	s.health.RegisterChecker(health.NewRepositoriesChecker(s.logger, s.registry))
	s.health.RegisterChecker(store.NewConnectionHealthChecker(s.logger, s.provider))
	s.health.RegisterChecker(store.NewClusterHealthChecker(s.logger, s.provider, quorum, singleNode))
	s.health.RegisterChecker(store.NewStorageHealthChecker(s.logger, s.provider))
	s.health.RegisterChecker(health.NewServerChecker())
	s.health.RegisterChecker(health.NewReadinessChecker())
}

// setupScheduler schedules metric collection and, when configured, the
// repository rescan.
func (s *Server) setupScheduler() error {
	s.scheduler = scheduler.New(s.logger)

	collector := store.NewStatsCollector(s.logger, s.provider, s.registry, s.storeMetrics)
	err := s.scheduler.AddJob("collect-metrics", s.cfg.MetricsCollectSchedule, func(ctx context.Context) {
		s.metrics.UpdateRuntimeMetrics()
		collector.Collect(ctx)
	})
	if err != nil {
		return err
	}

	if s.cfg.RescanSchedule != "" {
		if err := s.scheduler.AddJob("rescan-repositories", s.cfg.RescanSchedule, s.rescan); err != nil {
			return err
		}
	}

	return nil
}

// rescan refreshes the set of served repositories.
func (s *Server) rescan(ctx context.Context) {
	if err := s.registry.Refresh(ctx); err != nil {
		s.metrics.RepositoryRescansTotal.WithLabelValues("error").Inc()
		s.logger.Error("Failed to rescan repositories", zap.Error(err))
		return
	}
	s.metrics.RepositoryRescansTotal.WithLabelValues("success").Inc()
	s.metrics.RepositoriesServed.Set(float64(len(s.registry.Names())))
}

// setupServers configures the three HTTP servers.
func (s *Server) setupServers() {
	s.apiServer = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.APIHost, fmt.Sprint(s.cfg.APIPort)),
		Handler:      s.setupAPIRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSEnabled {
		s.apiServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	s.probeServer = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.ProbeHost, fmt.Sprint(s.cfg.ProbePort)),
		Handler:      s.setupProbeRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	s.metricsServer = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.MetricsHost, fmt.Sprint(s.cfg.MetricsPort)),
		Handler:      s.setupMetricsRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// setupAPIRouter creates the API server router with middleware.
func (s *Server) setupAPIRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggingMiddleware(s.logger, "api"))
	r.Use(middleware.RecovererMiddleware(s.logger))
	r.Use(middleware.MetricsMiddleware(s.metrics, s.logger))
	if s.cfg.TrustedUserHeader != "" {
		r.Use(identity.TrustedHeader(s.cfg.TrustedUserHeader))
	}

	lockHandlers := handlers.NewLockHandlers(s.registry, s.logger, s.metrics, s.cfg.DocumentationURL)
	setupAPIRoutes(r, s.logger, lockHandlers)

	return r
}

// setupProbeRouter creates the probe server router.
func (s *Server) setupProbeRouter() *chi.Mux {
	r := chi.NewRouter()
	setupProbeRoutes(r, s.logger, s.health, s.metrics)
	return r
}

// setupMetricsRouter creates the metrics server router.
func (s *Server) setupMetricsRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return r
}

// Start starts all three HTTP servers and the scheduler.
func (s *Server) Start() error {
	errChan := make(chan error, 3)

	serve := func(name string, srv *http.Server, listen func() error) {
		s.logger.Info("Starting "+name+" server", zap.String("addr", srv.Addr))
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("%s server error: %w", name, err)
		}
	}

	go serve("API", s.apiServer, func() error {
		if s.cfg.TLSEnabled {
			return s.apiServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		}
		return s.apiServer.ListenAndServe()
	})
	go serve("probe", s.probeServer, s.probeServer.ListenAndServe)
	go serve("metrics", s.metricsServer, s.metricsServer.ListenAndServe)

	// Wait a bit to see if any server fails to start
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-errChan:
		return err
	default:
	}

	s.scheduler.Start()
	s.health.SetServersRunning(true)
	go s.updateUptime()

	return nil
}

// updateUptime updates the uptime metric periodically.
func (s *Server) updateUptime() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.metrics.AppUptimeSeconds.Add(1)
		case <-s.shutdownChan:
			return
		}
	}
}

// Shutdown gracefully shuts down all servers, then the scheduler and the
// lock store. The probe server stops last so readiness reflects the
// shutdown while requests drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down servers gracefully")

	s.shutdownOnce.Do(func() { close(s.shutdownChan) })
	s.health.SetShuttingDown(true)

	var errs []error

	s.logger.Info("Shutting down API server")
	if err := s.apiServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("API server shutdown error: %w", err))
	}

	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown error: %w", err))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, srv := range map[string]*http.Server{"metrics": s.metricsServer, "probe": s.probeServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("Shutting down " + name + " server")
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s server shutdown error: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := s.provider.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("lock store shutdown error: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("All servers shut down successfully")
	return nil
}

// WaitForServers waits for all servers to be ready.
func (s *Server) WaitForServers(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if checkServer(s.apiServer.Addr) &&
			checkServer(s.probeServer.Addr) &&
			checkServer(s.metricsServer.Addr) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("servers did not become ready within %s", timeout)
}

// checkServer checks if a server is listening on the given address.
func checkServer(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
