// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiments assembles the experiments service: the resource
// store, permission gate, audit pipeline, integrations, analysis runner,
// job worker and HTTP surface.
//
// # Usage
//
//	svc, err := experiments.New(cfg)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package experiments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/analysis"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/audit"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/auth"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/integrations"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/jobs"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/observability"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/permissions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/routes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/services"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "experiments-service"

// Service is a runnable experiments server.
type Service interface {
	// Run serves HTTP and processes jobs until ctx is cancelled, then
	// shuts down gracefully and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine.
	Router() *gin.Engine

	// Close releases resources without serving. Used when Run is never
	// called, such as in tests.
	Close()
}

// TrackConfig configures SDK ingest rate limiting.
type TrackConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	MaxKeys       int     `yaml:"max_keys"`
}

// Config configures the experiments service.
//
// # Fields
//
//   - Port: HTTP port. Default: 12220.
//   - GinMode: "release", "debug" or "test". Default: "release".
//   - OTelEndpoint: OTLP gRPC collector. Empty disables trace export.
//   - Store: Badger settings. Default: in-memory when Path is empty.
//   - Auth: JWT settings. An empty secret selects the local admin provider.
//   - PolicyFile: Role policy YAML, hot reloaded. Empty uses the defaults.
//   - Redis: Job queue. An empty Addr selects the in-process queue.
//   - Users: Directory entries seeded at startup.
type Config struct {
	Port            int           `yaml:"port"`
	GinMode         string        `yaml:"gin_mode"`
	OTelEndpoint    string        `yaml:"otel_endpoint"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Store      store.Config   `yaml:"store"`
	Auth       auth.JWTConfig `yaml:"auth"`
	PolicyFile string         `yaml:"policy_file"`

	Redis     jobs.RedisConfig  `yaml:"redis"`
	QueueSize int               `yaml:"queue_size"`
	Worker    jobs.WorkerConfig `yaml:"worker"`

	Analysis            analysis.Config             `yaml:"analysis"`
	DefaultAnalysisDays int                         `yaml:"default_analysis_days"`
	Postgres            integrations.PostgresConfig `yaml:"postgres"`
	Track               TrackConfig                 `yaml:"track"`

	AuditBufferSize int `yaml:"audit_buffer_size"`
	HistoryLimit    int `yaml:"history_limit"`

	Users []datatypes.User `yaml:"users"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

type service struct {
	config   Config
	logger   *slog.Logger
	router   *gin.Engine
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store    *store.Store
	audit    *audit.Dispatcher
	watcher  *permissions.PolicyWatcher
	resolver *integrations.Resolver
	runner   *analysis.Runner
	queue    jobs.Queue
	worker   *jobs.Worker

	tracerCleanup func(context.Context)
}

// New builds the service from cfg.
//
// # Description
//
// Opens the store, seeds the user directory, and wires every component.
// Nothing is served until Run. On error every resource opened so far is
// released.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Store, policy, auth, queue or tracer setup failure.
func New(cfg Config) (Service, error) {
	s := &service{
		config:   applyConfigDefaults(cfg),
		registry: prometheus.NewRegistry(),
	}
	s.logger = s.config.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := s.init(); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

func (s *service) init() error {
	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	storeCfg := s.config.Store
	if storeCfg.Logger == nil {
		storeCfg.Logger = s.logger
	}
	st, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st
	if err := s.seedUsers(context.Background()); err != nil {
		return err
	}

	opts, err := s.initExtensions()
	if err != nil {
		return err
	}

	s.resolver = integrations.NewResolver(st)
	s.resolver.Register(datatypes.DatasourcePostgres, integrations.NewPostgresFactory(s.config.Postgres))

	analysisCfg := s.config.Analysis
	analysisCfg.OnFinish = func(_ string, status datatypes.AnalysisStatus, elapsed time.Duration) {
		s.metrics.RecordAnalysis(string(status), elapsed)
	}
	s.runner = analysis.NewRunner(st, analysisCfg)

	if err := s.initQueue(); err != nil {
		return err
	}

	svc := s.initServices(opts)
	s.initRouter(svc, opts.AuthProvider)
	return nil
}

// initExtensions builds the auth provider, permission gate and audit
// pipeline.
func (s *service) initExtensions() (extensions.ServiceOptions, error) {
	opts := extensions.DefaultOptions()

	if s.config.Auth.Secret != "" {
		provider, err := auth.NewJWTProvider(s.config.Auth)
		if err != nil {
			return opts, fmt.Errorf("failed to initialize auth: %w", err)
		}
		opts = opts.WithAuth(provider)
	} else {
		s.logger.Warn("No JWT secret configured; every request acts as the local admin")
	}

	policy := permissions.DefaultPolicy()
	if s.config.PolicyFile != "" {
		loaded, err := permissions.LoadPolicyFile(s.config.PolicyFile)
		if err != nil {
			return opts, fmt.Errorf("failed to load role policy: %w", err)
		}
		policy = loaded
	}
	gate := permissions.NewGate(policy)
	if s.config.PolicyFile != "" {
		w, err := permissions.NewPolicyWatcher(s.config.PolicyFile, gate, func(err error) {
			if err != nil {
				s.logger.Warn("Role policy reload rejected", "path", s.config.PolicyFile, "error", err)
				return
			}
			s.logger.Info("Role policy reloaded", "path", s.config.PolicyFile, "roles", gate.Roles())
		})
		if err != nil {
			return opts, fmt.Errorf("failed to watch role policy: %w", err)
		}
		s.watcher = w
	}
	opts = opts.WithPermissions(gate)

	s.audit = audit.NewDispatcher(audit.Config{
		BufferSize: s.config.AuditBufferSize,
		OnDelivered: func(_ extensions.AuditEvent, failures int) {
			s.metrics.RecordAudit(failures)
		},
	}, s.store, s.logger,
		audit.StoreSink{Store: s.store},
		audit.LogSink{Logger: s.logger},
	)
	opts = opts.WithAudit(s.audit)
	return opts.Complete(), nil
}

func (s *service) initQueue() error {
	if s.config.Redis.Addr == "" {
		s.queue = jobs.NewMemoryQueue(s.config.QueueSize)
		s.logger.Info("Using in-process job queue", "size", s.config.QueueSize)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q, err := jobs.NewRedisQueue(ctx, s.config.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect job queue: %w", err)
		}
		s.queue = q
		s.logger.Info("Using Redis job queue", "addr", s.config.Redis.Addr)
	}

	workerCfg := s.config.Worker
	workerCfg.OnResult = func(jobType string, err error) {
		s.metrics.RecordJob(jobType, err, errors.Is(err, jobs.ErrPermanent))
	}
	s.worker = jobs.NewWorker(s.queue, workerCfg)
	return nil
}

func (s *service) initServices(opts extensions.ServiceOptions) routes.Services {
	metricSvc := services.NewMetricService(services.MetricServiceConfig{
		Metrics:             s.store,
		Datasources:         s.store,
		Usage:               s.store,
		Settings:            s.store,
		Gate:                opts.PermissionGate,
		Audit:               opts.AuditLogger,
		Integrations:        s.resolver,
		Runner:              s.runner,
		DefaultAnalysisDays: s.config.DefaultAnalysisDays,
	})
	autoSvc := services.NewAutoMetricService(services.AutoMetricServiceConfig{
		Metrics:      s.store,
		Datasources:  s.store,
		Users:        s.store,
		Gate:         opts.PermissionGate,
		Audit:        opts.AuditLogger,
		Integrations: s.resolver,
		Queue:        s.queue,
	})
	s.worker.Register(jobs.TypeCreateAutoGeneratedMetrics, autoSvc.HandleCreateJob)

	return routes.Services{
		Metrics:     metricSvc,
		AutoMetrics: autoSvc,
		Datasources: services.NewDatasourceService(services.DatasourceServiceConfig{
			Datasources: s.store,
			Gate:        opts.PermissionGate,
			Audit:       opts.AuditLogger,
		}),
		Templates: services.NewTemplateService(services.TemplateServiceConfig{
			Templates:   s.store,
			Metrics:     s.store,
			Datasources: s.store,
			Gate:        opts.PermissionGate,
			Audit:       opts.AuditLogger,
		}),
		Track: services.NewTrackService(services.TrackServiceConfig{
			Store:         s.store,
			RatePerSecond: s.config.Track.RatePerSecond,
			Burst:         s.config.Track.Burst,
			MaxKeys:       s.config.Track.MaxKeys,
			OnAccepted: func(kind datatypes.TrackKind) {
				s.metrics.RecordTracked(string(kind))
			},
		}),
		History:    services.NewHistoryService(opts.AuditLogger, opts.PermissionGate, s.config.HistoryLimit),
		Rejections: s.metrics,
	}
}

func (s *service) initRouter(svc routes.Services, provider extensions.AuthProvider) {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))
	s.router.Use(s.metrics.Middleware())

	prom := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
	routes.SetupRoutes(s.router, svc, provider, prom)
}

func (s *service) seedUsers(ctx context.Context) error {
	for _, u := range s.config.Users {
		if u.ID == "" {
			return errors.New("seeded user without id")
		}
		if err := s.store.PutUser(ctx, u); err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.ID, err)
		}
	}
	if n := len(s.config.Users); n > 0 {
		s.logger.Info("Seeded user directory", "count", n)
	}
	return nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the worker, the policy watcher and the HTTP server.
//
// # Description
//
// Blocks until ctx is cancelled or the server fails. On return the HTTP
// server has drained (bounded by ShutdownTimeout) and every resource is
// released.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.worker.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start job worker: %w", err)
	}
	if s.watcher != nil {
		go s.watcher.Start(runCtx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting experiments server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down experiments server")
	shutdownCtx, done := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases resources. Safe to call when Run was never called.
func (s *service) Close() {
	s.cleanup()
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// DefaultConfig returns the configuration New uses for a zero Config.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{})
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12220
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Store.Path == "" {
		cfg.Store.InMemory = true
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	defaults := jobs.DefaultWorkerConfig()
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = defaults.Concurrency
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Worker.RetryDelay <= 0 {
		cfg.Worker.RetryDelay = defaults.RetryDelay
	}
	if cfg.Worker.JobTimeout <= 0 {
		cfg.Worker.JobTimeout = defaults.JobTimeout
	}
	if cfg.DefaultAnalysisDays <= 0 {
		cfg.DefaultAnalysisDays = services.DefaultAnalysisDays
	}
	return cfg
}

// initTracer exports spans to the configured OTLP collector.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (internal networks only).
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

// cleanup stops producers before the resources they write to.
func (s *service) cleanup() {
	if s.worker != nil {
		s.worker.Stop()
		s.worker = nil
	}
	if s.runner != nil {
		s.runner.Close()
		s.runner = nil
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("Policy watcher stop error", "error", err)
		}
		s.watcher = nil
	}
	if s.audit != nil {
		s.audit.Close()
		s.audit = nil
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Warn("Job queue close error", "error", err)
		}
		s.queue = nil
	}
	if s.resolver != nil {
		if err := s.resolver.Close(); err != nil {
			s.logger.Warn("Integration close error", "error", err)
		}
		s.resolver = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Store close error", "error", err)
		}
		s.store = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}
