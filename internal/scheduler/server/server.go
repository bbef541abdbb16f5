// Package server wires the scheduler service together and runs its HTTP
// surface.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/pathflow-ai/pathflow/internal/platform/cache"
	"github.com/pathflow-ai/pathflow/internal/platform/config"
	"github.com/pathflow-ai/pathflow/internal/platform/health"
	"github.com/pathflow-ai/pathflow/internal/platform/logger"
	"github.com/pathflow-ai/pathflow/internal/platform/messaging/kafka"
	"github.com/pathflow-ai/pathflow/internal/platform/metrics"
	"github.com/pathflow-ai/pathflow/internal/platform/response"
	"github.com/pathflow-ai/pathflow/internal/platform/telemetry"
	"github.com/pathflow-ai/pathflow/internal/scheduler/adapters/http/handlers"
	"github.com/pathflow-ai/pathflow/internal/scheduler/domain/model"
	"github.com/pathflow-ai/pathflow/internal/scheduler/engine"
	"github.com/pathflow-ai/pathflow/internal/scheduler/progress"
	"github.com/pathflow-ai/pathflow/internal/scheduler/store"
	"github.com/pathflow-ai/pathflow/internal/scheduler/tenant"
	"github.com/pathflow-ai/pathflow/pkg/middleware"
)

// Server is the scheduler service
type Server struct {
	config    *config.Config
	logger    logger.Logger
	telemetry *telemetry.Telemetry

	httpServer *http.Server
	metrics    *metrics.Metrics
	store      *store.Store
	tenants    *tenant.Manager
	scheduler  *engine.Scheduler
	driver     *engine.Driver
	hub        *progress.Hub
	mirror     *cache.ProgressMirror
	events     *kafka.EventPublisher
	cron       *cron.Cron

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// Option is a server configuration option
type Option func(*Server)

// WithConfig sets the server config
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.config = cfg }
}

// WithLogger sets the server logger
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.logger = log }
}

// WithTelemetry sets the server telemetry
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = tel }
}

// New creates a new server instance
func New(opts ...Option) (*Server, error) {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}
	return s, nil
}

func (s *Server) initialize() error {
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	m := metrics.New("pathflow", s.telemetry.Registry())
	s.metrics = m

	s.store = store.New()
	s.tenants = tenant.NewManager(s.config.Scheduler.MaxActiveUsers, s.store, s.logger)
	s.hub = progress.NewHub(s.store, m, s.logger)

	if s.config.Redis.Enabled() {
		mirror, err := cache.NewProgressMirror(cache.Config{
			Addr:         s.config.Redis.Addr(),
			Password:     s.config.Redis.Password,
			DB:           s.config.Redis.DB,
			DialTimeout:  s.config.Redis.DialTimeout,
			ReadTimeout:  s.config.Redis.ReadTimeout,
			WriteTimeout: s.config.Redis.WriteTimeout,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect progress mirror: %w", err)
		}
		s.mirror = mirror
	}

	if s.config.Kafka.Enabled() {
		events, err := kafka.NewEventPublisher(kafka.Config{
			Brokers: s.config.Kafka.Brokers,
			Topic:   s.config.Kafka.Topic,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		s.events = events
	}

	s.scheduler = engine.NewScheduler(
		s.store,
		s.config.Scheduler.MaxWorkers,
		s.logger,
		engine.WithProgressPublisher(s.hub),
		engine.WithLifecycleEvents(s.events),
		engine.WithMetrics(m),
		engine.WithTracer(s.telemetry.Tracer()),
	)

	// The executor's progress notifications fan out to subscribers and, when
	// configured, into the Redis mirror.
	s.scheduler.SetExecutor(engine.NewSimulatedExecutor(
		s.store,
		s.notifyProgress,
		s.config.Pipeline.ResultDir,
		s.config.Scheduler.SimulatedSteps,
		s.config.Scheduler.SimulatedStepTime,
		s.logger,
	))

	s.driver = engine.NewDriver(s.baseCtx, s.store, s.scheduler, s.tenants, s.hub, m, s.logger)
	s.driver.SetPipelineDefaults(engine.PipelineDefaults{
		TileSize:    s.config.Pipeline.TileSize,
		TileOverlap: s.config.Pipeline.TileOverlap,
		BatchSize:   s.config.Pipeline.BatchSize,
	})

	if s.config.Scheduler.RetentionMaxAge > 0 {
		s.cron = cron.New()
		maxAge := s.config.Scheduler.RetentionMaxAge
		spec := fmt.Sprintf("@every %s", s.config.Scheduler.RetentionInterval)
		if _, err := s.cron.AddFunc(spec, func() {
			if removed := s.store.PruneTerminalWorkflows(maxAge); removed > 0 {
				s.logger.Info("pruned terminal workflows", "removed", removed)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule retention sweep: %w", err)
		}
	}

	s.setupHTTPServer()
	return nil
}

// notifyProgress is the executor progress callback: fan out to subscribers
// and mirror the latest snapshots.
func (s *Server) notifyProgress(job *model.Job) {
	s.hub.PublishJob(job)
	s.hub.PublishWorkflow(job.WorkflowID)
	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(s.baseCtx, 2*time.Second)
		defer cancel()
		s.mirror.SetJobProgress(ctx, model.NewProgressUpdate(job))
		if workflow, err := s.store.GetWorkflow(job.WorkflowID); err == nil {
			jobs := s.store.ListWorkflowJobs(workflow.ID)
			s.mirror.SetWorkflowProgress(ctx, model.NewWorkflowProgressUpdate(workflow, jobs))
		}
	}
}

func (s *Server) setupHTTPServer() {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.CORS(nil))
	router.Use(logger.HTTPMiddleware(s.logger))
	router.Use(s.metricsMiddleware)

	healthHandler := health.NewHandler(s.config.App.Name, s.config.Version)
	if s.mirror != nil {
		healthHandler.AddCheck("redis", s.mirror.Ping)
	}
	router.Handle("/health", healthHandler).Methods("GET")
	router.Handle("/metrics", s.telemetry.MetricsHandler()).Methods("GET")

	statusHandler := handlers.NewStatusHandler(s.scheduler, s.tenants, s.hub, s.logger)
	statusHandler.RegisterRoutes(router)

	wsHandler := handlers.NewWSHandler(s.store, s.hub, s.logger)
	wsHandler.RegisterRoutes(router)

	apiRouter := router.PathPrefix(s.config.App.APIPrefix).Subrouter()
	workflowHandler := handlers.NewWorkflowHandler(s.store, s.driver, s.scheduler, s.logger)
	workflowHandler.RegisterRoutes(apiRouter)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, response.ErrNotFound)
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
}

// metricsMiddleware records request counts and latency per route
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		s.metrics.ObserveHTTP(r.Method, path, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so WebSocket upgrades work behind the middleware
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Start runs the HTTP server until Shutdown
func (s *Server) Start() error {
	if s.cron != nil {
		s.cron.Start()
	}
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight drivers up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		s.cron.Stop()
	}
	err := s.httpServer.Shutdown(ctx)
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.driver.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with drivers still running")
	}

	if s.events != nil {
		if cerr := s.events.Close(); cerr != nil {
			s.logger.Warn("event publisher close failed", "error", cerr)
		}
	}
	if s.mirror != nil {
		if cerr := s.mirror.Close(); cerr != nil {
			s.logger.Warn("progress mirror close failed", "error", cerr)
		}
	}
	return err
}
