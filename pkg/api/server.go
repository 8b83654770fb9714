package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/policy"
	"github.com/openfroyo/goalflow/pkg/stores"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// Config wires a Server to the engine and its collaborators. Engine and
// Catalog are required; the rest is optional.
type Config struct {
	Engine  *engine.Engine
	Catalog *config.Compiled

	// Events serves event history and the live stream.
	Events *telemetry.EventPublisher

	// Store answers for change events no longer held by the engine.
	Store stores.Store

	// Policies enables the policy endpoints.
	Policies *policy.Engine

	// Metrics is mounted at /metrics.
	Metrics http.Handler

	// Recorder receives per-request measurements.
	Recorder RequestRecorder

	// WaitTimeout caps the wait endpoint. Default is 60s.
	WaitTimeout time.Duration

	Logger zerolog.Logger
}

// Server exposes the engine over HTTP.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger zerolog.Logger
}

// NewServer builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("api: engine is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("api: catalog is required")
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 60 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		cfg:    cfg,
		router: router,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}

	router.Use(gin.Recovery(), requestLogger(s.logger))
	if cfg.Recorder != nil {
		router.Use(requestMetrics(cfg.Recorder))
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/healthz", s.health)
	if s.cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}

	v1 := r.Group("/api/v1")

	v1.GET("/goals", s.listGoals)
	v1.GET("/goals/:goal", s.getGoal)
	v1.GET("/graphs", s.listGraphs)
	v1.GET("/graphs/:graph", s.getGraph)

	ce := v1.Group("/change-events")
	ce.POST("", s.submit)
	ce.GET("", s.listChangeEvents)
	ce.GET("/:id", s.currentState)
	ce.DELETE("/:id", s.forget)
	ce.GET("/:id/wait", s.wait)
	ce.POST("/:id/cancel", s.cancel)
	ce.POST("/:id/goals/:goal/completion", s.reportCompletion)
	ce.POST("/:id/goals/:goal/pre-approval", s.decide(engine.GatePreApproval))
	ce.POST("/:id/goals/:goal/approval", s.decide(engine.GateApproval))
	ce.POST("/:id/goals/:goal/retry", s.retry)

	if s.cfg.Events != nil {
		ce.GET("/:id/events", s.history)
		ce.GET("/:id/stream", s.stream)
	}

	if s.cfg.Store != nil {
		v1.GET("/snapshots", s.listSnapshots)
		v1.GET("/stats", s.stats)
	}

	if s.cfg.Policies != nil {
		v1.GET("/policies", s.listPolicies)
		v1.GET("/policies/:name", s.getPolicy)
		v1.POST("/policies/:name/enable", s.setPolicyEnabled(true))
		v1.POST("/policies/:name/disable", s.setPolicyEnabled(false))
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when ctx is done so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", ln.Addr().String()).Msg("API listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API: %w", err)
	}
	s.logger.Info().Msg("API stopped")
	return nil
}
