// Package server exposes capture and artifact download over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/coral-mesh/traceme/internal/artifact"
	"github.com/coral-mesh/traceme/internal/capture"
	"github.com/coral-mesh/traceme/internal/metrics"
	"github.com/coral-mesh/traceme/internal/target"
)

// Config contains the server dependencies.
type Config struct {
	Coordinator *Coordinator
	Registry    *artifact.Registry
	// Target describes the profiled process on the index page.
	Target target.Info
	// DefaultSeconds is used when a request carries no usable duration.
	DefaultSeconds int
	// ViewerDir, when set, is served under /speedscope/.
	ViewerDir string
	// Stacks, when set, serves thread stack dumps under /stack.
	Stacks capture.StackDumper
	// StackTimeout bounds one stack dump; zero means DefaultStackTimeout.
	StackTimeout time.Duration
	// Metrics is optional; when nil /metrics is not served.
	Metrics *metrics.Metrics
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	Logger         zerolog.Logger
}

// Server is the sidecar HTTP server.
type Server struct {
	coord          *Coordinator
	registry       *artifact.Registry
	target         target.Info
	defaultSeconds int
	stacks         capture.StackDumper
	stackTimeout   time.Duration
	metrics        *metrics.Metrics
	router         chi.Router
	logger         zerolog.Logger
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil || cfg.Registry == nil {
		return nil, errors.New("server requires a coordinator and a registry")
	}
	s := &Server{
		coord:          cfg.Coordinator,
		registry:       cfg.Registry,
		target:         cfg.Target,
		defaultSeconds: capture.ClampSeconds(cfg.DefaultSeconds),
		stacks:         cfg.Stacks,
		stackTimeout:   cfg.StackTimeout,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With().Str("component", "server").Logger(),
	}
	if cfg.DefaultSeconds == 0 {
		s.defaultSeconds = capture.DefaultSeconds
	}
	if s.stackTimeout <= 0 {
		s.stackTimeout = DefaultStackTimeout
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	r := chi.NewRouter()
	r.Use(requestID(s.logger))
	r.Use(tracing(tp.Tracer("github.com/coral-mesh/traceme/internal/server")))
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Get("/traceme", s.handleTrace)
	r.Get("/traceme/ws", s.handleTraceWS)
	r.Get("/profile/{file}", s.handleProfile)
	r.Get("/profile_list", s.handleProfileList)
	if cfg.Stacks != nil {
		r.Get("/stack", s.handleStack)
	}

	if cfg.ViewerDir != "" {
		fs := http.StripPrefix("/speedscope/", http.FileServer(http.Dir(cfg.ViewerDir)))
		r.Handle("/speedscope/*", fs)
		s.logger.Debug().Str("dir", cfg.ViewerDir).Msg("Serving viewer assets")
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down,
// waiting up to shutdownTimeout for in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}
