// Package server exposes a pipeline controller over HTTP.
//
// Routes:
//
//   - POST   /v1/runs          multipart upload of "image" files; runs the pipeline
//   - DELETE /v1/runs/current  cancels the active run
//   - GET    /v1/runs/last     result of the most recent finished run
//   - GET    /v1/stages        stage snapshot plus controller state
//   - GET    /v1/requests      outbound request log snapshot
//   - GET    /v1/events        WebSocket stream of stage and request events
//   - GET    /healthz, /readyz health probes, when a [health.Handler] is set
//   - GET    /metrics          Prometheus exposition, when a handler is set
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/lectora/internal/health"
	"github.com/MrWong99/lectora/internal/observe"
	"github.com/MrWong99/lectora/internal/ocr"
	"github.com/MrWong99/lectora/internal/pipeline"
	"github.com/MrWong99/lectora/internal/reqtrace"
	"github.com/MrWong99/lectora/internal/stage"
)

// DefaultMaxUploadBytes caps the multipart body of POST /v1/runs.
const DefaultMaxUploadBytes int64 = 32 << 20

// Runner is the pipeline surface the server drives.
type Runner interface {
	Run(ctx context.Context, images []ocr.Image) (pipeline.Result, error)
	Cancel() bool
	State() pipeline.State
	LastResult() (pipeline.Result, bool)
	Stages() *stage.Tracker
	Tracer() *reqtrace.Tracer
}

var _ Runner = (*pipeline.Controller)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithMaxUploadBytes limits the size of a run upload. Values <= 0 keep the
// default.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithHealth mounts the health probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows cross-origin WebSocket connections from hosts
// matching the given patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server routes HTTP requests to a [Runner].
type Server struct {
	runner         Runner
	maxUpload      int64
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	origins        []string

	handler   http.Handler
	srv       *http.Server
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds the route table for runner.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{
		runner:    runner,
		maxUpload: DefaultMaxUploadBytes,
		closing:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleRun)
	mux.HandleFunc("DELETE /v1/runs/current", s.handleCancel)
	mux.HandleFunc("GET /v1/runs/last", s.handleLast)
	mux.HandleFunc("GET /v1/stages", s.handleStages)
	mux.HandleFunc("GET /v1/requests", s.handleRequests)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, including the request middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until [Server.Shutdown] is called. It returns
// nil after a clean shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until [Server.Shutdown] is called.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// An active run is canceled first so its request can complete, and open
// event streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.runner.Cancel()
	return s.srv.Shutdown(ctx)
}
