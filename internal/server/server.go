// Package server exposes the synchronization engine to a rendering layer over HTTP. Views are
// served as JSON snapshots or as Server-Sent Event streams; actions are proxied through the
// engine's action gateway.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchestro/console/internal/engine"
	"github.com/orchestro/console/internal/metrics"
	"github.com/orchestro/console/pkg/api/client"
	"github.com/orchestro/console/pkg/logger"
)

const (
	defaultHeartbeat   = 15 * time.Second
	healthCheckTimeout = 2 * time.Second
)

// Backend is the part of the orchestro API the surface calls directly. *client.Client
// implements it.
type Backend interface {
	Health(ctx context.Context) error
	ListBackups(ctx context.Context, projectID int64) ([]client.Backup, error)
	DownloadBackup(ctx context.Context, backupID int64, w io.Writer) (int64, error)
}

// Option customises a Server.
type Option func(*Server)

// WithHeartbeat sets the interval of SSE keepalive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithGatherer selects the registry served on /metrics. Defaults to the global registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// Server hosts the dashboard HTTP surface.
type Server struct {
	engine    *engine.Engine
	api       Backend
	router    chi.Router
	logger    *slog.Logger
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	heartbeat time.Duration
}

// New constructs a server ready to serve HTTP traffic. logger and m may be nil.
func New(e *engine.Engine, api Backend, l *slog.Logger, m *metrics.Metrics, opts ...Option) *Server {
	if l == nil {
		l = logger.Discard()
	}
	s := &Server{
		engine:    e,
		api:       api,
		router:    chi.NewRouter(),
		logger:    l.With("component", "http"),
		metrics:   m,
		gatherer:  prometheus.DefaultGatherer,
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// ServeHTTP conforms to http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimid.RequestID)
	r.Use(chimid.Recoverer)
	r.Use(s.audit)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(api chi.Router) {
		api.Get("/overview", s.handleOverview)
		api.Get("/overview/events", s.handleOverviewEvents)

		api.Route("/projects", func(pr chi.Router) {
			pr.Post("/", s.handleCreateProject)
			pr.Route("/{id}", func(p chi.Router) {
				p.Use(s.projectContext)
				p.Get("/", s.handleProject)
				p.Put("/", s.handleUpdateProject)
				p.Delete("/", s.handleDeleteProject)
				p.Get("/events", s.handleProjectEvents)
				p.Post("/logs/{kind}/clear", s.handleClearLog)
				p.Post("/deploy", s.handleDeploy)
				p.Post("/pause", s.handlePause)
				p.Post("/resume", s.handleResume)
				p.Post("/env", s.handleCreateEnv)
				p.Delete("/env/{envId}", s.handleDeleteEnv)
				p.Post("/volumes", s.handleAddVolume)
				p.Delete("/volumes/{volumeId}", s.handleDeleteVolume)
				p.Post("/backups", s.handleCreateBackup)
				p.Get("/backups", s.handleListBackups)
			})
		})
		api.Get("/backups/{id}/download", s.handleDownloadBackup)
	})
}

func (s *Server) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = strings.TrimSuffix(pattern, "/")
				if route == "" {
					route = "/"
				}
			}
		}
		s.metrics.HTTPRequest(r.Method, route, status, duration)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if reqID := chimid.GetReqID(r.Context()); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			s.logger.Warn("http_request", fields...)
		default:
			s.logger.Info("http_request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
