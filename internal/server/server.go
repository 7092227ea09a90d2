// Package server exposes the store's status, health and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/qstore/internal/ystore"
)

// Routes.
const (
	StatusPath  = "/qstore/status"
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

const shutdownTimeout = 5 * time.Second

// HealthSource reports store health.
type HealthSource interface {
	Health(ctx context.Context) ystore.Health
}

// Server serves the HTTP endpoints.
type Server struct {
	source   HealthSource
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	router   *mux.Router
}

// New creates a Server. A nil gatherer serves the default registry.
func New(source HealthSource, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{source: source, gatherer: gatherer, logger: logger}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodGet).Path(StatusPath).HandlerFunc(s.status)
	r.Methods(http.MethodGet).Path(HealthPath).HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path(MetricsPath).Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on l until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	s.logger.Info("http server listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	h := s.source.Health(r.Context())
	code := http.StatusOK
	if h.Status != ystore.StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.source.Health(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if h.Status != ystore.StatusOK {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(h.Status + "\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Debug("handled",
			"method", r.Method, "path", r.URL.Path, "status", m.Code, "duration", m.Duration)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
