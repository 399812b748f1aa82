package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server serves the Twilio webhook, the health probe and the metrics endpoint.
type Server struct {
	opts    Opts
	health  HealthCheck
	metrics *metrics.Collector
	webhook http.Handler
	router  chi.Router
}

// NewServer builds the router. webhook may be nil when Twilio is not the
// transport, in which case the webhook route is not mounted.
func NewServer(health HealthCheck, m *metrics.Collector, webhook http.Handler, opts ...Option) *Server {
	s := &Server{
		opts:    newOpts(opts...),
		health:  health,
		metrics: m,
		webhook: webhook,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	if s.webhook != nil {
		r.Method(http.MethodPost, s.opts.TwilioWebhookPath, s.webhook)
		slog.Debug("Server.routes: Twilio webhook mounted", "path", s.opts.TwilioWebhookPath)
	}
	return r
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until ctx is done, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			slog.Error("Server.Start: listener failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Start: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Start: shutdown failed", "error", err)
		return err
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			slog.Warn("Server.healthHandler: health check failed", "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse("store unavailable"))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, okResponse(nil))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}
