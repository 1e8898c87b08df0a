// Package api exposes subscription management and operational endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	corslib "github.com/rs/cors"
	"github.com/rs/zerolog"

	"fuel-price-alerts/internal/storage"
	"fuel-price-alerts/internal/trend"
)

// SnapshotSource computes trend snapshots at an instant.
type SnapshotSource interface {
	Snapshots(ctx context.Context, t time.Time) ([]trend.Snapshot, error)
}

// Options configure the router.
type Options struct {
	UserIDHeader string
	EmailHeader  string
	CORSOrigins  []string
}

// Deps are the stores the handlers read and write. Trends is optional.
type Deps struct {
	Subs   storage.SubscriptionStore
	Alerts storage.AlertLog
	Trends SnapshotSource
}

// NewRouter builds the chi router with middleware and routes.
func NewRouter(deps Deps, opts Options, logger zerolog.Logger) *chi.Mux {
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = "X-User-ID"
	}
	if opts.EmailHeader == "" {
		opts.EmailHeader = "X-User-Email"
	}

	h := &handler{deps: deps, logger: logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	if len(opts.CORSOrigins) > 0 {
		c := corslib.New(corslib.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", opts.UserIDHeader, opts.EmailHeader},
		})
		r.Use(c.Handler)
	}

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/alerts/recent", h.recentAlerts)
		r.Get("/trends", h.trends)

		r.Group(func(r chi.Router) {
			r.Use(identity(opts.UserIDHeader, opts.EmailHeader))
			r.Get("/subscriptions", h.getSubscriptions)
			r.Put("/subscriptions", h.putSubscriptions)
		})
	})

	return r
}

// Server wraps http.Server with the router.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer constructs an HTTP server listening on addr.
func NewServer(addr string, handler http.Handler, readTimeout time.Duration, logger zerolog.Logger) *Server {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readTimeout,
			ReadTimeout:       readTimeout,
		},
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	return s.srv.Shutdown(shutdownCtx)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request served")
		})
	}
}
