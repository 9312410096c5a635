// Package api exposes the panel data over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/models"
	"github.com/cbmmg/painel-centrais/internal/query"
)

// Store is the audit side of the database the API reports on.
type Store interface {
	SyncHistory(ctx context.Context, limit int) ([]models.SyncLogEntry, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}

type Server struct {
	facade  *query.Facade
	store   Store
	limiter *rate.Limiter
	logger  *slog.Logger
	config  config.HTTPConfig
	router  chi.Router
}

func NewServer(facade *query.Facade, store Store, cfg config.HTTPConfig, logger *slog.Logger) *Server {
	burst := cfg.RefreshBurst
	if burst < 1 {
		burst = 1
	}
	s := &Server{
		facade:  facade,
		store:   store,
		limiter: rate.NewLimiter(rate.Every(cfg.RefreshInterval.Duration), burst),
		logger:  logger,
		config:  cfg,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(s.config.CORSOrigins))

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/calls", s.handleCalls)
		r.Get("/fato_chamadas", s.handleCalls)
		r.Get("/export-csv", s.handleExportCSV)
		r.Get("/summary", s.handleSummary)
		r.Get("/regions", s.handleRegions)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/sync-log", s.handleSyncLog)
		r.Post("/refresh", s.handleRefresh)
	})
	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	return c.Handler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// httpServer builds the listener-side server. The write timeout has to cover
// a cold-start read, which blocks on the initial upstream pull.
func (s *Server) httpServer(ctx context.Context) *http.Server {
	writeTimeout := s.config.WriteTimeout.Duration
	if writeTimeout <= 0 {
		writeTimeout = 120 * time.Second
	}
	return &http.Server{
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
}

// Serve listens on the configured address until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := s.httpServer(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string {
	return "http-server"
}
