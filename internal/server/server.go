package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"symmetry/internal/model"
)

// State is the read side of the strategy engine.
type State interface {
	Levels(ctx context.Context) ([]model.ReferenceLevel, error)
	Instruments(ctx context.Context) (map[string]model.Instruments, error)
}

// Book lists open positions.
type Book interface {
	Positions() []model.Position
	Balance() float64
}

// Server exposes the consumer hub, health, metrics and engine state over HTTP.
type Server struct {
	logger *slog.Logger
	hub    *Hub
	state  State
	book   Book
	srv    *http.Server
}

// New creates a Server listening on addr. gatherer may be nil to serve the
// default registry.
func New(logger *slog.Logger, addr string, hub *Hub, state State, book Book, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger: logger.With("component", "http"),
		hub:    hub,
		state:  state,
		book:   book,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.hub.ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Get("/levels", s.levels)
		r.Get("/instruments", s.instruments)
		r.Get("/positions", s.positions)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down and closes sockets.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.srv.Addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown failed", "error", err)
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "clients": s.hub.Clients()})
}

func (s *Server) levels(w http.ResponseWriter, r *http.Request) {
	levels, err := s.state.Levels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if levels == nil {
		levels = []model.ReferenceLevel{}
	}
	writeJSON(w, http.StatusOK, levels)
}

func (s *Server) instruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.state.Instruments(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, instruments)
}

func (s *Server) positions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": s.book.Positions(),
		"balance":   s.book.Balance(),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
