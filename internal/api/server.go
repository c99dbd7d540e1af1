// Package api provides the HTTP surface of Convomux.
//
// It exposes REST endpoints for analysis jobs, scheduled messages, channel
// webhooks, offline outbox sync, and the realtime WebSocket stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/convomux/convomux/internal/channel"
	"github.com/convomux/convomux/internal/dispatch"
	"github.com/convomux/convomux/internal/events"
	"github.com/convomux/convomux/internal/queue"
	"github.com/convomux/convomux/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Deps collects the services the HTTP layer fronts.
type Deps struct {
	Queue       *queue.Queue
	Dispatcher  *dispatch.Dispatcher
	Registry    *channel.Registry
	Retrier     *channel.Retrier
	Dedup       store.InboundDedupRepo
	Broadcaster *events.Broadcaster
	WS          http.Handler
}

// Opts holds configuration options for the server.
type Opts struct {
	Addr string
}

// Option defines a functional option for server configuration.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the Convomux HTTP server.
type Server struct {
	deps   Deps
	router chi.Router
	addr   string
}

// NewServer builds the router over the given dependencies.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{deps: deps, addr: cfg.Addr}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/jobs", s.createJobHandler)
	r.Get("/jobs/{id}", s.jobStatusHandler)

	r.Post("/schedules", s.createScheduleHandler)
	r.Get("/schedules", s.listSchedulesHandler)
	r.Delete("/schedules/{id}", s.cancelScheduleHandler)

	r.Post("/webhooks/{channel}", s.webhookHandler)
	r.Post("/sync", s.syncHandler)

	if deps.WS != nil {
		r.Get("/ws", deps.WS.ServeHTTP)
	}
	r.Get("/health", s.healthHandler)

	s.router = r
	return s
}

// Router exposes the handler for embedding and tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}
