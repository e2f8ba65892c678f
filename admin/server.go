package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/db"
	"github.com/stratumdb/stratum/telemetry"
)

// NewRouter wires the diagnostics routes.
func NewRouter(registry *db.Registry) chi.Router {
	handlers := NewHandlers(registry)

	r := chi.NewRouter()
	r.Get("/status", handlers.handleStatus)
	r.Get("/logstores", handlers.handleLogStores)
	if metrics := telemetry.MetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

// Server is the diagnostics HTTP server.
type Server struct {
	srv *http.Server
}

// Start serves the admin routes on addr in a background goroutine.
func Start(addr string, registry *db.Registry) *Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	return &Server{srv: srv}
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
