package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"birdbridge/internal/logging"
)

// Server runs the admin API.
type Server struct {
	addr       string
	handler    *Handler
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(addr string, sched Scheduler, history HistoryStore) *Server {
	return &Server{
		addr:    addr,
		handler: NewHandler(sched, history),
	}
}

// Start runs the HTTP server in a goroutine.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logging.Info("Starting admin API on %s", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Admin API failed: %v", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	logging.Info("Shutting down admin API...")
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
	return nil // No server was started
}
