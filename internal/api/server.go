package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/simreg/regq/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
}

// NewServer binds addr and prepares the server. With port 0 the OS picks a
// port; Addr reports it.
func NewServer(addr string, handler *Handler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		listener: listener,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: SSE responses stay open.
		},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	// Request contexts derive from ctx so open streams end with it.
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		log.Info(log.CatAPI, "Starting API server", "addr", s.Addr())
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info(log.CatAPI, "Stopping API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		_ = s.server.Close()
	}
	return nil
}
