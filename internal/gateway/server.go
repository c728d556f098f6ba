package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// shutdownGrace is how long in-flight requests get to finish after Serve's
// context is cancelled.
const shutdownGrace = 30 * time.Second

// Server serves a handler on a bound listener.
type Server struct {
	listener net.Listener
	srv      *http.Server
}

// Listen binds addr. Call Serve to start accepting connections.
func Listen(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		listener: ln,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		},
	}, nil
}

// Addr returns the listener's address (useful when listening on :0).
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. Blocks until shutdown completes.
func (s *Server) Serve(ctx context.Context) error {
	slog.Info("carrange gateway listening", "addr", s.listener.Addr())

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		done <- s.srv.Shutdown(shutdownCtx)
	}()

	err := s.srv.Serve(s.listener)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if err := <-done; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("carrange gateway stopped")
	return nil
}
