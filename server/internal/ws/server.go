package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start on a server that is already bound.
var ErrAlreadyRunning = errors.New("ws: server already running")

// Server binds the HTTP listener that serves the hub and the rest of the
// HTTP surface. Stop tears the hub down before the listener so subscribers
// get a close frame rather than a reset.
type Server struct {
	addr    string
	hub     *Hub
	handler http.Handler

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	done chan struct{}
}

// NewServer returns a Server for addr. handler must route the hub's path to
// hub; it is usually built by the caller with the hub mounted at /ws.
func NewServer(addr string, hub *Hub, handler http.Handler) *Server {
	return &Server{addr: addr, hub: hub, handler: handler}
}

// Start binds the listening port and serves in the background. It fails if
// the port cannot be bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ws: serve error", "err", err)
		}
	}()

	s.ln, s.srv, s.done = ln, srv, done
	slog.Info("ws: listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes every subscriber, stops accepting connections and releases
// the port. It is safe to call on a server that was never started and to
// call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()

	s.hub.Close()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	slog.Info("ws: stopped")
	return err
}
