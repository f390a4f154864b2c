// Package microservice provides the small HTTP scaffolding every stage
// worker runs alongside its processing loop: health and readiness probes and
// a graceful shutdown hook.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// WorkerServer exposes /healthz and /readyz for one stage worker.
type WorkerServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
	ready      atomic.Bool
}

// NewWorkerServer creates and initializes a new WorkerServer. The worker
// flips readiness on once its processing loop is wired up.
func NewWorkerServer(logger zerolog.Logger, httpPort string) *WorkerServer {
	s := &WorkerServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", HealthzHandler)
	s.mux.HandleFunc("/readyz", s.readyzHandler)
	s.httpServer = &http.Server{
		Addr:    httpPort,
		Handler: s.mux,
	}
	return s
}

// Start initiates the HTTP server in a background goroutine.
func (s *WorkerServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided
// context's deadline.
func (s *WorkerServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	s.ready.Store(false)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// SetReady flips the readiness probe. Workers mark themselves ready after the
// stage loop starts and unready during shutdown.
func (s *WorkerServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

// GetHTTPPort returns the actual port the server is listening on.
func (s *WorkerServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *WorkerServer) Mux() *http.ServeMux {
	return s.mux
}

func (s *WorkerServer) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

// HealthzHandler responds to liveness probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
