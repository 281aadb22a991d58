// Package api exposes a session over HTTP and WebSocket.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/igwedaniel/ledgerwatch/internal/session"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP API server
type Server struct {
	server   *http.Server
	handlers *Handlers
	logger   *logrus.Logger

	mu      sync.Mutex
	release func()
}

// NewServer creates a new API server
func NewServer(cfg *config.ServerConfig, s *session.Session, logger *logrus.Logger) *Server {
	handlers := NewHandlers(s, logger)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      loggingMiddleware(Routes(handlers), logger),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handlers: handlers,
		logger:   logger,
	}
}

// Routes registers every endpoint on a new mux
func Routes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/api/v1/status", h.GetStatus)

	mux.HandleFunc("/api/v1/accounts", h.Accounts)
	mux.HandleFunc("/api/v1/accounts/refresh", h.RefreshAccounts)

	mux.HandleFunc("/api/v1/transactions", h.Transactions)
	mux.HandleFunc("/api/v1/transactions/refresh", h.RefreshTransactions)
	mux.HandleFunc("/api/v1/transactions/sort", h.SetSort)

	mux.HandleFunc("/api/v1/ws", h.Stream)

	return mux
}

// Start observes the session and serves until Stop
func (s *Server) Start() error {
	s.mu.Lock()
	if s.release == nil {
		s.release = s.handlers.Observe()
	}
	s.mu.Unlock()

	s.logger.Infof("Starting HTTP server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	s.mu.Unlock()
	return err
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler, logger *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade take over the connection
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
