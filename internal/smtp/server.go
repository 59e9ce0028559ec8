package smtp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-handler-lite/internal/handler"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in EHLO responses.
	Hostname string

	// Handler processes each completed mail transaction. One instance is
	// shared across all connections.
	Handler handler.Handler

	// Logger receives server and session logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server is an SMTP server that accepts connections and hands completed
// transactions to a configured Handler.
type Server struct {
	config   ServerConfig
	log      *slog.Logger
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Server{config: cfg, log: log}
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On context cancellation, it stops accepting new connections and
// waits up to 30 seconds for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.log.Info("SMTP server listening", "addr", ln.Addr().String())

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				s.log.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session := NewSession(conn, s.config.Handler, s.config.Hostname, s.log)
			session.Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete, with a
// maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.log.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
