package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/safewoo/vlessproxy/internal/logging"
	"github.com/safewoo/vlessproxy/internal/metrics"
	"github.com/safewoo/vlessproxy/internal/recovery"
)

// ServerConfig holds the local SOCKS5 listener's configuration.
type ServerConfig struct {
	Address        string
	MaxConnections int
	IdleTimeout    time.Duration
	Handler        HandlerConfig
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults for everything except the
// VLESS remote, which the caller must set.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		Handler: HandlerConfig{
			Authenticators: []Authenticator{&NoAuthAuthenticator{}},
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// Server accepts SOCKS5 connections and relays each to Handler.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	listener net.Listener
	logger   *slog.Logger

	tracker *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a SOCKS5 server bound to cfg.
func NewServer(cfg ServerConfig) *Server {
	if len(cfg.Handler.Authenticators) == 0 {
		cfg.Handler.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	cfg.Handler.Logger = cfg.Logger
	cfg.Handler.Metrics = cfg.Metrics

	return &Server{
		cfg:     cfg,
		handler: NewHandler(cfg.Handler),
		logger:  cfg.Logger,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("socks5: server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("socks5: listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener, tears down the UDP manager, and closes every
// tracked connection. Idempotent.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.handler.Close()
		s.tracker.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning ctx.Err() if it doesn't
// finish before ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listener's bound address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active SOCKS5 connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordSOCKS5Connect()
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()
	defer recovery.RecoverConn(s.logger, "socks5.handleConn", conn.Close)
	if s.cfg.Metrics != nil {
		defer s.cfg.Metrics.RecordSOCKS5Disconnect()
	}

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if err := s.handler.Handle(conn); err != nil {
		s.logger.Debug("connection ended",
			logging.KeyRemoteAddr, conn.RemoteAddr(),
			logging.KeyError, err)
	}
}
