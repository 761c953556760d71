package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Server owns the listeners and the lifecycle of every accepted
// connection. Protocol semantics live in Router; Server only moves bytes
// between transports and the dispatch layer.
type Server struct {
	store    DirectoryStore
	registry *Registry
	router   *Router
	metrics  *Metrics
	config   ServerConfig
	logger   zerolog.Logger

	listener   net.Listener
	httpServer *http.Server
	httpAddr   string

	connMu sync.Mutex
	conns  map[uint64]*Conn

	nextConnID atomic.Uint64
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// NewServer wires a server over an already-open directory store. The
// caller keeps ownership of the store until Stop, which closes it.
func NewServer(store DirectoryStore, config ServerConfig, logger zerolog.Logger) *Server {
	registry := NewRegistry()
	metrics := NewMetrics()

	return &Server{
		store:    store,
		registry: registry,
		router:   NewRouter(store, registry, metrics, config, logger),
		metrics:  metrics,
		config:   config,
		logger:   logger.With().Str("component", "server").Logger(),
		conns:    make(map[uint64]*Conn),
		shutdown: make(chan struct{}),
	}
}

// Start binds the TCP listener and, when an HTTP port is configured, the
// HTTP listener serving the WebSocket endpoint and Prometheus metrics.
// Port 0 is honored so tests can bind ephemeral ports.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.TCPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on tcp port %d: %w", s.config.TCPPort, err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("tcp listener started")

	if s.config.HTTPPort >= 0 {
		if err := s.startHTTP(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) startHTTP() error {
	httpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on http port %d: %w", s.config.HTTPPort, err)
	}
	s.httpAddr = httpListener.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/metrics", s.metrics.Handler())

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("http listener started")
	return nil
}

// Addr returns the bound TCP address, available after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the bound HTTP address, empty when HTTP is disabled.
func (s *Server) HTTPAddr() string {
	return s.httpAddr
}

// Stop closes the listeners, drops every live connection, waits for the
// accept and connection goroutines to drain, and closes the store.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	s.connMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	return s.store.Close()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.logger.Error().Err(err).Msg("accept failed")
				continue
			}
		}

		if tcpConn, ok := nc.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(nc)
		}()
	}
}

// serveConn runs the full lifecycle of one accepted stream: wrap it,
// register it, pump frames through the router, and clean up on exit.
// Shared by the TCP accept loop and the WebSocket upgrade handler.
func (s *Server) serveConn(nc net.Conn) {
	id := s.nextConnID.Add(1)
	conn := NewConn(id, nc, s.config.SendQueueSize, s.logger)

	s.connMu.Lock()
	s.conns[id] = conn
	active := len(s.conns)
	s.connMu.Unlock()

	s.metrics.RecordConnectionAccepted()
	s.metrics.RecordActiveConnections(active)
	s.logger.Info().Uint64("conn_id", id).Str("remote", conn.RemoteAddr()).Msg("connection accepted")

	conn.OnPayload(func(payload []byte) {
		s.router.HandlePayload(conn, payload)
	})
	conn.OnClosed(func() {
		s.router.HandleDisconnect(conn)

		s.connMu.Lock()
		delete(s.conns, id)
		remaining := len(s.conns)
		s.connMu.Unlock()

		s.metrics.RecordActiveConnections(remaining)
		s.logger.Info().Uint64("conn_id", id).Msg("connection closed")
	})

	conn.Run()
}
