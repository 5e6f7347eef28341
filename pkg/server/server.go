package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opticom/chat/pkg/history"
	"github.com/opticom/chat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Transport names reported in session listings and metrics
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
	TransportSSH       = "ssh"
)

// Server represents the chat server
type Server struct {
	config    ServerConfig
	logger    zerolog.Logger
	store     history.Store
	sessions  *SessionManager
	metrics   *Metrics
	registry  *prometheus.Registry
	admission *admission
	startTime time.Time

	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server

	// raw connections from accept until their goroutine returns, so Stop can
	// unblock connections still in the handshake
	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	shutdown chan struct{}
	closing  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int // 0 picks a free port
	HTTPPort       int // 0 disables WebSocket, /metrics and /healthz
	SSHPort        int // 0 disables SSH
	SSHHostKeyPath string
	XORKey         []byte // empty disables the transform

	MaxClients           int // 0 means unlimited
	MaxConnectionsPerIP  int // 0 means unlimited
	ConnectRatePerSecond float64
	ConnectBurst         int

	BurstMessages    int
	BurstWindow      time.Duration
	MaxMessageLength int

	HistoryBackend string
	HistoryDir     string
	HistoryDBPath  string

	Slowmode map[string]time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:              8080,
		SSHHostKeyPath:       "~/.opticom/ssh_host_key",
		MaxConnectionsPerIP:  10,
		ConnectRatePerSecond: 5,
		ConnectBurst:         20,
		BurstMessages:        DefaultBurstMessages,
		BurstWindow:          DefaultBurstWindow,
		MaxMessageLength:     protocol.MaxMessageSize,
		HistoryBackend:       history.BackendFile,
		HistoryDir:           "history",
		HistoryDBPath:        "history.db",
		Slowmode:             map[string]time.Duration{},
	}
}

// NewServer creates a new server instance. Metrics are registered on
// registry; a nil registry gets a private one.
func NewServer(config ServerConfig, logger zerolog.Logger, registry *prometheus.Registry) (*Server, error) {
	store, err := history.Open(config.HistoryBackend, config.HistoryDir, config.HistoryDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := NewMetrics(registry)

	sessions := NewSessionManager(store, logger)
	sessions.SetMetrics(metrics)
	sessions.SetBurstLimit(config.BurstMessages, config.BurstWindow)
	for room, interval := range config.Slowmode {
		sessions.SetSlowmode(room, interval)
	}

	return &Server{
		config:   config,
		logger:   logger,
		store:    store,
		sessions: sessions,
		metrics:  metrics,
		registry: registry,
		admission: newAdmission(config.MaxClients, config.MaxConnectionsPerIP,
			config.ConnectRatePerSecond, config.ConnectBurst),
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Sessions exposes the connection registry
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Start binds the TCP listener and the optional SSH and HTTP listeners
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(s.logger, listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.listener.Close()
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// listen binds a TCP listener with SO_REUSEADDR so restarts do not wait out TIME_WAIT
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Addr returns the TCP listener address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: listeners first, then every connection,
// then waits for connection goroutines before closing the history store.
// Leave notices are not sent during shutdown. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Server) stop() error {
	// under connMu so track and enter see either the old state or closing
	s.connMu.Lock()
	s.closing.Store(true)
	s.connMu.Unlock()
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		cancel()
	}

	s.sessions.CloseAll()
	s.closeTracked()

	s.wg.Wait()

	return s.store.Close()
}

func (s *Server) shuttingDown() bool {
	return s.closing.Load()
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("Accept error")
				continue
			}
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, TransportTCP)
		}()
	}
}

// track records a raw connection. It returns false once shutdown has begun,
// in which case the caller must drop the connection.
func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.shuttingDown() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// enter registers a connection goroutine started outside the accept loops
// with the WaitGroup. It returns false once shutdown has begun; on true the
// caller must call s.wg.Done when finished.
func (s *Server) enter() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.shuttingDown() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeTracked() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// serveConn runs one connection through admission, the optional XOR
// transform, the username handshake and the message loop. It returns when
// the peer goes away, the session is dropped, or the server stops.
func (s *Server) serveConn(conn net.Conn, transport string) {
	defer conn.Close()

	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	addr := conn.RemoteAddr().String()
	log := s.logger.With().Str("remote", addr).Str("transport", transport).Logger()

	if transport != TransportWebSocket {
		conn = protocol.NewCipherConn(conn, s.config.XORKey)
	}

	release, err := s.admission.acquire(addr)
	if err != nil {
		s.metrics.RecordConnectionRejected(admissionReason(err))
		log.Info().Err(err).Msg("Connection refused")
		conn.Write([]byte(rejectionNotice(err) + "\n"))
		return
	}
	defer release()

	framer := protocol.NewFramer(conn, s.config.MaxMessageLength)
	username, err := framer.ReadHandshake()
	if err != nil {
		log.Debug().Err(err).Msg("Handshake failed")
		return
	}

	id := s.sessions.Admit(conn, username, addr, transport)
	log = log.With().Uint64("session", uint64(id)).Str("user", username).Logger()
	log.Info().Msg("Session started")
	defer s.depart(id, log)

	for {
		body, err := framer.Next()
		if errors.Is(err, protocol.ErrEmptyMessage) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debug().Msg("Connection closed")
			} else {
				log.Debug().Err(err).Msg("Read error")
			}
			return
		}

		s.handleMessage(id, body, log)
	}
}

// depart deregisters a session and tells its last room it left
func (s *Server) depart(id SessionID, log zerolog.Logger) {
	info, ok := s.sessions.Unregister(id)
	if !ok {
		return
	}
	log.Info().Str("room", info.Room).Msg("Session ended")

	if s.shuttingDown() {
		return
	}
	s.sessions.AnnounceLeave(info)
}

func rejectionNotice(err error) string {
	switch {
	case errors.Is(err, ErrServerFull):
		return "Chat is full. Please try again later."
	case errors.Is(err, ErrTooManyConnections):
		return "Too many connections from your address."
	default:
		return "You are connecting too quickly. Please wait a moment."
	}
}
