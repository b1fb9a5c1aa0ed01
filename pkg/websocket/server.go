package websocket

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server accepts TCP (optionally TLS) connections and runs the server
// side of the WebSocket protocol on each of them, in its own [Session].
//
// Callbacks registered with [Server.On] before or after [Server.Run]
// become the initial callbacks of every session accepted afterwards.
type Server struct {
	host string
	port int

	certFile, keyFile string
	tlsConfig         *tls.Config

	logger zerolog.Logger

	mu        sync.Mutex
	prototype map[Opcode][]Handler
	sessions  map[string]*Session
	listener  net.Listener
	accepting bool
}

// ServerOpt configures optional details of a [Server].
type ServerOpt func(*Server)

// WithTLSFiles makes the server wrap every accepted connection in TLS,
// using the given PEM-encoded certificate and private key files. They
// are loaded when [Server.Run] is called.
func WithTLSFiles(certFile, keyFile string) ServerOpt {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithTLSConfig makes the server wrap every accepted connection in TLS,
// using an explicit configuration instead of [WithTLSFiles].
func WithTLSConfig(cfg *tls.Config) ServerOpt {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithLogger lets callers of [NewServer] attach a specific logger
// to the server and its sessions, instead of the global one.
func WithLogger(l zerolog.Logger) ServerOpt {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer constructs an idle server. It doesn't
// bind its listening socket until [Server.Run].
func NewServer(host string, port int, opts ...ServerOpt) *Server {
	s := &Server{
		host:      host,
		port:      port,
		logger:    log.Logger,
		prototype: map[Opcode][]Handler{},
		sessions:  map[string]*Session{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On registers a callback for the given event: [OpcodeText],
// [OpcodeBinary], [OpcodeClose], [OpcodePing], or [OpcodePong].
// The registered callbacks are copied into each newly accepted
// session, in registration order.
func (s *Server) On(op Opcode, h Handler) error {
	if err := checkEvent(op); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prototype[op] = append(s.prototype[op], h)
	return nil
}

// Run binds the server's listening socket and spawns its accept loop.
// It returns immediately: binding or TLS-material errors are reported,
// and accept-time errors are logged by the loop instead.
func (s *Server) Run() error {
	cfg, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("failed to bind WebSocket listener: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.accepting = true
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", cfg != nil).
		Msg("WebSocket server listening")
	go s.acceptLoop(ln, cfg)
	return nil
}

// loadTLSConfig prepares the server's TLS configuration,
// or returns nil when TLS isn't configured at all.
func (s *Server) loadTLSConfig() (*tls.Config, error) {
	if s.tlsConfig != nil {
		return s.tlsConfig, nil
	}
	if s.certFile == "" && s.keyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load PEM key pair for WebSocket server: %w", err)
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Addr returns the bound address of a running server, or nil. Useful
// when the server was constructed with port 0, i.e. an OS-chosen port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accepting reports whether the server is accepting new connections.
func (s *Server) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accepting
}

// acceptLoop accepts incoming connections until the listener is closed.
// Accept errors affect only the rejected connection, not the loop.
func (s *Server) acceptLoop(ln net.Listener, cfg *tls.Config) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Msg("WebSocket listener closed")
				return
			}
			s.logger.Error().Err(err).Msg("failed to accept TCP connection")
			continue
		}

		go s.handleConn(conn, cfg)
	}
}

// handleConn runs the TLS and WebSocket handshakes on a newly accepted
// connection, and starts a server-role protocol session on success.
// Failures close only this connection.
func (s *Server) handleConn(conn net.Conn, cfg *tls.Config) {
	l := s.logger.With().Str("peer_addr", conn.RemoteAddr().String()).Logger()

	if cfg != nil {
		tlsConn := tls.Server(conn, cfg)
		if err := tlsConn.Handshake(); err != nil {
			l.Error().Err(err).Msg("TLS handshake failed")
			_ = conn.Close()
			return
		}
		conn = tlsConn
	}

	br := bufio.NewReader(conn)
	if err := upgrade(conn, br); err != nil {
		l.Error().Err(err).Msg("WebSocket handshake failed")
		_ = conn.Close()
		return
	}

	sess := newSession(conn, br, RoleServer, l)

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		l.Debug().Msg("WebSocket server stopped during handshake")
		_ = conn.Close()
		return
	}
	for op, hs := range s.prototype {
		sess.handlers[op] = append([]Handler(nil), hs...)
	}
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	sess.onTerminate = s.forget
	sess.logger.Debug().Msg("WebSocket connection established")
	sess.Serve()
}

// forget drops a terminated session from the server's registry.
func (s *Server) forget(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sess.ID())
}

// Stop closes the listening socket and stops every live session.
// Idempotent, and safe to call on a server that never ran.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.accepting = false
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range live {
		sess.Stop()
	}
}
