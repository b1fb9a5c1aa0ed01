package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/tzrikka/tremolo/internal/logger"
)

// defaultUserAgent is transmitted in the handshake's
// User-Agent header unless [WithUserAgent] overrides it.
const defaultUserAgent = "WebSocket::Client"

// DialOpt configures optional details of the
// connection and opening handshake in [Dial].
type DialOpt func(*dialConfig)

type dialConfig struct {
	path      string
	origin    string
	userAgent string
	extra     [][2]string

	tlsEnabled bool
	tlsConfig  *tls.Config

	// For unit-testing only.
	nonceGen io.Reader
}

// WithPath lets callers of [Dial] specify the request path
// of the opening handshake, instead of the default "/".
func WithPath(path string) DialOpt {
	return func(c *dialConfig) {
		c.path = path
	}
}

// WithOrigin lets callers of [Dial] add an Origin
// header to the opening handshake's HTTP request.
func WithOrigin(origin string) DialOpt {
	return func(c *dialConfig) {
		c.origin = origin
	}
}

// WithUserAgent lets callers of [Dial] override the User-Agent
// header of the opening handshake's HTTP request.
func WithUserAgent(ua string) DialOpt {
	return func(c *dialConfig) {
		c.userAgent = ua
	}
}

// WithHeader lets callers of [Dial] add a single HTTP header to the
// opening handshake's HTTP request. May be repeated; the headers are
// transmitted in the order they were added.
func WithHeader(key, value string) DialOpt {
	return func(c *dialConfig) {
		c.extra = append(c.extra, [2]string{key, value})
	}
}

// WithTLS wraps the connection in TLS. A nil config verifies the peer
// and uses the dialed host as the SNI hostname; pass an explicit config
// to change the trust store, the verification mode, or the SNI name.
func WithTLS(cfg *tls.Config) DialOpt {
	return func(c *dialConfig) {
		c.tlsEnabled = true
		c.tlsConfig = cfg
	}
}

// Dial opens a TCP connection to the given host and port, optionally
// wraps it in TLS, and performs a [WebSocket handshake] to establish a
// client-role [Session]. The returned session doesn't read incoming
// frames until [Session.Serve] is called, so callbacks can be
// registered first.
//
// The context bounds only the TCP connection and the TLS handshake; it
// doesn't bound the HTTP upgrade exchange that follows them, nor the
// lifetime of the established session.
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Dial(ctx context.Context, host string, port int, opts ...DialOpt) (*Session, error) {
	cfg := &dialConfig{path: "/", userAgent: defaultUserAgent, nonceGen: rand.Reader}
	for _, opt := range opts {
		opt(cfg)
	}

	l := logger.FromContext(ctx)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open TCP connection for WebSocket handshake: %w", err)
	}

	if cfg.tlsEnabled {
		tc := cfg.tlsConfig
		if tc == nil {
			tc = &tls.Config{MinVersion: tls.VersionTLS13}
		} else {
			tc = tc.Clone()
		}
		if tc.ServerName == "" {
			tc.ServerName = host
		}

		tlsConn := tls.Client(conn, tc)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		conn = tlsConn
	}

	nonce, err := generateNonce(cfg.nonceGen)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to generate nonce for WebSocket handshake: %w", err)
	}

	br := bufio.NewReader(conn)
	if err := clientHandshake(conn, br, host, port, nonce, cfg); err != nil {
		l.Error().Err(err).Str("addr", addr).Msg("WebSocket handshake failed")
		_ = conn.Close()
		return nil, err
	}

	s := newSession(conn, br, RoleClient, l)
	s.logger.Debug().Msg("WebSocket connection established")
	return s, nil
}

// generateNonce generates a nonce consisting of a randomly
// selected 16-byte value that has been Base64-encoded. The
// nonce MUST be selected randomly for each connection.
func generateNonce(r io.Reader) (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// clientHandshake transmits the opening handshake request, per the
// client requirements in https://datatracker.ietf.org/doc/html/rfc6455#section-4.1,
// and validates the server's response.
func clientHandshake(conn net.Conn, br *bufio.Reader, host string, port int, nonce string, cfg *dialConfig) error {
	hostHeader := host
	if port != 80 {
		hostHeader = net.JoinHostPort(host, strconv.Itoa(port))
	}

	var b strings.Builder
	b.WriteString("GET " + cfg.path + " HTTP/1.1\r\n")
	b.WriteString("Host: " + hostHeader + "\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("Sec-WebSocket-Key: " + nonce + "\r\n")
	b.WriteString("Pragma: no-cache\r\n")
	b.WriteString("Cache-Control: no-cache\r\n")
	b.WriteString("User-Agent: " + cfg.userAgent + "\r\n")
	if cfg.origin != "" {
		b.WriteString("Origin: " + cfg.origin + "\r\n")
	}
	for _, h := range cfg.extra {
		b.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(conn, b.String()); err != nil {
		return fmt.Errorf("failed to send WebSocket handshake request: %w", err)
	}

	return checkHandshakeResponse(br, nonce)
}

// checkHandshakeResponse checks the server response details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func checkHandshakeResponse(br *bufio.Reader, nonce string) error {
	tp := textproto.NewReader(br)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("failed to read WebSocket handshake response: %w", err)
	}

	proto, rest, ok := strings.Cut(statusLine, " ")
	if !ok || proto != "HTTP/1.1" {
		return fmt.Errorf("WebSocket handshake response protocol: got %q, want %q", proto, "HTTP/1.1")
	}
	code, reason, _ := strings.Cut(rest, " ")
	if code != "101" {
		return fmt.Errorf("WebSocket handshake response status: got %q, want %q", code, "101")
	}
	if strings.TrimSpace(reason) == "" {
		return errors.New("WebSocket handshake response status has no reason phrase")
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("failed to read WebSocket handshake response headers: %w", err)
	}

	if err := checkHandshakeHeader(headers, "Upgrade", "websocket"); err != nil {
		return err
	}
	if err := checkHandshakeHeader(headers, "Connection", "upgrade"); err != nil {
		return err
	}

	// Unlike the headers above, the accept hash is case-sensitive.
	if got, want := headers.Get("Sec-WebSocket-Accept"), acceptHashValue(nonce); got != want {
		return fmt.Errorf("WebSocket handshake response header %q: got %q, want %q", "Sec-WebSocket-Accept", got, want)
	}

	return nil
}

// checkHandshakeHeader matches a response header value case-insensitively.
func checkHandshakeHeader(headers textproto.MIMEHeader, key, want string) error {
	if got := headers.Get(key); !strings.EqualFold(got, want) {
		return fmt.Errorf("WebSocket handshake response header %q: got %q, want %q", key, got, want)
	}
	return nil
}
