package websocket

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// runTestServer starts an echo server on an OS-chosen port,
// and returns the server and its port number.
func runTestServer(t *testing.T, opts ...ServerOpt) (*Server, int) {
	t.Helper()

	opts = append(opts, WithLogger(zerolog.Nop()))
	srv := NewServer("127.0.0.1", 0, opts...)

	if err := srv.On(OpcodeText, func(s *Session, payload []byte) {
		_ = s.Send(OpcodeText, payload)
	}); err != nil {
		t.Fatalf("Server.On() error = %v", err)
	}
	if err := srv.On(OpcodeBinary, func(s *Session, payload []byte) {
		_ = s.Send(OpcodeBinary, payload)
	}); err != nil {
		t.Fatalf("Server.On() error = %v", err)
	}

	if err := srv.Run(); err != nil {
		t.Fatalf("Server.Run() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, srv.Addr().(*net.TCPAddr).Port
}

// selfSignedCert generates an in-memory certificate for 127.0.0.1.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestServerRoundTrip(t *testing.T) {
	_, port := runTestServer(t)

	s, err := Dial(t.Context(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Stop()

	texts := collect(t, s, OpcodeText)
	s.Serve()

	if err := s.Send(OpcodeText, []byte("Hello?")); err != nil {
		t.Fatalf("Session.Send() error = %v", err)
	}

	if got := string(recv(t, texts)); got != "Hello?" {
		t.Errorf("echoed message = %q, want %q", got, "Hello?")
	}
}

func TestServerRoundTripTLS(t *testing.T) {
	cert := selfSignedCert(t)
	_, port := runTestServer(t, WithTLSConfig(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}))

	s, err := Dial(t.Context(), "127.0.0.1", port,
		WithTLS(&tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12})) //gosec:disable G402 -- self-signed test certificate
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Stop()

	texts := collect(t, s, OpcodeText)
	s.Serve()

	if err := s.Send(OpcodeText, []byte("Hello?")); err != nil {
		t.Fatalf("Session.Send() error = %v", err)
	}

	if got := string(recv(t, texts)); got != "Hello?" {
		t.Errorf("echoed message = %q, want %q", got, "Hello?")
	}
}

func TestServerTLSFiles(t *testing.T) {
	cert := selfSignedCert(t)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}); err != nil {
		t.Fatal(err)
	}
	_ = certOut.Close()

	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatal(err)
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		t.Fatal(err)
	}
	_ = keyOut.Close()

	_, port := runTestServer(t, WithTLSFiles(certPath, keyPath))

	s, err := Dial(t.Context(), "127.0.0.1", port,
		WithTLS(&tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12})) //gosec:disable G402 -- self-signed test certificate
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	s.Stop()
}

func TestServerTLSFilesMissing(t *testing.T) {
	srv := NewServer("127.0.0.1", 0,
		WithTLSFiles("no-such-cert.pem", "no-such-key.pem"), WithLogger(zerolog.Nop()))
	if err := srv.Run(); err == nil {
		srv.Stop()
		t.Error("Server.Run() expected an error, got nil")
	}
}

func TestServerRejectsBadHandshake(t *testing.T) {
	_, port := runTestServer(t)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// A plain HTTP request, without the WebSocket upgrade headers.
	if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimRight(line, "\r\n"); got != "HTTP/1.1 400 Bad Request" {
		t.Errorf("response status line = %q, want %q", got, "HTTP/1.1 400 Bad Request")
	}

	// The accept loop must survive a rejected connection.
	s, err := Dial(t.Context(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial() after a rejected handshake error = %v", err)
	}
	s.Stop()
}

func TestServerStop(t *testing.T) {
	srv, port := runTestServer(t)

	if !srv.Accepting() {
		t.Error("Server.Accepting() = false after Server.Run()")
	}

	s, err := Dial(t.Context(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	s.Serve()

	srv.Stop()

	// The live session must be stopped along with the listener.
	waitDone(t, s)

	if srv.Accepting() {
		t.Error("Server.Accepting() = true after Server.Stop()")
	}
	if _, err := Dial(t.Context(), "127.0.0.1", port); err == nil {
		t.Error("Dial() after Server.Stop() expected an error, got nil")
	}

	srv.Stop() // Idempotent.
}

func TestServerAddr(t *testing.T) {
	srv := NewServer("127.0.0.1", 0, WithLogger(zerolog.Nop()))
	if srv.Addr() != nil {
		t.Error("Server.Addr() != nil before Server.Run()")
	}

	if err := srv.Run(); err != nil {
		t.Fatalf("Server.Run() error = %v", err)
	}
	defer srv.Stop()

	if srv.Addr() == nil {
		t.Error("Server.Addr() = nil after Server.Run()")
	}
}

func TestServerOnRejectsInvalidEvents(t *testing.T) {
	srv := NewServer("127.0.0.1", 0, WithLogger(zerolog.Nop()))
	if err := srv.On(OpcodeContinuation, func(*Session, []byte) {}); err == nil {
		t.Error("Server.On() with a continuation opcode expected an error, got nil")
	}
}
