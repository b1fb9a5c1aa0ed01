package websocket

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
)

// readChunkSize limits how many payload bytes are read from the
// transport at a time, so unmasking interleaves with reading.
const readChunkSize = 1024

// Handler processes a single WebSocket event. The session reference
// allows callbacks to send frames back on the same connection.
type Handler func(*Session, []byte)

// Session is the state machine of a single WebSocket connection,
// after a successful opening handshake. The same type serves both
// roles: the session of an accepted connection differs from a dialed
// one only in its masking discipline.
//
// A session doesn't read incoming frames until [Session.Serve] is
// called, so callbacks can be registered before any of them fires.
type Session struct {
	logger zerolog.Logger
	id     string
	role   Role
	t      *transport

	handlersMu sync.Mutex
	handlers   map[Opcode][]Handler
	defaults   map[Opcode][]Handler

	// Serializes all frame writes, including those initiated
	// by callbacks running inside the reader goroutine.
	writeMu  sync.Mutex
	writeBuf [8]byte
	maskKey  [4]byte

	// Reader-goroutine state: the opcode of the in-progress fragmented
	// message (OpcodeContinuation when there is none), and whether the
	// peer's Close frame was received.
	readBuf       [8]byte
	fragment      Opcode
	closeReceived bool

	closeSent   bool
	closeSentMu sync.RWMutex
	closeBuf    [maxControlPayload]byte

	serving     atomic.Bool
	done        chan struct{}
	onTerminate func(*Session)
}

// newSession wraps a connection whose opening handshake already
// completed. The given buffered reader, if any, is carried over so
// frame bytes it may have buffered are not lost.
func newSession(conn net.Conn, br *bufio.Reader, role Role, l zerolog.Logger) *Session {
	id := shortuuid.New()
	s := &Session{
		logger:   l.With().Str("conn_id", id).Str("role", role.String()).Logger(),
		id:       id,
		role:     role,
		t:        newTransport(conn, br),
		handlers: map[Opcode][]Handler{},
		defaults: map[Opcode][]Handler{
			OpcodePing:  {pongOnPing},
			OpcodeClose: {closeOnClose},
		},
		done: make(chan struct{}),
	}
	return s
}

// ID returns the session's unique connection ID,
// which is also attached to all of its log entries.
func (s *Session) ID() string {
	return s.id
}

// PeerAddr returns the network address of the remote endpoint.
func (s *Session) PeerAddr() net.Addr {
	return s.t.peerAddr()
}

// checkEvent ensures the opcode is one that [Session.On] accepts.
// Continuation frames are coalesced into the message they belong
// to, so they never dispatch an event of their own.
func checkEvent(op Opcode) error {
	switch op {
	case OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return nil
	default:
		return fmt.Errorf("invalid WebSocket event opcode: %s", op)
	}
}

// On registers a callback for the given event: [OpcodeText],
// [OpcodeBinary], [OpcodeClose], [OpcodePing], or [OpcodePong].
// Callbacks run in registration order, before the session's default
// ones. Safe to call concurrently with dispatch, including from
// inside another callback.
func (s *Session) On(op Opcode, h Handler) error {
	if err := checkEvent(op); err != nil {
		return err
	}

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	s.handlers[op] = append(s.handlers[op], h)
	return nil
}

// handlersFor snapshots the callbacks registered for the given event,
// so registration during dispatch doesn't mutate a list mid-iteration.
func (s *Session) handlersFor(op Opcode) []Handler {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	hs := make([]Handler, 0, len(s.handlers[op])+len(s.defaults[op]))
	hs = append(hs, s.handlers[op]...)
	return append(hs, s.defaults[op]...)
}

// Send encodes and transmits a single unfragmented frame.
func (s *Session) Send(op Opcode, payload []byte) error {
	return s.SendFragment(op, payload, true, true)
}

// SendFragment encodes and transmits a single frame of a possibly
// fragmented message: the opcode is transmitted only when first is
// true, and the FIN bit is set iff last is true (or the opcode is a
// control frame, which must not be fragmented). Sending [OpcodeClose]
// marks the session as closing, which suppresses the automatic reply
// when the peer's own Close frame arrives.
//
// Callers may send from any goroutine: frames never interleave on the
// wire, but their relative order across goroutines is unspecified.
func (s *Session) SendFragment(op Opcode, payload []byte, first, last bool) error {
	if !op.known() {
		return fmt.Errorf("invalid WebSocket opcode: %d", op)
	}
	if op.IsControl() && len(payload) > maxControlPayload {
		return fmt.Errorf("WebSocket control frame payload too long: %d bytes", len(payload))
	}

	if op == OpcodeClose {
		s.setCloseSent()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.writeFrame(op, payload, first, last)
}

// Serve starts the session's reader goroutine. It is deliberately
// separate from session construction, so callbacks can be registered
// before any incoming frame is dispatched.
func (s *Session) Serve() {
	if !s.serving.CompareAndSwap(false, true) {
		return
	}
	go s.readLoop()
}

// Serving reports whether the session's reader goroutine is live.
func (s *Session) Serving() bool {
	return s.serving.Load()
}

// Stop closes the transport: the reader goroutine, if live, observes
// the resulting read error and exits on its own. Idempotent, and a
// no-op beyond closing the transport if the session isn't serving.
func (s *Session) Stop() {
	_ = s.t.close()
}

// Done returns a channel which is closed when the session's
// reader goroutine exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// readLoop reads incoming frames continuously, responds to control
// frames (whether or not they're interleaved with data frames),
// defragments data frames if needed, and dispatches events. All
// errors terminate the loop, and the transport is always closed on
// the way out.
//
// It is based on:
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Fragmentation: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
//   - Control frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
//   - Data frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
//   - Receiving data: https://datatracker.ietf.org/doc/html/rfc6455#section-6.2
//   - Closing the connection: https://datatracker.ietf.org/doc/html/rfc6455#section-7
func (s *Session) readLoop() {
	defer func() {
		s.serving.Store(false)
		_ = s.t.close()
		if s.onTerminate != nil {
			s.onTerminate(s)
		}
		close(s.done)
	}()

	var msg bytes.Buffer

	for {
		h, err := s.readFrameHeader()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug().Msg("WebSocket connection closed")
			} else {
				s.logger.Error().Err(err).Msg("failed to read WebSocket frame header")
			}
			return
		}

		s.logger.Trace().Bool("fin", h.fin).Str("opcode", h.opcode.String()).
			Uint64("length", h.payloadLength).Msg("received WebSocket frame")

		if reason, err := s.checkFrameHeader(h); err != nil {
			s.logger.Error().Err(err).Msg("protocol error due to invalid frame")
			s.sendCloseControlFrame(StatusProtocolError, reason)
			return
		}

		var key [4]byte
		if h.mask {
			if err := s.t.readFull(key[:]); err != nil {
				s.logger.Error().Err(err).Msg("failed to read WebSocket frame masking key")
				return
			}
		}

		var data []byte
		if h.payloadLength > 0 {
			data = make([]byte, h.payloadLength)
			if err := s.readPayload(data, h.mask, key); err != nil {
				s.logger.Error().Err(err).Msg("failed to read WebSocket frame payload")
				return
			}
		}

		if h.opcode.IsControl() {
			if h.opcode == OpcodeClose {
				s.closeReceived = true
			}
			s.dispatch(h.opcode, data)
			if h.opcode == OpcodeClose {
				return // The closing handshake is complete on both sides.
			}
			continue
		}

		// A data frame: start or extend the in-progress message, and
		// dispatch it exactly once, under its original opcode.
		if h.opcode != OpcodeContinuation {
			s.fragment = h.opcode
		}
		op := s.fragment
		_, _ = msg.Write(data)

		if h.fin {
			payload := msg.Bytes()
			if payload == nil {
				payload = []byte{}
			}
			msg = bytes.Buffer{} // The dispatched payload keeps the old backing array.
			s.fragment = OpcodeContinuation

			s.logger.Debug().Str("opcode", op.String()).Int("length", len(payload)).
				Msg("finished receiving WebSocket data message")
			s.dispatch(op, payload)
		}
	}
}

// readPayload fills the given buffer from the transport in chunks of up
// to 1 KiB, unmasking in place as it goes. Receiving fewer bytes than
// the frame header declared is an error.
func (s *Session) readPayload(buf []byte, masked bool, key [4]byte) error {
	for off := 0; off < len(buf); {
		n := min(len(buf)-off, readChunkSize)
		chunk := buf[off : off+n]
		if err := s.t.readFull(chunk); err != nil {
			return err
		}
		if masked {
			for i := range chunk {
				chunk[i] ^= key[(off+i)&3]
			}
		}
		off += n
	}
	return nil
}

// dispatch invokes the user callbacks registered for the given event in
// registration order, followed by the session's default ones.
func (s *Session) dispatch(op Opcode, payload []byte) {
	for _, h := range s.handlersFor(op) {
		s.invoke(h, op, payload)
	}
}

// invoke recovers panics per callback, so one
// bad callback can't kill the reader goroutine.
func (s *Session) invoke(h Handler, op Opcode, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("opcode", op.String()).
				Msg("recovered panic in WebSocket event callback")
		}
	}()

	h(s, payload)
}

// pongOnPing is the default ping handler: it answers with a pong
// carrying the ping's payload, unless the peer's Close frame has
// already been received.
//
// "An endpoint MUST be capable of handling control
// frames in the middle of a fragmented message".
func pongOnPing(s *Session, payload []byte) {
	if s.closeReceived {
		return
	}
	if err := s.Send(OpcodePong, payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to send WebSocket pong control frame")
	}
}

// closeOnClose is the default close handler: it completes the closing
// handshake by echoing the peer's status code, unless this side already
// sent a Close frame, and then closes the transport.
//
// "If an endpoint receives a Close frame and did not previously send
// a Close frame, the endpoint MUST send a Close frame in response".
func closeOnClose(s *Session, payload []byte) {
	status, reason := s.parseClosePayload(payload)
	s.sendCloseControlFrame(status, reason)
	_ = s.t.close()
}
