package ws

import (
	"errors"
	"io"
	"net"
	"time"
)

// ErrorKind classifies fatal endpoint failures reported through WhenError.
type ErrorKind int

const (
	ErrorRead ErrorKind = iota
	ErrorWrite
	ErrorProtocol
	ErrorHandshake
)

// String returns the error kind name for log output.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRead:
		return "read-error"
	case ErrorWrite:
		return "write-error"
	case ErrorProtocol:
		return "protocol-violation"
	case ErrorHandshake:
		return "handshake-failed"
	default:
		return "unknown-error"
	}
}

// State tracks the endpoint lifecycle.
type State int

const (
	StateAccepting State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

const (
	// pollInterval bounds how long a single pump round may wait on the
	// socket. It approximates non-blocking I/O on top of net.Conn
	// deadlines; a round with no traffic returns within this bound.
	pollInterval = time.Millisecond

	// maxFramePayload caps inbound frame payloads. Tool calls are small
	// JSON documents; anything beyond this is a misbehaving peer.
	maxFramePayload = 16 << 20

	// readChunk is the per-round read buffer size.
	readChunk = 32 * 1024
)

// Endpoint is one side of a WebSocket connection. It owns its transport
// socket and byte buffers and is driven by Pump from a single owner loop;
// none of its methods are safe for concurrent use.
//
// The client side masks outgoing frames and expects unmasked inbound frames;
// the server side is the mirror image.
type Endpoint struct {
	// WhenText is invoked for each complete TEXT frame payload.
	WhenText func(msg string)
	// WhenBinary is invoked for each complete BINARY frame payload.
	WhenBinary func(data []byte)
	// WhenClose is invoked when the peer initiates a close. Returning
	// false vetoes the mirror CLOSE frame; either way the transport is
	// shut down on the next Pump once the outbound buffer has drained.
	WhenClose func(code int, reason string) bool
	// WhenError is invoked once on fatal failure, after which the
	// endpoint is Closed.
	WhenError func(kind ErrorKind)

	conn     net.Conn
	inbuf    []byte
	outbuf   []byte
	isClient bool
	state    State
	closed   bool

	txBytes uint64
	rxBytes uint64

	lastPong time.Time

	// server handshake
	pathPrefix string
	// client handshake
	clientKey string

	// set when the handshake was refused; the refusal response drains
	// before the transport closes
	failAfterDrain bool
	failKind       ErrorKind

	// set once the upgrade handshake has succeeded
	upgraded bool
	// set by the owning Server once WhenAccept has fired
	announced bool
}

// newServerEndpoint wraps an accepted connection. The handshake completes
// during subsequent Pump rounds.
func newServerEndpoint(conn net.Conn, pathPrefix string) *Endpoint {
	return &Endpoint{
		conn:       conn,
		state:      StateHandshaking,
		pathPrefix: pathPrefix,
	}
}

// newClientEndpoint wraps an outbound connection and queues the upgrade
// request for host/path. The handshake completes during Pump rounds.
func newClientEndpoint(conn net.Conn, host, path string) *Endpoint {
	request, key := buildClientHandshake(host, path)
	return &Endpoint{
		conn:      conn,
		state:     StateHandshaking,
		isClient:  true,
		clientKey: key,
		outbuf:    request,
	}
}

// State returns the current lifecycle state.
func (e *Endpoint) State() State { return e.state }

// IsClosed reports whether the endpoint refuses further sends.
func (e *Endpoint) IsClosed() bool { return e.closed }

// TxBytes returns the number of bytes written to the transport.
func (e *Endpoint) TxBytes() uint64 { return e.txBytes }

// RxBytes returns the number of bytes read from the transport.
func (e *Endpoint) RxBytes() uint64 { return e.rxBytes }

// LastPong returns the time the most recent PONG arrived; zero if none has.
func (e *Endpoint) LastPong() time.Time { return e.lastPong }

// RemoteAddr returns the peer address for log output.
func (e *Endpoint) RemoteAddr() string {
	if e.conn == nil {
		return "<nil>"
	}
	return e.conn.RemoteAddr().String()
}

// SendText enqueues a TEXT frame. Dropped silently once the endpoint is
// closed. The frame is not held back until the handshake completes: it is
// queued at once, behind whatever the outbound buffer already holds.
func (e *Endpoint) SendText(msg string) {
	e.sendFrame(OpText, []byte(msg))
}

// SendBinary enqueues a BINARY frame. Dropped silently once closed.
func (e *Endpoint) SendBinary(data []byte) {
	e.sendFrame(OpBinary, data)
}

func (e *Endpoint) sendFrame(op Opcode, payload []byte) {
	if e.closed {
		return
	}
	f := Frame{Fin: true, Opcode: op, Payload: payload}
	e.outbuf = append(e.outbuf, f.Encode(e.isClient)...)
}

// Close enqueues a CLOSE frame with the given status code and reason and
// refuses further sends. The transport shuts down once the frame drains.
// Safe to call repeatedly.
func (e *Endpoint) Close(code int, reason string) {
	if e.closed {
		return
	}
	e.sendFrame(OpClose, closePayload(code, reason))
	e.closed = true
	e.state = StateClosing
}

// fatal tears the endpoint down immediately and reports kind through
// WhenError. Queued output is abandoned.
func (e *Endpoint) fatal(kind ErrorKind) {
	if e.state == StateClosed {
		return
	}
	e.closed = true
	e.state = StateClosed
	if e.conn != nil {
		_ = e.conn.Close()
	}
	if e.WhenError != nil {
		e.WhenError(kind)
	}
}

// shutdown closes the transport after an orderly close exchange. No error
// callback fires.
func (e *Endpoint) shutdown() {
	e.closed = true
	e.state = StateClosed
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

// Pump drives one round of outbound write, inbound read, frame parsing and
// handler dispatch. It returns false once the endpoint is finished (orderly
// close or fatal error) and the owner should discard it.
func (e *Endpoint) Pump() bool {
	if e.state == StateClosed {
		return false
	}

	if !e.writePending() {
		return false
	}

	// A closing endpoint with a drained buffer has finished its part of
	// the exchange.
	if e.state == StateClosing && len(e.outbuf) == 0 {
		e.shutdown()
		return false
	}
	if e.failAfterDrain && len(e.outbuf) == 0 {
		e.fatal(e.failKind)
		return false
	}

	if !e.readIncoming() {
		return false
	}

	switch e.state {
	case StateHandshaking:
		return e.pumpHandshake()
	case StateOpen, StateClosing:
		return e.pumpFrames()
	}
	return e.state != StateClosed
}

// writePending flushes as much queued output as the socket accepts.
func (e *Endpoint) writePending() bool {
	if len(e.outbuf) == 0 {
		return true
	}
	if err := e.conn.SetWriteDeadline(time.Now().Add(pollInterval)); err != nil {
		e.fatal(ErrorWrite)
		return false
	}
	n, err := e.conn.Write(e.outbuf)
	e.txBytes += uint64(n)
	e.outbuf = e.outbuf[n:]
	if len(e.outbuf) == 0 {
		e.outbuf = nil
	}
	if err != nil && !isWouldBlock(err) {
		e.fatal(ErrorWrite)
		return false
	}
	return true
}

// readIncoming appends whatever the socket has ready to the inbound buffer.
func (e *Endpoint) readIncoming() bool {
	if err := e.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		e.fatal(ErrorRead)
		return false
	}
	chunk := make([]byte, readChunk)
	n, err := e.conn.Read(chunk)
	if n > 0 {
		e.rxBytes += uint64(n)
		e.inbuf = append(e.inbuf, chunk[:n]...)
	}
	if err != nil {
		if isWouldBlock(err) {
			return true
		}
		if n > 0 {
			// Data arrived together with the error; parse it this
			// round and let the next read surface the failure.
			return true
		}
		if errors.Is(err, io.EOF) && e.state == StateClosing {
			// Peer closed the transport after the close exchange.
			e.shutdown()
			return false
		}
		e.fatal(ErrorRead)
		return false
	}
	return true
}

// pumpHandshake advances the HTTP upgrade once a full header block arrived.
func (e *Endpoint) pumpHandshake() bool {
	length, complete := headerBlockComplete(e.inbuf)
	if !complete {
		return true
	}
	block := e.inbuf[:length]
	e.inbuf = e.inbuf[length:]

	if e.isClient {
		if err := checkClientHandshake(block, e.clientKey); err != nil {
			e.fatal(ErrorHandshake)
			return false
		}
		e.state = StateOpen
		e.upgraded = true
		return true
	}

	reply := processServerHandshake(block, e.pathPrefix)
	e.outbuf = append(e.outbuf, reply.response...)
	if !reply.ok {
		e.failAfterDrain = true
		e.failKind = ErrorHandshake
		return true
	}
	e.state = StateOpen
	e.upgraded = true
	return true
}

// pumpFrames parses and dispatches every complete frame in the inbound
// buffer. Frames arriving while closing are drained and dropped.
func (e *Endpoint) pumpFrames() bool {
	for {
		var f Frame
		consumed, err := f.Decode(e.inbuf, !e.isClient)
		if err != nil {
			e.fatal(ErrorProtocol)
			return false
		}
		if consumed == 0 {
			return true
		}
		e.inbuf = e.inbuf[consumed:]
		if len(e.inbuf) == 0 {
			e.inbuf = nil
		}
		if len(f.Payload) > maxFramePayload {
			e.fatal(ErrorProtocol)
			return false
		}
		if !e.handleFrame(&f) {
			return false
		}
	}
}

func (e *Endpoint) handleFrame(f *Frame) bool {
	switch f.Opcode {
	case OpPing:
		// Reply with a PONG carrying the identical payload. Once closing,
		// nothing may follow the queued CLOSE frame.
		if e.state == StateOpen {
			pong := Frame{Fin: true, Opcode: OpPong, Payload: f.Payload}
			e.outbuf = append(e.outbuf, pong.Encode(e.isClient)...)
		}
		return true

	case OpPong:
		e.lastPong = time.Now()
		return true

	case OpClose:
		code, reason := parseClosePayload(f.Payload)
		alreadyClosing := e.state == StateClosing
		mirror := true
		if e.WhenClose != nil {
			mirror = e.WhenClose(code, reason)
		}
		if !alreadyClosing && mirror {
			// Echo the status code back; a code-less close is mirrored
			// code-less (1005 is for reporting, never for the wire).
			var payload []byte
			if len(f.Payload) >= 2 {
				payload = closePayload(code, "")
			}
			echo := Frame{Fin: true, Opcode: OpClose, Payload: payload}
			e.outbuf = append(e.outbuf, echo.Encode(e.isClient)...)
		}
		e.closed = true
		e.state = StateClosing
		return true

	case OpText:
		if !f.Fin {
			e.fatal(ErrorProtocol)
			return false
		}
		if e.state == StateOpen && e.WhenText != nil {
			e.WhenText(string(f.Payload))
		}
		return true

	case OpBinary:
		if !f.Fin {
			e.fatal(ErrorProtocol)
			return false
		}
		if e.state == StateOpen && e.WhenBinary != nil {
			e.WhenBinary(f.Payload)
		}
		return true

	case OpContinuation:
		// Message fragmentation is unsupported; a continuation frame can
		// never follow a FIN-only stream.
		e.fatal(ErrorProtocol)
		return false
	}
	return true
}

// isWouldBlock reports whether err is a deadline expiry, i.e. the socket had
// nothing ready this round.
func isWouldBlock(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
