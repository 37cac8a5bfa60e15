package teegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Session phases. The phase only moves forward; FAILED and CLOSED are
// terminal.
const (
	PhaseHandshake int32 = iota
	PhaseEstablished
	PhaseFailed
	PhaseClosed
)

// Websocket close codes used when tearing a session down.
const (
	// CloseCannotAccept signals malformed protocol bytes from the peer.
	CloseCannotAccept = websocket.CloseUnsupportedData
	// CloseUnexpectedCondition signals a crypto or internal failure.
	CloseUnexpectedCondition = websocket.CloseInternalServerErr
)

// Session is the per-websocket state: handshake driver, transport ciphers,
// frame assembler, stream registry and authorization snapshot. It is created
// on socket open and destroyed on socket close; the ciphers become valid
// exactly when the phase transitions to ESTABLISHED.
type Session struct {
	id       string
	conn     *websocket.Conn
	noise    *Noise
	driver   *handshakeDriver
	asm      *FrameAssembler
	registry *StreamRegistry
	routes   *RouteTable
	auth     AuthSnapshot
	cfg      *Config
	log      *logrus.Entry
	metrics  Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu owns the send cipher and the socket write path. Concurrent
	// handlers that finish simultaneously serialize their
	// serialize-encrypt-write step here; it is the only mutual exclusion on
	// the outbound path.
	sendMu sync.Mutex

	phase     atomic.Int32
	closeOnce sync.Once
	handlers  sync.WaitGroup
}

// newSession wires a session for an upgraded websocket connection. The
// attestation document is fetched once per session and rides in the first
// outbound handshake message.
func newSession(conn *websocket.Conn, cfg *Config, routes *RouteTable, auth AuthSnapshot, id string) (*Session, error) {
	doc, err := cfg.provider.Document()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	attestation, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	n, err := NewNoiseResponder(cfg.provider.StaticKey())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := cfg.log.WithField("conn", id)
	s := &Session{
		id:       id,
		conn:     conn,
		noise:    n,
		driver:   newHandshakeDriver(n, attestation),
		asm:      NewFrameAssembler(),
		registry: NewStreamRegistry(cfg.streamLimits, log),
		routes:   routes,
		auth:     auth,
		cfg:      cfg,
		log:      log,
		metrics:  cfg.metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.phase.Store(PhaseHandshake)
	return s, nil
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() int32 { return s.phase.Load() }

// Registry exposes the session's stream registry.
func (s *Session) Registry() *StreamRegistry { return s.registry }

// Run drives the session: handshake, then the inbound reader that owns the
// receive cipher and the frame assembler. It returns when the connection is
// gone; all in-flight handler tasks are cancelled before it does.
func (s *Session) Run() {
	s.metrics.AddActiveSessions(1)
	defer s.metrics.AddActiveSessions(-1)
	defer s.teardown()

	s.conn.SetReadLimit(int64(s.cfg.readLimit))
	if s.cfg.pingInterval > 0 {
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(3 * s.cfg.pingInterval))
		})
		_ = s.conn.SetReadDeadline(time.Now().Add(3 * s.cfg.pingInterval))
		go s.keepAlive()
	}

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.phase.Load() < PhaseFailed {
				s.log.WithError(err).Info("connection closed")
				s.phase.Store(PhaseClosed)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			s.fail(CloseCannotAccept, "non-binary message")
			return
		}

		switch s.phase.Load() {
		case PhaseHandshake:
			if err := s.stepHandshake(data); err != nil {
				s.metrics.IncrementHandshakeFailed()
				s.fail(CloseUnexpectedCondition, err.Error())
				return
			}
		case PhaseEstablished:
			if err := s.readFrame(data); err != nil {
				code := CloseUnexpectedCondition
				if isProtocolErr(err) {
					code = CloseCannotAccept
				}
				s.fail(code, err.Error())
				return
			}
		default:
			return
		}
	}
}

// stepHandshake feeds one inbound frame to the handshake driver and sends
// its reply. On SPLIT the transient handshake state is dropped and the
// session becomes ESTABLISHED.
func (s *Session) stepHandshake(data []byte) error {
	reply, done, err := s.driver.handleMessage(data)
	if err != nil {
		return err
	}
	if reply != nil {
		s.sendMu.Lock()
		werr := s.conn.WriteMessage(websocket.BinaryMessage, reply)
		s.sendMu.Unlock()
		if werr != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, werr)
		}
	}
	if done {
		s.driver = nil
		s.phase.Store(PhaseEstablished)
		s.metrics.IncrementHandshakeCompleted()
		s.log.Info("session established")
	}
	return nil
}

// readFrame decrypts and reassembles one inbound websocket message, then
// dispatches any completed application message.
func (s *Session) readFrame(data []byte) error {
	if len(data) > MaxNoisePayload+NoiseOverhead {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	s.metrics.IncrementFramesIn()
	s.metrics.IncrementBytesReceived(int64(len(data)))

	plain, err := s.noise.Open(data)
	if err != nil {
		return err
	}
	frame, err := DecodeFrame(plain)
	if err != nil {
		return err
	}
	msg, complete, err := s.asm.Process(frame)
	if err != nil {
		return err
	}
	if !complete {
		return nil
	}
	return s.dispatch(msg)
}

// sendMessage frames, encrypts and writes one application message. Each
// frame becomes exactly one websocket binary message of len(frame)+16 bytes.
func (s *Session) sendMessage(msg []byte) error {
	if s.phase.Load() != PhaseEstablished {
		return ErrSessionClosed
	}
	frames, err := EncodeFrames(msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, frame := range frames {
		sealed, err := s.noise.Seal(frame)
		if err != nil {
			s.log.WithError(err).Error("outbound encryption failed")
			s.failAsync(CloseUnexpectedCondition, "encryption failure")
			return err
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
			return fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		s.metrics.IncrementFramesOut()
		s.metrics.IncrementBytesSent(int64(len(sealed)))
	}
	return nil
}

// sendResponse serializes one response envelope onto the wire.
func (s *Session) sendResponse(e *ResponseEnvelope) error {
	raw, err := EncodeResponse(e)
	if err != nil {
		return err
	}
	return s.sendMessage(raw)
}

// keepAlive pings the peer on an interval; pongs refresh the read deadline.
// Control frames bypass the Noise layer entirely.
func (s *Session) keepAlive() {
	ticker := time.NewTicker(s.cfg.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.pingInterval / 2)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// fail marks the session FAILED, sends the close reason and tears the
// connection down. Further application messages are never delivered.
func (s *Session) fail(code int, reason string) {
	for {
		p := s.phase.Load()
		if p >= PhaseFailed {
			return
		}
		if s.phase.CompareAndSwap(p, PhaseFailed) {
			break
		}
	}
	s.log.WithField("close_code", code).Warn("session failed: " + reason)
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = s.conn.Close()
}

// failAsync is fail for callers already holding sendMu.
func (s *Session) failAsync(code int, reason string) {
	go s.fail(code, reason)
}

// teardown cancels every in-flight handler and stream and releases the
// ciphers. Runs exactly once, when the reader exits.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		if s.phase.Load() < PhaseFailed {
			s.phase.Store(PhaseClosed)
		}
		s.cancel()
		s.registry.CancelAll()
		s.asm.Reset()
		_ = s.conn.Close()
		s.handlers.Wait()
		s.noise = nil
		s.log.Info("session torn down")
	})
}

// isProtocolErr classifies errors that indicate malformed peer bytes
// (CANNOT_ACCEPT) rather than crypto or internal failure
// (UNEXPECTED_CONDITION).
func isProtocolErr(err error) bool {
	for _, target := range []error{ErrMalformedFrame, ErrInconsistentFrame, ErrProtocol} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
