package teegate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Client is the initiator side of a gateway session. It runs the Noise-XX
// handshake over a binary websocket, surfaces the attestation document the
// gateway presents in its first handshake reply, and multiplexes independent
// requests over the established tunnel.
type Client struct {
	conn  *websocket.Conn
	noise *Noise
	asm   *FrameAssembler
	doc   AttestationDocument

	// sendMu owns the send cipher and the socket write path.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *ResponseEnvelope
	readErr error

	nextID    atomic.Uint64
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial connects to a gateway websocket URL (including the token query
// parameter) and completes the handshake. The caller should inspect
// Attestation and PeerStatic before trusting the tunnel.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c := &Client{
		conn:    conn,
		asm:     NewFrameAssembler(),
		pending: make(map[uint64]chan *ResponseEnvelope),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// handshake runs the three XX messages: e out, e+ee+s+es in (carrying the
// attestation document), s+se out.
func (c *Client) handshake() error {
	n, err := NewNoiseInitiator()
	if err != nil {
		return err
	}
	c.noise = n

	msg1, err := n.WriteMessage(nil)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg1); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	mt, msg2, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if mt != websocket.BinaryMessage || len(msg2) > MaxHandshakeMessage {
		return fmt.Errorf("%w: unacceptable handshake reply", ErrHandshakeFailed)
	}
	payload, err := n.ReadMessage(msg2)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, &c.doc); err != nil {
		return fmt.Errorf("%w: attestation payload: %v", ErrHandshakeFailed, err)
	}

	msg3, err := n.WriteMessage(nil)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg3); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !n.IsComplete() {
		return ErrHandshakeIncomplete
	}
	return nil
}

// Attestation returns the document presented by the gateway during the
// handshake.
func (c *Client) Attestation() AttestationDocument { return c.doc }

// PeerStatic returns the gateway's static public key, for binding against
// the first 32 bytes of the attested quote's report data.
func (c *Client) PeerStatic() []byte { return c.noise.PeerStatic() }

// readLoop owns the receive cipher and the assembler, routing decoded
// response envelopes to their per-request subscribers.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		plain, err := c.noise.Open(data)
		if err != nil {
			c.finish(err)
			return
		}
		frame, err := DecodeFrame(plain)
		if err != nil {
			c.finish(err)
			return
		}
		msg, complete, err := c.asm.Process(frame)
		if err != nil {
			c.finish(err)
			return
		}
		if !complete {
			continue
		}
		resp, err := DecodeResponse(msg)
		if err != nil {
			c.finish(err)
			return
		}

		c.mu.Lock()
		ch := c.pending[resp.ID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- resp:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// finish records the terminal read error and wakes every waiter.
func (c *Client) finish(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
	c.cancel()
}

// Close tears the tunnel down and fails all pending requests.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.finish(ErrSessionClosed)
		_ = c.conn.Close()
	})
	return nil
}

// NextID allocates a fresh request id.
func (c *Client) NextID() uint64 { return c.nextID.Add(1) }

// Subscribe registers interest in envelopes for a request id. The returned
// channel is buffered; Unsubscribe releases it.
func (c *Client) Subscribe(id uint64) <-chan *ResponseEnvelope {
	ch := make(chan *ResponseEnvelope, 16)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// Unsubscribe drops the subscription for a request id.
func (c *Client) Unsubscribe(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Send frames, encrypts and writes one request envelope.
func (c *Client) Send(e *RequestEnvelope) error {
	raw, err := EncodeRequest(e)
	if err != nil {
		return err
	}
	frames, err := EncodeFrames(raw)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, frame := range frames {
		sealed, err := c.noise.Seal(frame)
		if err != nil {
			return err
		}
		if err := c.conn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
			return fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
	}
	return nil
}

// await returns the next envelope for the subscription or the tunnel error.
func (c *Client) await(ctx context.Context, ch <-chan *ResponseEnvelope) (*ResponseEnvelope, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrSessionClosed
		}
		return nil, err
	}
}

// Do issues a single request and waits for its one response envelope.
func (c *Client) Do(ctx context.Context, verb, path string, body []byte) (*ResponseEnvelope, error) {
	id := c.NextID()
	ch := c.Subscribe(id)
	defer c.Unsubscribe(id)

	if err := c.Send(&RequestEnvelope{ID: id, Verb: &verb, Path: &path, Body: body}); err != nil {
		return nil, err
	}
	return c.await(ctx, ch)
}

// Stream issues a request whose response body arrives across several
// envelopes, copying each slice into w until the zero-length terminator. It
// returns the headers from the first envelope. A non-200 envelope aborts the
// stream with a RequestError.
func (c *Client) Stream(ctx context.Context, verb, path string, body []byte, w io.Writer) (map[string]string, error) {
	id := c.NextID()
	ch := c.Subscribe(id)
	defer c.Unsubscribe(id)

	if err := c.Send(&RequestEnvelope{ID: id, Verb: &verb, Path: &path, Body: body}); err != nil {
		return nil, err
	}

	var headers map[string]string
	for {
		resp, err := c.await(ctx, ch)
		if err != nil {
			return headers, err
		}
		if resp.Status != 200 {
			return headers, NewRequestError(resp.Status, "%s", string(resp.Body))
		}
		if headers == nil && resp.Headers != nil {
			headers = resp.Headers
		}
		if len(resp.Body) == 0 {
			return headers, nil
		}
		if _, err := w.Write(resp.Body); err != nil {
			return headers, err
		}
	}
}

// Upload streams a request body to the gateway as ordered chunks, the first
// riding on the initiating envelope, and waits for the single response.
func (c *Client) Upload(ctx context.Context, verb, path string, chunks [][]byte) (*ResponseEnvelope, error) {
	if len(chunks) == 0 {
		return c.Do(ctx, verb, path, nil)
	}
	id := c.NextID()
	ch := c.Subscribe(id)
	defer c.Unsubscribe(id)

	first := &Chunk{Data: chunks[0], Seq: 0, Final: len(chunks) == 1}
	if err := c.Send(&RequestEnvelope{ID: id, Verb: &verb, Path: &path, Chunk: first}); err != nil {
		return nil, err
	}
	for i := 1; i < len(chunks); i++ {
		cont := &Chunk{Data: chunks[i], Seq: uint32(i), Final: i == len(chunks)-1}
		if err := c.Send(&RequestEnvelope{ID: id, Chunk: cont}); err != nil {
			return nil, err
		}
	}
	return c.await(ctx, ch)
}
