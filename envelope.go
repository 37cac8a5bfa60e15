package teegate

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Chunk is one fragment of a streamed request body, ordered by Seq.
type Chunk struct {
	Data  []byte `cbor:"data"`
	Seq   uint32 `cbor:"seq"`
	Final bool   `cbor:"final,omitempty"`
}

// RequestEnvelope is the client-to-gateway application message. Exactly one
// of two shapes is legal:
//
//   - initiating: Verb and Path both present, Chunk optional (present means a
//     streaming upload begins with this envelope);
//   - continuation: Verb and Path both absent, Chunk required.
//
// Every envelope carries the request id it belongs to.
type RequestEnvelope struct {
	ID    uint64  `cbor:"id"`
	Verb  *string `cbor:"verb,omitempty"`
	Path  *string `cbor:"path,omitempty"`
	Body  []byte  `cbor:"body,omitempty"`
	Chunk *Chunk  `cbor:"chunk,omitempty"`
}

// Initiating reports whether this envelope opens a new request.
func (e *RequestEnvelope) Initiating() bool {
	return e.Verb != nil
}

// validate enforces the two-shape wire contract.
func (e *RequestEnvelope) validate() error {
	if (e.Verb == nil) != (e.Path == nil) {
		return fmt.Errorf("%w: verb and path must be present together", ErrProtocol)
	}
	if e.Verb == nil && e.Chunk == nil {
		return fmt.Errorf("%w: envelope carries neither verb nor chunk", ErrProtocol)
	}
	return nil
}

// ResponseEnvelope is the gateway-to-client application message. Streaming
// responses emit several envelopes sharing one id; headers ride only on the
// first of them.
type ResponseEnvelope struct {
	ID      uint64            `cbor:"id"`
	Status  int               `cbor:"status"`
	Body    []byte            `cbor:"body,omitempty"`
	Headers map[string]string `cbor:"headers,omitempty"`
}

// DecodeRequest parses and validates a client envelope.
func DecodeRequest(raw []byte) (*RequestEnvelope, error) {
	var e RequestEnvelope
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// EncodeRequest serializes a client envelope. Used by the initiator side and
// by tests.
func EncodeRequest(e *RequestEnvelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(e)
}

// DecodeResponse parses a gateway envelope.
func DecodeResponse(raw []byte) (*ResponseEnvelope, error) {
	var e ResponseEnvelope
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &e, nil
}

// EncodeResponse serializes a gateway envelope.
func EncodeResponse(e *ResponseEnvelope) ([]byte, error) {
	return cbor.Marshal(e)
}
