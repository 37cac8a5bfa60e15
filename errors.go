package teegate

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned when transport frame bytes cannot be decoded.
	ErrMalformedFrame = errors.New("malformed transport frame")
	// ErrInconsistentFrame is returned when a frame contradicts an assembly in progress.
	ErrInconsistentFrame = errors.New("inconsistent transport frame")
	// ErrFrameTooLarge is returned when a received frame exceeds the transport limit.
	ErrFrameTooLarge = errors.New("frame exceeds transport limit")
	// ErrHandshakeFailed is returned when the Noise handshake fails.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrHandshakeIncomplete is returned when session ciphers are requested before SPLIT.
	ErrHandshakeIncomplete = errors.New("handshake not complete")
	// ErrDecryptionFailed is returned when received data cannot be decrypted.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when data cannot be encrypted.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrNoiseInitFailed is returned when the Noise protocol state cannot be initialized.
	ErrNoiseInitFailed = errors.New("noise handshake initialization failed")
	// ErrProtocol is returned when an envelope does not satisfy the wire contract.
	ErrProtocol = errors.New("protocol error")
	// ErrSessionClosed is returned when an operation is attempted on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownRoute is returned when no handler is installed for a verb/path pair.
	ErrUnknownRoute = errors.New("unknown route")
	// ErrInvalidToken is returned when the bearer token fails verification.
	ErrInvalidToken = errors.New("invalid bearer token")
	// ErrInvalidConfig is returned when the provided options result in an invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStreamClosed is returned when writing to a completed or cancelled stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrStreamTooLarge is returned when an upload exceeds the per-stream byte cap.
	ErrStreamTooLarge = errors.New("stream exceeds byte limit")
	// ErrTooManyOutOfOrder is returned when a stream buffers too many reordered chunks.
	ErrTooManyOutOfOrder = errors.New("too many out-of-order chunks")
	// ErrTooManyActiveStreams is returned when the active stream cap is reached.
	ErrTooManyActiveStreams = errors.New("too many active streams")
	// ErrTooManyPendingChunks is returned when an unclaimed id accumulates too many chunks.
	ErrTooManyPendingChunks = errors.New("too many pending chunks")
)

// RequestError is a per-request failure that handlers (and the dispatcher)
// translate into a single error envelope on the originating request id.
// The session stays alive.
type RequestError struct {
	Status int
	Msg    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: %d %s", e.Status, e.Msg)
}

// NewRequestError builds a RequestError with the given status and message.
func NewRequestError(status int, format string, args ...any) *RequestError {
	return &RequestError{Status: status, Msg: fmt.Sprintf(format, args...)}
}

// requestStatus extracts the response status for a handler error. Transport
// level request errors keep their status; everything else is a 500 with a
// generic message so internal details never reach the client.
func requestStatus(err error) (int, string) {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status, re.Msg
	}
	return 500, "internal error"
}
