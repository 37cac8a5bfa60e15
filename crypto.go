package teegate

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

// NoiseOverhead is the AES-GCM authentication tag appended to every
// ciphertext. The websocket carrier preserves message boundaries, so no
// length prefix is needed.
const NoiseOverhead = 16

// MaxHandshakeMessage bounds the size of a single handshake frame. Anything
// larger aborts the session before the key agreement completes.
const MaxHandshakeMessage = 4096

// defaultCipherSuite is the Noise cipher suite used for all sessions.
// Cached at package level since it's immutable and reusable.
var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// Noise encapsulates the Noise Protocol handshake state and, after SPLIT,
// the session ciphers. The gateway runs the XX pattern: both sides are
// authenticated by static keys, and the responder's static public key is
// bound to its TEE attestation via the quote's report data.
type Noise struct {
	hs          *noise.HandshakeState
	cs1         *noise.CipherState
	cs2         *noise.CipherState
	peerStatic  []byte
	isComplete  bool
	isInitiator bool
}

// NewNoiseResponder creates the gateway-side (responder) handshake state.
// The static keypair is owned by the attestation provider and borrowed here.
func NewNoiseResponder(static noise.DHKey) (*Noise, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   defaultCipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	return &Noise{hs: hs, isInitiator: false}, nil
}

// NewNoiseInitiator creates the client-side handshake state with a fresh
// ephemeral-use static keypair.
func NewNoiseInitiator() (*Noise, error) {
	static, err := defaultCipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   defaultCipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	return &Noise{hs: hs, isInitiator: true}, nil
}

// WriteMessage creates the next handshake message, encrypting the payload.
// It returns the message to send to the peer.
func (nh *Noise) WriteMessage(payload []byte) ([]byte, error) {
	msg, cs1, cs2, err := nh.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	nh.maybeSplit(cs1, cs2)
	return msg, nil
}

// ReadMessage processes a handshake message from the peer, decrypting the
// payload.
func (nh *Noise) ReadMessage(msg []byte) ([]byte, error) {
	payload, cs1, cs2, err := nh.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	nh.maybeSplit(cs1, cs2)
	return payload, nil
}

// maybeSplit retains the transport ciphers once the final handshake message
// has been processed and drops the transient handshake state.
func (nh *Noise) maybeSplit(cs1, cs2 *noise.CipherState) {
	if cs1 != nil && cs2 != nil {
		nh.cs1, nh.cs2 = cs1, cs2
		nh.peerStatic = nh.hs.PeerStatic()
		nh.isComplete = true
		nh.hs = nil
	}
}

// IsComplete reports whether SPLIT happened and session keys are established.
func (nh *Noise) IsComplete() bool {
	return nh.isComplete
}

// IsInitiator reports whether this side initiated the handshake.
func (nh *Noise) IsInitiator() bool {
	return nh.isInitiator
}

// PeerStatic returns the peer's static public key, available after the
// handshake message that carries it has been read.
func (nh *Noise) PeerStatic() []byte {
	if nh.hs != nil {
		return nh.hs.PeerStatic()
	}
	return nh.peerStatic
}

// Seal encrypts one transport frame with the session send cipher. The
// ciphertext is exactly len(frame)+NoiseOverhead bytes.
func (nh *Noise) Seal(frame []byte) ([]byte, error) {
	if !nh.isComplete {
		return nil, ErrHandshakeIncomplete
	}
	var out []byte
	var err error
	if nh.isInitiator {
		out, err = nh.cs1.Encrypt(nil, nil, frame)
	} else {
		out, err = nh.cs2.Encrypt(nil, nil, frame)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return out, nil
}

// Open decrypts one transport frame with the session receive cipher.
// Failure is fatal for the session.
func (nh *Noise) Open(ciphertext []byte) ([]byte, error) {
	if !nh.isComplete {
		return nil, ErrHandshakeIncomplete
	}
	var out []byte
	var err error
	if nh.isInitiator {
		out, err = nh.cs2.Decrypt(nil, nil, ciphertext)
	} else {
		out, err = nh.cs1.Decrypt(nil, nil, ciphertext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return out, nil
}

// handshakeDriver steps the responder through the XX message sequence as
// inbound handshake frames arrive. The first (and only the first) outbound
// message carries the JSON attestation document; the rest are empty.
type handshakeDriver struct {
	noise       *Noise
	attestation []byte
	sentPayload bool
}

func newHandshakeDriver(n *Noise, attestation []byte) *handshakeDriver {
	return &handshakeDriver{noise: n, attestation: attestation}
}

// handleMessage consumes one inbound handshake frame and returns the reply
// to send, if any, plus whether the handshake reached SPLIT.
func (d *handshakeDriver) handleMessage(msg []byte) (reply []byte, done bool, err error) {
	if len(msg) > MaxHandshakeMessage {
		return nil, false, fmt.Errorf("%w: handshake message of %d bytes", ErrFrameTooLarge, len(msg))
	}
	if _, err := d.noise.ReadMessage(msg); err != nil {
		return nil, false, err
	}
	if d.noise.IsComplete() {
		return nil, true, nil
	}

	payload := d.attestation
	if d.sentPayload {
		payload = nil
	}
	reply, err = d.noise.WriteMessage(payload)
	if err != nil {
		return nil, false, err
	}
	d.sentPayload = true
	d.attestation = nil
	return reply, d.noise.IsComplete(), nil
}
