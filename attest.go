package teegate

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

// AttestationDocument is the JSON payload carried in the gateway's first
// outbound handshake message. The attestation field binds the session: the
// responder's static public key occupies the first 32 bytes of the TEE
// quote's report data, so a client that verifies the quote knows it is
// keying to attested code.
type AttestationDocument struct {
	Platform       string `json:"platform"`
	Attestation    string `json:"attestation"`
	Manifest       string `json:"manifest"`
	ManifestBundle string `json:"manifestBundle"`
}

// AttestationProvider supplies the responder's static keypair and the
// attestation document bound to it. Concrete TDX/SEV-SNP providers live
// outside this module; the core only depends on this contract.
type AttestationProvider interface {
	// StaticKey returns the long-lived X25519 keypair. The session borrows
	// it; ownership stays with the provider.
	StaticKey() noise.DHKey
	// Document returns the attestation response for the current key.
	Document() (AttestationDocument, error)
}

// StaticProvider serves a fixed keypair and document. It is the dev-mode
// provider and the test double; it performs no quote generation.
type StaticProvider struct {
	key noise.DHKey
	doc AttestationDocument
}

// NewStaticProvider generates a fresh X25519 keypair for the given document.
func NewStaticProvider(doc AttestationDocument) (*StaticProvider, error) {
	key, err := defaultCipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	return &StaticProvider{key: key, doc: doc}, nil
}

// NewStaticProviderWithKey wraps an existing keypair, for deployments where
// the key is derived outside the gateway process.
func NewStaticProviderWithKey(key noise.DHKey, doc AttestationDocument) *StaticProvider {
	return &StaticProvider{key: key, doc: doc}
}

// StaticKey implements AttestationProvider.
func (p *StaticProvider) StaticKey() noise.DHKey { return p.key }

// Document implements AttestationProvider.
func (p *StaticProvider) Document() (AttestationDocument, error) { return p.doc, nil }
