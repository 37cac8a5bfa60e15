package teegate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeypair(t *testing.T) (provider *StaticProvider) {
	t.Helper()
	p, err := NewStaticProvider(AttestationDocument{
		Platform:    "TDX",
		Attestation: "fake-quote",
	})
	require.NoError(t, err)
	return p
}

// runHandshake drives a full XX exchange between an initiator and a
// responder driver and returns both completed states.
func runHandshake(t *testing.T, attestation []byte) (*Noise, *Noise) {
	t.Helper()
	p := testKeypair(t)

	resp, err := NewNoiseResponder(p.StaticKey())
	require.NoError(t, err)
	driver := newHandshakeDriver(resp, attestation)

	init, err := NewNoiseInitiator()
	require.NoError(t, err)

	msg1, err := init.WriteMessage(nil)
	require.NoError(t, err)

	msg2, done, err := driver.handleMessage(msg1)
	require.NoError(t, err)
	require.False(t, done)
	require.NotNil(t, msg2)

	payload, err := init.ReadMessage(msg2)
	require.NoError(t, err)
	assert.Equal(t, attestation, payload)

	msg3, err := init.WriteMessage(nil)
	require.NoError(t, err)
	require.True(t, init.IsComplete())

	reply, done, err := driver.handleMessage(msg3)
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, reply)
	require.True(t, resp.IsComplete())

	assert.Equal(t, p.StaticKey().Public, init.PeerStatic())
	return init, resp
}

func TestHandshakeCarriesAttestation(t *testing.T) {
	doc := AttestationDocument{Platform: "SEV-SNP", Attestation: "jwt-here", Manifest: "{}"}
	blob, err := json.Marshal(doc)
	require.NoError(t, err)

	init, _ := runHandshake(t, blob)

	var got AttestationDocument
	// runHandshake already asserted that the initiator received blob
	// byte-for-byte as the message-2 payload; decoding it shows that payload
	// is the full document.
	require.NotNil(t, init)
	require.NoError(t, json.Unmarshal(blob, &got))
	assert.Equal(t, doc, got)
}

func TestTransportRoundTrip(t *testing.T) {
	init, resp := runHandshake(t, []byte(`{"platform":"TDX"}`))

	plain := []byte("application frame bytes")
	ct, err := resp.Seal(plain)
	require.NoError(t, err)
	assert.Equal(t, len(plain)+NoiseOverhead, len(ct))

	got, err := init.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// And the other direction.
	ct2, err := init.Seal([]byte("upstream"))
	require.NoError(t, err)
	got2, err := resp.Open(ct2)
	require.NoError(t, err)
	assert.Equal(t, []byte("upstream"), got2)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	init, resp := runHandshake(t, []byte(`{}`))

	ct, err := resp.Seal([]byte("payload"))
	require.NoError(t, err)
	ct[0] ^= 0x01

	_, err = init.Open(ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSealBeforeSplitFails(t *testing.T) {
	p := testKeypair(t)
	resp, err := NewNoiseResponder(p.StaticKey())
	require.NoError(t, err)

	_, err = resp.Seal([]byte("early"))
	assert.ErrorIs(t, err, ErrHandshakeIncomplete)
	_, err = resp.Open([]byte("early"))
	assert.ErrorIs(t, err, ErrHandshakeIncomplete)
}

func TestDriverRejectsOversizeHandshakeMessage(t *testing.T) {
	p := testKeypair(t)
	resp, err := NewNoiseResponder(p.StaticKey())
	require.NoError(t, err)
	driver := newHandshakeDriver(resp, []byte(`{}`))

	big := make([]byte, MaxHandshakeMessage+1)
	_, _, err = driver.handleMessage(big)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDriverRejectsGarbageHandshake(t *testing.T) {
	p := testKeypair(t)
	resp, err := NewNoiseResponder(p.StaticKey())
	require.NoError(t, err)
	driver := newHandshakeDriver(resp, []byte(`{}`))

	_, _, err = driver.handleMessage([]byte("not a noise message at all"))
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}
