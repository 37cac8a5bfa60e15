package teegate

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MaxNoisePayload is the largest plaintext a single Noise message can carry:
	// the 65535-byte message limit minus the 16-byte AES-GCM tag.
	MaxNoisePayload = 65535 - NoiseOverhead

	// FrameHeaderOverhead is a conservative bound on the serialized size of a
	// frame's non-payload fields (CBOR map header, field keys, 64-bit chunk id,
	// two 32-bit counters, byte-string header).
	FrameHeaderOverhead = 63

	// MaxFramePayload is the largest payload a single frame may carry so that
	// the serialized frame plus the authentication tag always fits one Noise
	// message.
	MaxFramePayload = MaxNoisePayload - FrameHeaderOverhead
)

// TransportFrame is the unit of encrypted transport. Application messages
// larger than MaxFramePayload are split across several frames sharing one
// randomly drawn chunk id and reassembled by index on the far side.
type TransportFrame struct {
	ChunkID     uint64 `cbor:"cid"`
	ChunkIndex  uint32 `cbor:"idx"`
	TotalChunks uint32 `cbor:"tot"`
	Payload     []byte `cbor:"p"`
}

// EncodeFrames splits an application message into one or more serialized
// frames, each small enough to be sealed into a single Noise message. A fresh
// random chunk id is drawn per message so that interleaved messages from
// concurrent writers never collide. A zero-length message yields a single
// frame with an empty payload.
func EncodeFrames(message []byte) ([][]byte, error) {
	var idBuf [8]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	chunkID := binary.BigEndian.Uint64(idBuf[:])

	total := (len(message) + MaxFramePayload - 1) / MaxFramePayload
	if total == 0 {
		total = 1
	}

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxFramePayload
		end := min(start+MaxFramePayload, len(message))
		raw, err := cbor.Marshal(TransportFrame{
			ChunkID:     chunkID,
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
			Payload:     message[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

// DecodeFrame parses a serialized frame.
func DecodeFrame(raw []byte) (TransportFrame, error) {
	var f TransportFrame
	if err := cbor.Unmarshal(raw, &f); err != nil {
		return TransportFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// messageAssembly collects the frames of one chunk id until all indices are
// present.
type messageAssembly struct {
	parts map[uint32][]byte
	total uint32
}

// FrameAssembler reassembles application messages from transport frames.
// It is per-session state and is driven only by the session's inbound reader,
// so it needs no locking.
type FrameAssembler struct {
	assemblies map[uint64]*messageAssembly
}

// NewFrameAssembler returns an empty assembler.
func NewFrameAssembler() *FrameAssembler {
	return &FrameAssembler{assemblies: make(map[uint64]*messageAssembly)}
}

// Process folds one frame into its assembly. It returns (message, true) when
// the frame completes its message, in which case the assembly is evicted.
// Frames that contradict an assembly in progress are rejected with
// ErrInconsistentFrame; a duplicate index carrying an identical payload is
// dropped silently.
func (a *FrameAssembler) Process(f TransportFrame) ([]byte, bool, error) {
	if f.TotalChunks == 0 {
		return nil, false, fmt.Errorf("%w: zero total_chunks", ErrInconsistentFrame)
	}
	if f.ChunkIndex >= f.TotalChunks {
		return nil, false, fmt.Errorf("%w: index %d out of range [0,%d)", ErrInconsistentFrame, f.ChunkIndex, f.TotalChunks)
	}

	asm, ok := a.assemblies[f.ChunkID]
	if !ok {
		asm = &messageAssembly{parts: make(map[uint32][]byte), total: f.TotalChunks}
		a.assemblies[f.ChunkID] = asm
	} else if asm.total != f.TotalChunks {
		return nil, false, fmt.Errorf("%w: total_chunks changed from %d to %d", ErrInconsistentFrame, asm.total, f.TotalChunks)
	}

	if prev, dup := asm.parts[f.ChunkIndex]; dup {
		if bytes.Equal(prev, f.Payload) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: conflicting payload for index %d", ErrInconsistentFrame, f.ChunkIndex)
	}
	asm.parts[f.ChunkIndex] = f.Payload

	if uint32(len(asm.parts)) < asm.total {
		return nil, false, nil
	}

	size := 0
	for _, p := range asm.parts {
		size += len(p)
	}
	message := make([]byte, 0, size)
	for i := uint32(0); i < asm.total; i++ {
		message = append(message, asm.parts[i]...)
	}
	delete(a.assemblies, f.ChunkID)
	return message, true, nil
}

// Reset discards every assembly in progress. Called when the session ends so
// that no frame payload outlives its connection.
func (a *FrameAssembler) Reset() {
	a.assemblies = make(map[uint64]*messageAssembly)
}
