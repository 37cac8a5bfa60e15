package teegate

import (
	"fmt"
	"io"
	"sync"
)

const (
	// DefaultMaxActiveStreams caps the number of concurrently active upload
	// streams per connection.
	DefaultMaxActiveStreams = 10
	// DefaultMaxPendingIDs caps how many distinct request ids may buffer
	// chunks before a handler claims them. Overflow evicts the
	// least-recently-inserted id.
	DefaultMaxPendingIDs = 16
	// DefaultMaxPendingChunks caps the buffered chunks per unclaimed id.
	DefaultMaxPendingChunks = 256
	// DefaultMaxOutOfOrder caps the reordered chunks a claimed stream will
	// hold while waiting for the next expected sequence number.
	DefaultMaxOutOfOrder = 64
	// DefaultMaxStreamBytes caps the total bytes a single upload may carry.
	DefaultMaxStreamBytes = 50 << 20
)

// StreamLimits bounds the memory a single connection's upload path may
// consume. The pre-claim (pending) and post-claim (out-of-order) bounds are
// independent.
type StreamLimits struct {
	MaxActiveStreams int
	MaxPendingIDs    int
	MaxPendingChunks int
	MaxOutOfOrder    int
	MaxStreamBytes   int64
}

// DefaultStreamLimits returns the stock limits.
func DefaultStreamLimits() StreamLimits {
	return StreamLimits{
		MaxActiveStreams: DefaultMaxActiveStreams,
		MaxPendingIDs:    DefaultMaxPendingIDs,
		MaxPendingChunks: DefaultMaxPendingChunks,
		MaxOutOfOrder:    DefaultMaxOutOfOrder,
		MaxStreamBytes:   DefaultMaxStreamBytes,
	}
}

type bufferedChunk struct {
	data  []byte
	final bool
}

// StreamContext is the ordered write path for one in-flight upload. Chunks
// are applied strictly by sequence number: early chunks are buffered (up to
// a cap), duplicates of already-written sequence numbers are dropped, and a
// final chunk completes the stream and closes the sink.
type StreamContext struct {
	id     uint64
	sink   io.WriteCloser
	limits StreamLimits

	mu        sync.Mutex
	nextSeq   uint32
	reordered map[uint32]bufferedChunk
	total     int64
	completed bool
}

func newStreamContext(id uint64, sink io.WriteCloser, limits StreamLimits) *StreamContext {
	return &StreamContext{
		id:        id,
		sink:      sink,
		limits:    limits,
		reordered: make(map[uint32]bufferedChunk),
	}
}

// ID returns the request id this stream belongs to.
func (sc *StreamContext) ID() uint64 { return sc.id }

// Completed reports whether the stream reached a terminal state.
func (sc *StreamContext) Completed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.completed
}

// BytesWritten returns the running total of bytes forwarded to the sink.
func (sc *StreamContext) BytesWritten() int64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.total
}

// Write applies one chunk. Mutations are serialized by the context lock.
// It returns (true, nil) once the stream has completed.
func (sc *StreamContext) Write(data []byte, seq uint32, final bool) (bool, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.completed {
		return true, ErrStreamClosed
	}

	switch {
	case seq > sc.nextSeq:
		if len(sc.reordered) >= sc.limits.MaxOutOfOrder {
			sc.failLocked()
			return true, fmt.Errorf("%w: %d buffered on stream %d", ErrTooManyOutOfOrder, len(sc.reordered), sc.id)
		}
		sc.reordered[seq] = bufferedChunk{data: data, final: final}
		return false, nil
	case seq < sc.nextSeq:
		// Duplicate or client retry of an already-written chunk.
		return false, nil
	}

	if err := sc.applyLocked(data, final); err != nil {
		return true, err
	}

	// Drain whatever contiguous run the reordered buffer now holds.
	for !sc.completed {
		next, ok := sc.reordered[sc.nextSeq]
		if !ok {
			break
		}
		delete(sc.reordered, sc.nextSeq)
		if err := sc.applyLocked(next.data, next.final); err != nil {
			return true, err
		}
	}
	return sc.completed, nil
}

// applyLocked writes one in-order chunk to the sink and advances the cursor.
func (sc *StreamContext) applyLocked(data []byte, final bool) error {
	if _, err := sc.sink.Write(data); err != nil {
		sc.failLocked()
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	sc.nextSeq++
	sc.total += int64(len(data))
	if sc.total > sc.limits.MaxStreamBytes {
		sc.failLocked()
		return fmt.Errorf("%w: %d bytes on stream %d", ErrStreamTooLarge, sc.total, sc.id)
	}
	if final {
		sc.completed = true
		sc.reordered = nil
		_ = sc.sink.Close()
	}
	return nil
}

// failLocked tears the stream down after an unrecoverable write error.
func (sc *StreamContext) failLocked() {
	sc.completed = true
	sc.reordered = nil
	closeSink(sc.sink, ErrStreamClosed)
}

// Cancel terminates the stream. The sink is closed before the context lock
// is taken: a writer blocked inside the sink (a full pipe whose reader died)
// holds the lock, and closing the write end is what unblocks it. Idempotent.
func (sc *StreamContext) Cancel() {
	closeSink(sc.sink, ErrStreamClosed)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.completed = true
	sc.reordered = nil
}

// closeSink closes a sink, propagating the cause when the sink supports it
// (io.PipeWriter does).
func closeSink(sink io.WriteCloser, cause error) {
	type errCloser interface {
		CloseWithError(error) error
	}
	if ec, ok := sink.(errCloser); ok {
		_ = ec.CloseWithError(cause)
		return
	}
	_ = sink.Close()
}
