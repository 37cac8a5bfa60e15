package teegate

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// StreamRegistry is the per-connection mapping from request id to an active
// upload stream. Chunks that arrive before a handler installs a sink are
// buffered in insertion order and replayed on creation, which removes the
// race between handler setup and the first network bytes.
type StreamRegistry struct {
	limits StreamLimits
	log    logrus.FieldLogger

	mu           sync.Mutex
	active       map[uint64]*StreamContext
	pending      map[uint64][]Chunk
	pendingOrder []uint64
	closed       bool
}

// NewStreamRegistry builds a registry with the given limits.
func NewStreamRegistry(limits StreamLimits, log logrus.FieldLogger) *StreamRegistry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StreamRegistry{
		limits:  limits,
		log:     log,
		active:  make(map[uint64]*StreamContext),
		pending: make(map[uint64][]Chunk),
	}
}

// CreateStream installs a sink for the given request id and replays any
// chunks that arrived ahead of it, in their registered order. It fails when
// the active stream cap is reached or the registry has been cancelled.
func (r *StreamRegistry) CreateStream(id uint64, sink io.WriteCloser) (*StreamContext, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if len(r.active) >= r.limits.MaxActiveStreams {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active", ErrTooManyActiveStreams, r.limits.MaxActiveStreams)
	}
	sc := newStreamContext(id, sink, r.limits)
	r.active[id] = sc
	replay := r.pending[id]
	r.dropPendingLocked(id)
	r.mu.Unlock()

	for _, c := range replay {
		done, err := sc.Write(c.Data, c.Seq, c.Final)
		if done {
			r.mu.Lock()
			delete(r.active, id)
			r.mu.Unlock()
		}
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return sc, nil
}

// HandleChunk routes one continuation chunk. Active ids forward to their
// stream; unknown ids buffer under the pending caps.
func (r *StreamRegistry) HandleChunk(id uint64, data []byte, seq uint32, final bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	sc, ok := r.active[id]
	r.mu.Unlock()

	if ok {
		done, err := sc.Write(data, seq, final)
		if done {
			r.mu.Lock()
			delete(r.active, id)
			r.mu.Unlock()
		}
		return err
	}
	return r.bufferPending(id, Chunk{Data: data, Seq: seq, Final: final})
}

// bufferPending queues a chunk for an id no handler has claimed yet.
func (r *StreamRegistry) bufferPending(id uint64, c Chunk) error {
	r.mu.Lock()
	if _, claimed := r.active[id]; claimed || r.closed {
		// A handler claimed the id (or the registry was torn down) after
		// HandleChunk looked; route the chunk again instead of stranding it.
		r.mu.Unlock()
		return r.HandleChunk(id, c.Data, c.Seq, c.Final)
	}
	defer r.mu.Unlock()

	queue, exists := r.pending[id]
	if !exists && len(r.pending) >= r.limits.MaxPendingIDs {
		evicted := r.pendingOrder[0]
		r.dropPendingLocked(evicted)
		r.log.WithFields(logrus.Fields{"request": evicted, "evicted_for": id}).
			Warn("pending stream cap reached, evicting least recently inserted id")
	}
	if len(queue) >= r.limits.MaxPendingChunks {
		r.dropPendingLocked(id)
		return fmt.Errorf("%w: %d buffered for id %d", ErrTooManyPendingChunks, r.limits.MaxPendingChunks, id)
	}

	r.pending[id] = append(queue, c)
	if i := slices.Index(r.pendingOrder, id); i >= 0 {
		r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
	}
	r.pendingOrder = append(r.pendingOrder, id)
	return nil
}

// dropPendingLocked removes an id's pending queue and its recency slot.
func (r *StreamRegistry) dropPendingLocked(id uint64) {
	delete(r.pending, id)
	if i := slices.Index(r.pendingOrder, id); i >= 0 {
		r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
	}
}

// CancelStream removes one id from both maps and cancels its context.
func (r *StreamRegistry) CancelStream(id uint64) {
	r.mu.Lock()
	sc := r.active[id]
	delete(r.active, id)
	r.dropPendingLocked(id)
	r.mu.Unlock()
	if sc != nil {
		sc.Cancel()
	}
}

// CancelAll tears down every active and pending stream. Called on session
// close; the registry refuses new work afterwards.
func (r *StreamRegistry) CancelAll() {
	r.mu.Lock()
	contexts := make([]*StreamContext, 0, len(r.active))
	for _, sc := range r.active {
		contexts = append(contexts, sc)
	}
	r.active = make(map[uint64]*StreamContext)
	r.pending = make(map[uint64][]Chunk)
	r.pendingOrder = nil
	r.closed = true
	r.mu.Unlock()

	for _, sc := range contexts {
		sc.Cancel()
	}
}

// ActiveCount returns the number of claimed streams.
func (r *StreamRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// PendingCount returns the number of unclaimed ids holding buffered chunks.
func (r *StreamRegistry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
