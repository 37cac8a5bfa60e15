package teegate

import "sync"

// envelopeSender is the serialized outbound path a stream sink writes into.
// The session implements it; tests substitute a capture fake.
type envelopeSender interface {
	sendResponse(e *ResponseEnvelope) error
}

// streamSink adapts a handler's streaming writer into a sequence of
// 200-status response envelopes sharing one request id. Headers are attached
// to the first envelope only; Finish emits the zero-length end-of-stream
// marker. The sink never blocks on peer consumption: backpressure, if any,
// lives in the session's serialized send path.
type streamSink struct {
	id      uint64
	headers map[string]string
	out     envelopeSender

	mu      sync.Mutex
	started bool
}

func newStreamSink(id uint64, headers map[string]string, out envelopeSender) *streamSink {
	return &streamSink{id: id, headers: headers, out: out}
}

// Write emits exactly one envelope per call, whatever the slice length.
func (w *streamSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	e := &ResponseEnvelope{ID: w.id, Status: 200, Body: p}
	if !w.started {
		e.Headers = w.headers
		w.started = true
	}
	w.mu.Unlock()

	if err := w.out.sendResponse(e); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Started reports whether any envelope has been emitted yet. Used to pick
// between 500 and 502 when the body producer fails.
func (w *streamSink) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Finish emits the zero-length terminating envelope.
func (w *streamSink) Finish() error {
	w.mu.Lock()
	e := &ResponseEnvelope{ID: w.id, Status: 200}
	if !w.started {
		e.Headers = w.headers
		w.started = true
	}
	w.mu.Unlock()
	return w.out.sendResponse(e)
}
