package teegate

import (
	"errors"
	"time"
)

// dispatch classifies one decoded application message. A decode failure is
// returned to the caller and brings the session down (a client that cannot
// form envelopes is broken); everything past that point is per-request and
// leaves the session alive.
func (s *Session) dispatch(raw []byte) error {
	req, err := DecodeRequest(raw)
	if err != nil {
		return err
	}

	if !req.Initiating() {
		// Continuation chunk for an upload in flight (or not yet claimed).
		c := req.Chunk
		if err := s.registry.HandleChunk(req.ID, c.Data, c.Seq, c.Final); err != nil {
			s.log.WithField("request", req.ID).WithError(err).Warn("upload chunk rejected")
			s.registry.CancelStream(req.ID)
			s.sendError(req.ID, 400, err.Error())
		}
		return nil
	}

	if s.auth.Expired(time.Now()) {
		s.sendError(req.ID, 402, "authorization expired")
		return nil
	}

	handler, ok := s.routes.Lookup(*req.Verb, *req.Path)
	if !ok {
		s.sendError(req.ID, 404, "no route for "+*req.Verb+" "+*req.Path)
		return nil
	}

	r := &Request{
		ID:    req.ID,
		Verb:  *req.Verb,
		Path:  *req.Path,
		Body:  req.Body,
		Chunk: req.Chunk,
	}

	// Every initiating request runs on its own goroutine so a slow handler
	// never blocks newer requests on the same session. The reader resumes as
	// soon as the task is spawned.
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		s.runHandler(handler, r)
	}()
	return nil
}

// runHandler invokes a handler and translates its outcome into envelopes.
// The request id is preserved in every case; panics become 500s so a broken
// upstream adapter cannot take the session down.
func (s *Session) runHandler(h Handler, req *Request) {
	defer func() {
		if p := recover(); p != nil {
			s.log.WithField("request", req.ID).WithField("panic", p).Error("handler panicked")
			s.registry.CancelStream(req.ID)
			s.sendError(req.ID, 500, "internal error")
		}
	}()

	res, err := h.Handle(s.ctx, req, s.registry)
	if err != nil {
		status, msg := requestStatus(err)
		s.log.WithField("request", req.ID).WithError(err).Warn("handler failed")
		s.registry.CancelStream(req.ID)
		s.sendError(req.ID, status, msg)
		return
	}

	if !res.IsStreaming() {
		s.metrics.IncrementRequests(res.status)
		if err := s.sendResponse(&ResponseEnvelope{ID: req.ID, Status: res.status, Body: res.body}); err != nil {
			s.log.WithField("request", req.ID).WithError(err).Debug("response not delivered")
		}
		return
	}

	sink := newStreamSink(req.ID, res.headers, s)
	if err := res.stream(s.ctx, sink); err != nil {
		status, msg := requestStatus(err)
		var re *RequestError
		if !errors.As(err, &re) && sink.Started() {
			// The body already began streaming; the failure is on the
			// upstream side of the relay.
			status = 502
			msg = "upstream failed mid-stream"
		}
		s.log.WithField("request", req.ID).WithError(err).Warn("stream producer failed")
		s.registry.CancelStream(req.ID)
		s.sendError(req.ID, status, msg)
		return
	}
	s.metrics.IncrementRequests(200)
	if err := sink.Finish(); err != nil {
		s.log.WithField("request", req.ID).WithError(err).Debug("end-of-stream marker not delivered")
	}
}

// sendError emits a single error envelope on the given id.
func (s *Session) sendError(id uint64, status int, msg string) {
	s.metrics.IncrementRequests(status)
	if err := s.sendResponse(&ResponseEnvelope{ID: id, Status: status, Body: []byte(msg)}); err != nil {
		s.log.WithField("request", id).WithError(err).Debug("error envelope not delivered")
	}
}
