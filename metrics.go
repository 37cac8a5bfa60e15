package teegate

import "sync/atomic"

// Metrics is an interface for tracking gateway statistics. Sessions call
// Increment* and collectors read via Get*.
type Metrics interface {
	IncrementHandshakeCompleted()
	IncrementHandshakeFailed()
	IncrementFramesIn()
	IncrementFramesOut()
	IncrementBytesReceived(n int64)
	IncrementBytesSent(n int64)
	IncrementRequests(status int)
	AddActiveSessions(delta int64)

	GetHandshakesCompleted() int64
	GetHandshakesFailed() int64
	GetFramesIn() int64
	GetFramesOut() int64
	GetBytesReceived() int64
	GetBytesSent() int64
	GetRequests(statusClass int) int64
	GetActiveSessions() int64
}

// DefaultMetrics is the stock Metrics implementation backed by atomic
// counters. Requests are bucketed by status class (2 for 2xx, 4 for 4xx, ...).
type DefaultMetrics struct {
	handshakesCompleted atomic.Int64
	handshakesFailed    atomic.Int64
	framesIn            atomic.Int64
	framesOut           atomic.Int64
	bytesReceived       atomic.Int64
	bytesSent           atomic.Int64
	requests            [6]atomic.Int64
	activeSessions      atomic.Int64
}

// NewDefaultMetrics returns a zeroed DefaultMetrics.
func NewDefaultMetrics() *DefaultMetrics {
	return &DefaultMetrics{}
}

func (m *DefaultMetrics) IncrementHandshakeCompleted() { m.handshakesCompleted.Add(1) }
func (m *DefaultMetrics) IncrementHandshakeFailed()    { m.handshakesFailed.Add(1) }
func (m *DefaultMetrics) IncrementFramesIn()           { m.framesIn.Add(1) }
func (m *DefaultMetrics) IncrementFramesOut()          { m.framesOut.Add(1) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) { m.bytesReceived.Add(n) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)     { m.bytesSent.Add(n) }
func (m *DefaultMetrics) AddActiveSessions(delta int64)  { m.activeSessions.Add(delta) }

func (m *DefaultMetrics) IncrementRequests(status int) {
	class := status / 100
	if class < 0 || class >= len(m.requests) {
		class = 0
	}
	m.requests[class].Add(1)
}

func (m *DefaultMetrics) GetHandshakesCompleted() int64 { return m.handshakesCompleted.Load() }
func (m *DefaultMetrics) GetHandshakesFailed() int64    { return m.handshakesFailed.Load() }
func (m *DefaultMetrics) GetFramesIn() int64            { return m.framesIn.Load() }
func (m *DefaultMetrics) GetFramesOut() int64           { return m.framesOut.Load() }
func (m *DefaultMetrics) GetBytesReceived() int64       { return m.bytesReceived.Load() }
func (m *DefaultMetrics) GetBytesSent() int64           { return m.bytesSent.Load() }
func (m *DefaultMetrics) GetActiveSessions() int64      { return m.activeSessions.Load() }

func (m *DefaultMetrics) GetRequests(statusClass int) int64 {
	if statusClass < 0 || statusClass >= len(m.requests) {
		return 0
	}
	return m.requests[statusClass].Load()
}
