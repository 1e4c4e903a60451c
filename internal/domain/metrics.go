package domain

import "sync/atomic"

// Metrics holds process-wide relay counters. All counters are reset only
// by process restart; TotalConnections is monotonic.
type Metrics struct {
	totalConnections   atomic.Int64
	currentConnections atomic.Int64
	messagesReceived   atomic.Int64
	messagesSent       atomic.Int64
}

// MetricsSnapshot is the serializable view of the counters.
type MetricsSnapshot struct {
	TotalConnections   int64 `json:"totalConnections"`
	CurrentConnections int64 `json:"currentConnections"`
	MessagesReceived   int64 `json:"messagesReceived"`
	MessagesSent       int64 `json:"messagesSent"`
}

// ConnectionOpened records a new connection.
func (m *Metrics) ConnectionOpened() {
	m.totalConnections.Add(1)
	m.currentConnections.Add(1)
}

// ConnectionClosed records a disconnect.
func (m *Metrics) ConnectionClosed() {
	m.currentConnections.Add(-1)
}

// MessageReceived counts one inbound socket event.
func (m *Metrics) MessageReceived() {
	m.messagesReceived.Add(1)
}

// MessagesSent counts n delivered payloads.
func (m *Metrics) MessagesSent(n int64) {
	m.messagesSent.Add(n)
}

// CurrentConnections returns the number of live connections.
func (m *Metrics) CurrentConnections() int64 {
	return m.currentConnections.Load()
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalConnections:   m.totalConnections.Load(),
		CurrentConnections: m.currentConnections.Load(),
		MessagesReceived:   m.messagesReceived.Load(),
		MessagesSent:       m.messagesSent.Load(),
	}
}
