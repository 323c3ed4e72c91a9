package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// ErrorEntry is one line of the recent-error log.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Metrics holds observational counters for one session. Counters only grow.
type Metrics struct {
	connectionAttempts    atomic.Uint64
	successfulConnections atomic.Uint64
	packetsReceived       atomic.Uint64
	decodeFailures        atomic.Uint64
	dumps                 atomic.Uint64

	mu     sync.Mutex
	limit  int
	errors []ErrorEntry
}

// NewMetrics keeps at most errorLimit recent errors.
func NewMetrics(errorLimit int) *Metrics {
	if errorLimit <= 0 {
		errorLimit = 20
	}
	return &Metrics{limit: errorLimit}
}

// RecordError appends to the recent-error log, dropping the oldest entry once
// the log is full.
func (m *Metrics) RecordError(kind, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, ErrorEntry{At: time.Now(), Kind: kind, Message: message})
	if len(m.errors) > m.limit {
		m.errors = append(m.errors[:0], m.errors[len(m.errors)-m.limit:]...)
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	ConnectionAttempts    uint64       `json:"connection_attempts"`
	SuccessfulConnections uint64       `json:"successful_connections"`
	PacketsReceived       uint64       `json:"packets_received"`
	DecodeFailures        uint64       `json:"decode_failures"`
	Dumps                 uint64       `json:"dumps"`
	RecentErrors          []ErrorEntry `json:"recent_errors"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	errs := make([]ErrorEntry, len(m.errors))
	copy(errs, m.errors)
	m.mu.Unlock()
	return MetricsSnapshot{
		ConnectionAttempts:    m.connectionAttempts.Load(),
		SuccessfulConnections: m.successfulConnections.Load(),
		PacketsReceived:       m.packetsReceived.Load(),
		DecodeFailures:        m.decodeFailures.Load(),
		Dumps:                 m.dumps.Load(),
		RecentErrors:          errs,
	}
}
