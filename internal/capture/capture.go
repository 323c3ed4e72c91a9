// Package capture keeps the raw capture log: every notification received by
// any session, with its exact bytes and decode outcome, in arrival order.
package capture

import (
	"sync"
	"time"

	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
)

// Source identifies which sensor a packet came from.
type Source string

const (
	SourceMachine   Source = "machine"
	SourceHeartRate Source = "heart_rate"
)

// Failure describes a payload that did not decode.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewFailure converts a decode error into a Failure, or nil when err is nil.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: protocol.KindName(err), Message: err.Error()}
}

// Packet is one captured notification. Packets are values; Raw is owned by
// the log and must not be modified by readers.
type Packet struct {
	Seq                uint64               `json:"seq"`
	Timestamp          time.Time            `json:"timestamp"`
	CharacteristicUUID string               `json:"characteristic_uuid"`
	Source             Source               `json:"source"`
	Raw                []byte               `json:"raw"`
	Measurement        protocol.Measurement `json:"measurement,omitempty"`
	DecodeErr          *Failure             `json:"decode_error,omitempty"`
}

// Decoded reports whether the packet carries a measurement.
func (p Packet) Decoded() bool { return p.DecodeErr == nil && p.Measurement != nil }

// Log is an append-only, concurrency-safe packet ledger.
type Log struct {
	mu      sync.Mutex
	packets []Packet
	seq     uint64
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append copies p.Raw, stamps the next sequence number and stores the packet.
// The stored packet is returned.
func (l *Log) Append(p Packet) Packet {
	raw := make([]byte, len(p.Raw))
	copy(raw, p.Raw)
	p.Raw = raw
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	p.Seq = l.seq
	l.packets = append(l.packets, p)
	return p
}

// Snapshot returns a copy of every packet captured so far. Later appends are
// not visible through the returned slice.
func (l *Log) Snapshot() []Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Packet, len(l.packets))
	copy(out, l.packets)
	return out
}

// Len returns the number of captured packets.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.packets)
}

// Clear drops every packet and returns how many were dropped. Sequence
// numbers keep increasing across a clear.
func (l *Log) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.packets)
	l.packets = nil
	return n
}

// CountBySource returns packet counts per source.
func (l *Log) CountBySource() map[Source]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[Source]int)
	for _, p := range l.packets {
		counts[p.Source]++
	}
	return counts
}
