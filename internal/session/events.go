package session

import (
	"time"

	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/capture"
)

// EventType tags an Event published to the notifier.
type EventType string

const (
	EventStateChange  EventType = "state_change"
	EventDataReceived EventType = "data_received"
	EventError        EventType = "error"
)

// Event is what the session tells the UI. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type EventType `json:"event"`
	Role Role      `json:"role"`
	At   time.Time `json:"at"`

	State *StateChange `json:"state,omitempty"`
	Data  *Data        `json:"data,omitempty"`
	Error *ErrorEntry  `json:"error,omitempty"`
}

// StateChange is the payload of EventStateChange.
type StateChange struct {
	Previous State `json:"previous"`
	Current  State `json:"current"`
}

// Data is the payload of EventDataReceived.
type Data struct {
	CharacteristicUUID string               `json:"characteristic_uuid"`
	Kind               string               `json:"kind"`
	Measurement        protocol.Measurement `json:"measurement"`
}

// Notifier receives session events. Publish must not block.
type Notifier interface {
	Publish(Event)
}

// Record is a persisted session event.
type Record struct {
	Role Role           `json:"role"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
	At   time.Time      `json:"at"`
}

// ErrorRecord is a persisted connection error.
type ErrorRecord struct {
	Role       Role      `json:"role"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Attempt    int       `json:"attempt"`
	RawPackets int       `json:"raw_packets"`
	At         time.Time `json:"at"`
}

// EventStore persists session events and errors.
type EventStore interface {
	AppendEvent(Record) error
	AppendError(ErrorRecord) error
}

// Exporter turns a capture snapshot into an artifact and returns where it
// was written.
type Exporter interface {
	ExportCapture(reason string, packets []capture.Packet) (string, error)
}

// Dump reasons passed to the Exporter.
const (
	ReasonDisconnect   = "disconnect"
	ReasonLinkLost     = "link_lost"
	ReasonError        = "error"
	ReasonDecodeErrors = "decode_errors"
	ReasonRequested    = "requested"
)

type nopNotifier struct{}

func (nopNotifier) Publish(Event) {}

type nopStore struct{}

func (nopStore) AppendEvent(Record) error { return nil }
func (nopStore) AppendError(ErrorRecord) error { return nil }

type nopExporter struct{}

func (nopExporter) ExportCapture(string, []capture.Packet) (string, error) { return "", nil }
