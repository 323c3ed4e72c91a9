package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaz8081/ftms-recorder/internal/ble"
	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/capture"
)

// fakeChar is a scriptable characteristic.
type fakeChar struct {
	uuid   string
	value  []byte
	subErr error

	mu         sync.Mutex
	cb         func([]byte)
	reads      int
	subscribes int
}

func newFakeChar(short uint16) *fakeChar {
	return &fakeChar{uuid: protocol.FullUUID(short)}
}

func (c *fakeChar) UUID() string { return c.uuid }

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	if c.subErr != nil {
		return c.subErr
	}
	c.cb = cb
	return nil
}

func (c *fakeChar) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.value == nil {
		return nil, fmt.Errorf("not readable")
	}
	return c.value, nil
}

// Notify delivers a notification synchronously, as a platform callback would.
func (c *fakeChar) Notify(b []byte) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(b)
	}
}

func (c *fakeChar) counts() (reads, subscribes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads, c.subscribes
}

type fakeService struct {
	uuid  string
	chars []ble.Characteristic
}

func (s *fakeService) UUID() string { return s.uuid }

func (s *fakeService) Characteristics() ([]ble.Characteristic, error) { return s.chars, nil }

type fakeConn struct {
	services []ble.Service

	mu           sync.Mutex
	onDisconnect func()
	disconnected bool
}

func (c *fakeConn) DiscoverServices(uuids ...string) ([]ble.Service, error) {
	var out []ble.Service
	for _, svc := range c.services {
		for _, u := range uuids {
			if svc.UUID() == u {
				out = append(out, svc)
			}
		}
	}
	return out, nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConn) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = cb
}

// Drop simulates link loss reported by the platform.
func (c *fakeConn) Drop() {
	c.mu.Lock()
	cb := c.onDisconnect
	c.disconnected = true
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// fakeAdapter hands out connections built by newConn. selectFn and connectFn
// override the default behaviour when set.
type fakeAdapter struct {
	device    ble.Device
	newConn   func() *fakeConn
	selectFn  func(ctx context.Context) (ble.Device, error)
	connectFn func(ctx context.Context, conn *fakeConn) (ble.Connection, error)

	mu       sync.Mutex
	selects  int
	connects int
	conns    []*fakeConn
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(ctx context.Context, serviceUUID string) ([]ble.Device, error) {
	return []ble.Device{a.device}, nil
}

func (a *fakeAdapter) Select(ctx context.Context, serviceUUID, namePrefix string) (ble.Device, error) {
	a.mu.Lock()
	a.selects++
	fn := a.selectFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return a.device, nil
}

func (a *fakeAdapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	conn := a.newConn()
	a.mu.Lock()
	a.connects++
	a.conns = append(a.conns, conn)
	fn := a.connectFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, conn)
	}
	return conn, nil
}

func (a *fakeAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *fakeAdapter) lastConn() *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

// recordingNotifier keeps every published event.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	panics bool
}

func (n *recordingNotifier) Publish(ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	panics := n.panics
	n.mu.Unlock()
	if panics {
		panic("notifier failure")
	}
}

func (n *recordingNotifier) states() []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []State
	for _, ev := range n.events {
		if ev.Type == EventStateChange {
			out = append(out, ev.State.Current)
		}
	}
	return out
}

func (n *recordingNotifier) ofType(t EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type recordingStore struct {
	mu     sync.Mutex
	events []Record
	errors []ErrorRecord
}

func (s *recordingStore) AppendEvent(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, r)
	return nil
}

func (s *recordingStore) AppendError(r ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, r)
	return nil
}

func (s *recordingStore) errorRecords() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorRecord(nil), s.errors...)
}

func (s *recordingStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingExporter struct {
	mu      sync.Mutex
	reasons []string
	sizes   []int
}

func (e *recordingExporter) ExportCapture(reason string, packets []capture.Packet) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reasons = append(e.reasons, reason)
	e.sizes = append(e.sizes, len(packets))
	return "", nil
}

func (e *recordingExporter) exported() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.reasons...)
}

// treadmillService builds an FTMS service with feature, treadmill data and
// control point characteristics.
func treadmillService() (*fakeService, *fakeChar, *fakeChar, *fakeChar) {
	feature := newFakeChar(protocol.CharMachineFeature)
	feature.value = []byte{0x07, 0x00, 0x00, 0x00}
	data := newFakeChar(protocol.CharTreadmillData)
	cp := newFakeChar(protocol.CharControlPoint)
	return &fakeService{
		uuid:  protocol.FullUUID(protocol.ServiceFitnessMachine),
		chars: []ble.Characteristic{feature, data, cp},
	}, feature, data, cp
}
