package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
)

// SimOptions shapes the synthetic traffic of a SimAdapter.
type SimOptions struct {
	Interval      time.Duration `default:"1s"`
	MachineName   string        `default:"SIM-TREADMILL"`
	HeartRateName string        `default:"SIM-HRM"`
	// ConnectFailures makes the first N Connect calls fail.
	ConnectFailures int
	// Decline makes every Select report a cancelled selection.
	Decline bool
	// CorruptEvery truncates every Nth notification (0 disables).
	CorruptEvery int
	// DropAfter drops each link after this long (0 keeps it up).
	DropAfter time.Duration
}

// SimAdapter is an in-process Adapter exposing one treadmill and one heart
// rate monitor whose notifications are generated from the protocol encoders.
type SimAdapter struct {
	opts SimOptions

	mu       sync.Mutex
	failures int
}

// NewSimAdapter returns a simulator; zero fields of opts take their defaults.
func NewSimAdapter(opts SimOptions) *SimAdapter {
	defaults.SetDefaults(&opts)
	return &SimAdapter{opts: opts, failures: opts.ConnectFailures}
}

func (a *SimAdapter) devices() []Device {
	return []Device{
		{Name: a.opts.MachineName, Address: "sim-machine", RSSI: -48},
		{Name: a.opts.HeartRateName, Address: "sim-heart-rate", RSSI: -60},
	}
}

func (a *SimAdapter) serviceOf(address string) (uint16, bool) {
	switch address {
	case "sim-machine":
		return protocol.ServiceFitnessMachine, true
	case "sim-heart-rate":
		return protocol.ServiceHeartRate, true
	}
	return 0, false
}

func (a *SimAdapter) Enable() error { return nil }

func (a *SimAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	<-ctx.Done()
	var out []Device
	want, _ := protocol.ShortUUID(serviceUUID)
	for _, d := range a.devices() {
		if svc, _ := a.serviceOf(d.Address); svc == want {
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *SimAdapter) Select(ctx context.Context, serviceUUID, namePrefix string) (Device, error) {
	if a.opts.Decline {
		return Device{}, ErrNotSelected
	}
	want, _ := protocol.ShortUUID(serviceUUID)
	for _, d := range a.devices() {
		svc, _ := a.serviceOf(d.Address)
		if svc == want && strings.HasPrefix(d.Name, namePrefix) {
			return d, nil
		}
	}
	<-ctx.Done()
	return Device{}, ctx.Err()
}

func (a *SimAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	svc, ok := a.serviceOf(address)
	if !ok {
		return nil, fmt.Errorf("ble: connect to %s: unknown simulated device", address)
	}

	a.mu.Lock()
	fail := a.failures > 0
	if fail {
		a.failures--
	}
	a.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("ble: connect to %s: simulated link failure", address)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	c := &simConnection{opts: a.opts, service: svc, closed: make(chan struct{})}
	if a.opts.DropAfter > 0 {
		c.dropTimer = time.AfterFunc(a.opts.DropAfter, c.drop)
	}
	return c, nil
}

var _ Adapter = (*SimAdapter)(nil)

type simConnection struct {
	opts    SimOptions
	service uint16

	mu           sync.Mutex
	closed       chan struct{}
	isClosed     bool
	disconnectCb func()
	dropTimer    *time.Timer
}

func (c *simConnection) DiscoverServices(serviceUUIDs ...string) ([]Service, error) {
	if c.done() {
		return nil, fmt.Errorf("ble: discover services: not connected")
	}
	for _, s := range serviceUUIDs {
		if short, ok := protocol.ShortUUID(s); ok && short == c.service {
			return []Service{&simService{conn: c}}, nil
		}
	}
	if len(serviceUUIDs) == 0 {
		return []Service{&simService{conn: c}}, nil
	}
	return nil, nil
}

func (c *simConnection) Disconnect() error {
	c.close()
	return nil
}

func (c *simConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *simConnection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return false
	}
	c.isClosed = true
	close(c.closed)
	if c.dropTimer != nil {
		c.dropTimer.Stop()
	}
	return true
}

// drop simulates link loss: the connection closes and the disconnect
// callback fires.
func (c *simConnection) drop() {
	if !c.close() {
		return
	}
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *simConnection) done() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type simService struct {
	conn *simConnection
}

func (s *simService) UUID() string { return protocol.FullUUID(s.conn.service) }

func (s *simService) Characteristics() ([]Characteristic, error) {
	if s.conn.service == protocol.ServiceHeartRate {
		return []Characteristic{
			&simCharacteristic{conn: s.conn, short: protocol.CharHeartRateMeasurement, gen: heartRateSample},
		}, nil
	}
	return []Characteristic{
		&simCharacteristic{conn: s.conn, short: protocol.CharMachineFeature, value: simFeatures()},
		&simCharacteristic{conn: s.conn, short: protocol.CharTreadmillData, gen: treadmillSample},
		&simCharacteristic{conn: s.conn, short: protocol.CharControlPoint},
	}, nil
}

type simCharacteristic struct {
	conn  *simConnection
	short uint16
	value []byte
	gen   func(tick int, interval time.Duration) []byte
}

func (c *simCharacteristic) UUID() string { return protocol.FullUUID(c.short) }

func (c *simCharacteristic) Read() ([]byte, error) {
	if c.value == nil {
		return nil, fmt.Errorf("ble: characteristic %04x is not readable", c.short)
	}
	return append([]byte(nil), c.value...), nil
}

func (c *simCharacteristic) Subscribe(cb func([]byte)) error {
	if c.conn.done() {
		return fmt.Errorf("ble: subscribe %04x: not connected", c.short)
	}
	if c.gen == nil {
		return nil
	}
	interval := c.conn.opts.Interval
	corrupt := c.conn.opts.CorruptEvery
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for tick := 1; ; tick++ {
			select {
			case <-c.conn.closed:
				return
			case <-ticker.C:
				payload := c.gen(tick, interval)
				if corrupt > 0 && tick%corrupt == 0 {
					payload = payload[:1]
				}
				cb(payload)
			}
		}
	}()
	return nil
}

func simFeatures() []byte {
	// average speed, total distance, inclination, expended energy, heart
	// rate, elapsed time; target setting: speed and inclination.
	buf := binary.LittleEndian.AppendUint32(nil, 0x0000_14A7)
	return binary.LittleEndian.AppendUint32(buf, 0x0000_0003)
}

func treadmillSample(tick int, interval time.Duration) []byte {
	elapsed := time.Duration(tick) * interval
	speed := 9.0 + 1.5*math.Sin(float64(tick)/10)
	distance := uint32(elapsed.Hours() * 9.0 * 1000)
	seconds := uint16(elapsed.Seconds())
	incline := 1.0
	return protocol.EncodeTreadmill(protocol.TreadmillMeasurement{
		SpeedKmh:           &speed,
		DistanceMeters:     &distance,
		InclinePercent:     &incline,
		ElapsedTimeSeconds: &seconds,
	})
}

func heartRateSample(tick int, _ time.Duration) []byte {
	bpm := uint16(125 + tick%20)
	contact := true
	return protocol.EncodeHeartRate(protocol.HeartRateMeasurement{
		BeatsPerMinute:  bpm,
		ContactDetected: &contact,
		RRIntervalsMs:   []float64{60000 / float64(bpm)},
	}, false)
}
