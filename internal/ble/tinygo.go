package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

const maxAttributeValue = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (CoreBluetooth on macOS, BlueZ on
// Linux, WinRT on Windows). On macOS device addresses are CoreBluetooth UUIDs
// rather than MAC addresses; Device.Address carries whichever the platform
// reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// scans shares the single platform scan between both sessions.
	scans *scanMux

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates a BLE adapter on the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	adapter := bluetooth.DefaultAdapter
	return &TinyGoAdapter{
		adapter:     adapter,
		scans:       newScanMux(tinyGoRadio{adapter: adapter}),
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports link loss through the adapter-level handler
	// with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

// tinyGoRadio feeds platform advertisements to the scan multiplexer.
type tinyGoRadio struct {
	adapter *bluetooth.Adapter
}

func (r tinyGoRadio) Scan(visit func(advertisement)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		visit(advertisement{
			Device: Device{
				Name:    result.LocalName(),
				Address: result.Address.String(),
				RSSI:    int(result.RSSI),
			},
			hasService: func(uuid string) bool {
				id, err := bluetooth.ParseUUID(uuid)
				return err == nil && result.HasServiceUUID(id)
			},
		})
	})
}

func (r tinyGoRadio) StopScan() error { return r.adapter.StopScan() }

func parseServiceUUID(serviceUUID string) error {
	if _, err := bluetooth.ParseUUID(serviceUUID); err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	if err := parseServiceUUID(serviceUUID); err != nil {
		return nil, err
	}
	return a.scans.Scan(ctx, serviceUUID)
}

func (a *TinyGoAdapter) Select(ctx context.Context, serviceUUID, namePrefix string) (Device, error) {
	if err := parseServiceUUID(serviceUUID); err != nil {
		return Device{}, err
	}
	return a.scans.Select(ctx, serviceUUID, namePrefix)
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The platform connect cannot be cancelled; drop the link if it
		// completes after we gave up.
		go func() {
			if late := <-ch; late.err == nil {
				_ = late.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		device := result.device
		conn := &tinyGoConnection{device: &device}

		// Track this connection so the adapter-level disconnect handler
		// can find it and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverServices(serviceUUIDs ...string) ([]Service, error) {
	filter := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = append(filter, u)
	}
	if len(filter) == 0 {
		filter = nil
	}

	svcs, err := c.device.DiscoverServices(filter)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		out = append(out, &tinyGoService{svc: &svcs[i]})
	}
	return out, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoService struct {
	svc *bluetooth.DeviceService
}

func (s *tinyGoService) UUID() string { return s.svc.UUID().String() }

func (s *tinyGoService) Characteristics() ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &tinyGoCharacteristic{char: &chars[i]})
	}
	return out, nil
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxAttributeValue)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
