// Package ble defines the platform BLE client a session drives: adapters that
// find and connect to peripherals, connections that expose GATT services, and
// characteristics that notify. A tinygo-backed adapter talks to real radios;
// SimAdapter produces synthetic sensor traffic.
package ble

import (
	"context"
	"errors"
)

// ErrNotSelected is returned by Adapter.Select when device selection was
// cancelled rather than timed out.
var ErrNotSelected = errors.New("ble: device selection cancelled")

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic identifier in 128-bit lower-case form.
	UUID() string
	// Subscribe enables notifications and registers the callback for them.
	Subscribe(callback func(data []byte)) error
	// Read fetches the current value.
	Read() ([]byte, error)
}

// Service represents a discovered GATT service.
type Service interface {
	UUID() string
	// Characteristics discovers every characteristic of the service.
	Characteristics() ([]Characteristic, error)
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Label returns the advertised name, or the address when the peripheral has none.
func (d Device) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices returns the services matching the given UUIDs.
	DiscoverServices(serviceUUIDs ...string) ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices once ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Select returns the first peripheral advertising serviceUUID whose name
	// starts with namePrefix (any name when empty). It returns ctx.Err() when
	// ctx ends first and ErrNotSelected when selection was cancelled.
	Select(ctx context.Context, serviceUUID, namePrefix string) (Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
