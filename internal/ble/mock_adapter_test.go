package ble

import (
	"context"
	"errors"
	"sync"
)

// mockAdapter returns a fixed device list from Scan.
type mockAdapter struct {
	mu        sync.Mutex
	devices   []Device
	enableErr error
	scanErr   error
	enabled   bool
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return a.enableErr
}

func (a *mockAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	if a.scanErr != nil {
		return nil, a.scanErr
	}
	out := make([]Device, len(a.devices))
	copy(out, a.devices)
	return out, nil
}

func (a *mockAdapter) Select(ctx context.Context, serviceUUID, namePrefix string) (Device, error) {
	if len(a.devices) == 0 {
		return Device{}, ErrNotSelected
	}
	return a.devices[0], nil
}

func (a *mockAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	return nil, errors.New("mock: connect not supported")
}
