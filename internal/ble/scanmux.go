package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// errScanEnded is returned when the platform stops scanning on its own
// before a waiter found what it was looking for.
var errScanEnded = errors.New("ble: scan ended before a device was found")

const watchBuffer = 32

// advertisement is one scan result as seen by the scan multiplexer.
type advertisement struct {
	Device
	hasService func(uuid string) bool
}

// radio is the platform scanner. Scan blocks, calling visit for every
// advertisement, until StopScan is called or the platform gives up.
type radio interface {
	Scan(visit func(advertisement)) error
	StopScan() error
}

// scanWatch is one caller waiting on the shared scan.
type scanWatch struct {
	id      uint64
	match   func(advertisement) bool
	results chan advertisement
	ended   chan error
}

// scanMux shares one platform scan between every concurrent Scan and
// Select. The scan starts with the first watcher and is stopped when the
// last one leaves.
type scanMux struct {
	radio radio

	mu       sync.Mutex
	watches  map[uint64]*scanWatch
	nextID   uint64
	running  bool
	stopping bool
}

func newScanMux(r radio) *scanMux {
	return &scanMux{radio: r, watches: make(map[uint64]*scanWatch)}
}

func serviceMatcher(serviceUUID, namePrefix string) func(advertisement) bool {
	return func(adv advertisement) bool {
		if namePrefix != "" && !strings.HasPrefix(adv.Name, namePrefix) {
			return false
		}
		return adv.hasService != nil && adv.hasService(serviceUUID)
	}
}

func (m *scanMux) watch(match func(advertisement) bool) *scanWatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	w := &scanWatch{
		id:      m.nextID,
		match:   match,
		results: make(chan advertisement, watchBuffer),
		ended:   make(chan error, 1),
	}
	m.watches[w.id] = w
	if !m.running {
		m.running = true
		go m.run()
	}
	return w
}

func (m *scanMux) unwatch(w *scanWatch) {
	m.mu.Lock()
	delete(m.watches, w.id)
	stop := m.running && !m.stopping && len(m.watches) == 0
	if stop {
		m.stopping = true
	}
	m.mu.Unlock()
	if stop {
		_ = m.radio.StopScan()
	}
}

// run drives the platform scan. A scan stopped while a new watcher was
// arriving is restarted for it.
func (m *scanMux) run() {
	for {
		err := m.radio.Scan(m.dispatch)

		m.mu.Lock()
		stopped := m.stopping
		m.stopping = false
		if stopped && len(m.watches) > 0 {
			m.mu.Unlock()
			continue
		}
		m.running = false
		if !stopped {
			if err != nil {
				err = fmt.Errorf("ble: scan: %w", err)
			} else {
				err = errScanEnded
			}
			for id, w := range m.watches {
				w.ended <- err
				delete(m.watches, id)
			}
		}
		m.mu.Unlock()
		return
	}
}

func (m *scanMux) dispatch(adv advertisement) {
	m.mu.Lock()
	idle := len(m.watches) == 0
	for _, w := range m.watches {
		if !w.match(adv) {
			continue
		}
		select {
		case w.results <- adv:
		default:
		}
	}
	m.mu.Unlock()

	// StopScan can race the platform scan start; stop again once idle.
	if idle {
		_ = m.radio.StopScan()
	}
}

// Scan collects distinct devices offering serviceUUID until ctx is done.
func (m *scanMux) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	w := m.watch(serviceMatcher(serviceUUID, ""))
	defer m.unwatch(w)

	var devices []Device
	seen := make(map[string]bool)
	add := func(adv advertisement) {
		if !seen[adv.Address] {
			seen[adv.Address] = true
			devices = append(devices, adv.Device)
		}
	}
	for {
		select {
		case adv := <-w.results:
			add(adv)
		case err := <-w.ended:
			if errors.Is(err, errScanEnded) {
				return devices, nil
			}
			return nil, err
		case <-ctx.Done():
			for {
				select {
				case adv := <-w.results:
					add(adv)
				default:
					return devices, nil
				}
			}
		}
	}
}

// Select returns the first device offering serviceUUID whose name starts
// with namePrefix.
func (m *scanMux) Select(ctx context.Context, serviceUUID, namePrefix string) (Device, error) {
	w := m.watch(serviceMatcher(serviceUUID, namePrefix))
	defer m.unwatch(w)

	select {
	case adv := <-w.results:
		return adv.Device, nil
	case err := <-w.ended:
		return Device{}, err
	case <-ctx.Done():
		return Device{}, ctx.Err()
	}
}
