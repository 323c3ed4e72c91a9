package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chaz8081/ftms-recorder/internal/ble"
	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/capture"
)

// message is an event in a session mailbox.
type message interface{ sessionMessage() }

type connectRequest struct{}

type disconnectRequest struct{ done chan struct{} }

type deviceSelected struct {
	gen    uint64
	device ble.Device
}

type linkReady struct {
	gen        uint64
	conn       ble.Connection
	device     ble.Device
	subscribed []string
}

type attemptFailed struct {
	gen uint64
	err *Error
}

type retryDue struct{ gen uint64 }

type linkLost struct{ gen uint64 }

type packetResult struct {
	gen    uint64
	packet capture.Packet
	err    error
}

func (connectRequest) sessionMessage()    {}
func (disconnectRequest) sessionMessage() {}
func (deviceSelected) sessionMessage()    {}
func (linkReady) sessionMessage()         {}
func (attemptFailed) sessionMessage()     {}
func (retryDue) sessionMessage()          {}
func (linkLost) sessionMessage()          {}
func (packetResult) sessionMessage()      {}

func (s *Session) serviceUUID() string {
	if s.opts.Role == RoleHeartRate {
		return protocol.FullUUID(protocol.ServiceHeartRate)
	}
	return protocol.FullUUID(protocol.ServiceFitnessMachine)
}

// attempt runs one connect sequence: select, link, subscribe. Every outcome
// is posted to the mailbox; nothing here touches session state.
func (s *Session) attempt(ctx context.Context, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("[BLE] recovered from panic in connect sequence")
			s.failAttempt(ctx, gen, newError(LinkFailed, s.opts.Role, fmt.Errorf("panic: %v", r)))
		}
	}()

	dev, serr := s.selectDevice(ctx)
	if serr != nil {
		s.failAttempt(ctx, gen, serr)
		return
	}
	if !s.post(deviceSelected{gen: gen, device: dev}) {
		return
	}

	conn, serr := s.link(ctx, dev)
	if serr != nil {
		s.failAttempt(ctx, gen, serr)
		return
	}
	conn.OnDisconnect(func() { s.post(linkLost{gen: gen}) })

	subscribed, serr := s.subscribe(ctx, gen, conn)
	if serr != nil {
		closeConn(conn)
		s.failAttempt(ctx, gen, serr)
		return
	}

	if ctx.Err() != nil || !s.post(linkReady{gen: gen, conn: conn, device: dev, subscribed: subscribed}) {
		closeConn(conn)
	}
}

// failAttempt reports a failure unless the attempt was cancelled, in which
// case the session has already moved on.
func (s *Session) failAttempt(ctx context.Context, gen uint64, err *Error) {
	if ctx.Err() != nil {
		return
	}
	s.post(attemptFailed{gen: gen, err: err})
}

func (s *Session) selectDevice(ctx context.Context) (ble.Device, *Error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.DiscoveryTimeout)
	defer cancel()

	s.log.WithField("service", s.serviceUUID()).Info("[BLE] searching for device")
	dev, err := s.adapter.Select(sctx, s.serviceUUID(), s.opts.DeviceNamePrefix)
	switch {
	case err == nil:
		return dev, nil
	case errors.Is(err, ble.ErrNotSelected):
		return ble.Device{}, newError(DeviceNotSelected, s.opts.Role, err)
	case errors.Is(err, context.DeadlineExceeded):
		return ble.Device{}, newError(DiscoveryTimeout, s.opts.Role, fmt.Errorf("no device within %s", s.opts.DiscoveryTimeout))
	default:
		return ble.Device{}, newError(LinkFailed, s.opts.Role, err)
	}
}

func (s *Session) link(ctx context.Context, dev ble.Device) (ble.Connection, *Error) {
	lctx, cancel := context.WithTimeout(ctx, s.opts.LinkTimeout)
	defer cancel()

	conn, err := s.adapter.Connect(lctx, dev.Address)
	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, newError(LinkTimeout, s.opts.Role, fmt.Errorf("no link within %s", s.opts.LinkTimeout))
	default:
		return nil, newError(LinkFailed, s.opts.Role, err)
	}
}

// subscribe bounds the subscription sequence by SubscribeTimeout.
func (s *Session) subscribe(ctx context.Context, gen uint64, conn ble.Connection) ([]string, *Error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.SubscribeTimeout)
	defer cancel()

	type result struct {
		uuids []string
		err   *Error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: newError(SubscriptionFailed, s.opts.Role, fmt.Errorf("panic: %v", r))}
			}
		}()
		uuids, err := s.subscribeAll(gen, conn)
		ch <- result{uuids, err}
	}()

	select {
	case r := <-ch:
		return r.uuids, r.err
	case <-sctx.Done():
		return nil, newError(SubscriptionFailed, s.opts.Role, fmt.Errorf("subscribe: %w", sctx.Err()))
	}
}

// subscribeAll finds the role's service, classifies its characteristics and
// enables notifications on the measurement streams.
func (s *Session) subscribeAll(gen uint64, conn ble.Connection) ([]string, *Error) {
	want := s.serviceUUID()
	svcs, err := conn.DiscoverServices(want)
	if err != nil {
		return nil, newError(LinkFailed, s.opts.Role, err)
	}
	var svc ble.Service
	for _, candidate := range svcs {
		if protocol.NormalizeUUID(candidate.UUID()) == want {
			svc = candidate
			break
		}
	}
	if svc == nil {
		return nil, newError(ServiceNotFound, s.opts.Role, fmt.Errorf("service %s not offered", want))
	}

	chars, err := svc.Characteristics()
	if err != nil {
		return nil, newError(SubscriptionFailed, s.opts.Role, err)
	}

	var subscribed []string
	for _, c := range chars {
		uuid := protocol.NormalizeUUID(c.UUID())
		log := s.log.WithField("characteristic", uuid)

		switch protocol.Classify(uuid) {
		case protocol.ClassMachineData:
			if s.opts.Role != RoleMachine {
				continue
			}
			if !s.filter.Matches(uuid) {
				log.WithField("filter", s.filter).Debug("[BLE] machine data filtered out")
				continue
			}
			if err := c.Subscribe(s.notificationHandler(gen, uuid)); err != nil {
				return nil, newError(SubscriptionFailed, s.opts.Role, fmt.Errorf("%s: %w", protocol.MachineTypeName(uuid), err))
			}
			log.WithField("type", protocol.MachineTypeName(uuid)).Info("[BLE] subscribed to machine data")
			subscribed = append(subscribed, uuid)

		case protocol.ClassHeartRate:
			if s.opts.Role != RoleHeartRate {
				continue
			}
			if err := c.Subscribe(s.notificationHandler(gen, uuid)); err != nil {
				return nil, newError(SubscriptionFailed, s.opts.Role, fmt.Errorf("heart rate measurement: %w", err))
			}
			log.Info("[BLE] subscribed to heart rate measurement")
			subscribed = append(subscribed, uuid)

		case protocol.ClassFeatureDescriptor:
			s.logFeatures(log, c)

		case protocol.ClassControlPoint:
			log.Info("[BLE] control point present; writes need vendor certification and are not sent")

		default:
			log.Debug("[BLE] unclassified characteristic")
		}
	}

	if len(subscribed) == 0 {
		return nil, newError(ServiceNotFound, s.opts.Role, fmt.Errorf("no measurement characteristic matched filter %s", s.filter))
	}
	return subscribed, nil
}

func (s *Session) logFeatures(log *logrus.Entry, c ble.Characteristic) {
	raw, err := c.Read()
	if err != nil {
		log.WithError(err).Debug("[BLE] feature characteristic not readable")
		return
	}
	f, err := protocol.ParseMachineFeatures(raw)
	if err != nil {
		log.WithError(err).WithField("raw", protocol.HexString(raw)).Warn("[BLE] malformed feature characteristic")
		return
	}
	log.WithFields(logrus.Fields{
		"machine_features": fmt.Sprintf("0x%08x", f.Machine),
		"target_settings":  fmt.Sprintf("0x%08x", f.TargetSetting),
	}).Info("[BLE] machine features")
}

// notificationHandler returns the platform callback for one characteristic.
// Decoding and capture happen synchronously on the callback; the loop only
// sees the outcome.
func (s *Session) notificationHandler(gen uint64, uuid string) func([]byte) {
	return func(data []byte) {
		s.ingest(gen, uuid, data, time.Now())
	}
}

func (s *Session) ingest(gen uint64, uuid string, data []byte, at time.Time) {
	m, err := decodeSafely(uuid, data)
	p := s.capture.Append(capture.Packet{
		Timestamp:          at,
		CharacteristicUUID: uuid,
		Source:             s.source,
		Raw:                data,
		Measurement:        m,
		DecodeErr:          capture.NewFailure(err),
	})
	s.metrics.packetsReceived.Add(1)
	s.post(packetResult{gen: gen, packet: p, err: err})
}

func decodeSafely(uuid string, data []byte) (m protocol.Measurement, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return protocol.Decode(uuid, data)
}
