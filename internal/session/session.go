// Package session runs the connection lifecycle of one BLE sensor: device
// selection, link establishment, subscription, streaming and teardown, with
// bounded retries and a decode-fault policy that forces capture dumps.
//
// A Session is an actor. Run consumes a mailbox; every state change happens
// on that goroutine. Connect sequences run on their own goroutines and report
// back through the mailbox tagged with a generation number, so a result from
// an attempt that was cancelled or superseded is recognised and discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/chaz8081/ftms-recorder/internal/ble"
	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/capture"
)

// Options configures a Session. Zero durations and counts take the tagged
// defaults.
type Options struct {
	Role Role
	// DeviceNamePrefix restricts selection to peripherals whose advertised
	// name starts with it.
	DeviceNamePrefix string
	// Filter is a machine filter name ("all", "treadmill", "rower", "bike",
	// "cross"). Only used by the machine role.
	Filter string

	DiscoveryTimeout     time.Duration `default:"30s"`
	LinkTimeout          time.Duration `default:"10s"`
	SubscribeTimeout     time.Duration `default:"10s"`
	RetryDelay           time.Duration `default:"2s"`
	MaxRetries           int           `default:"3"`
	DecodeErrorThreshold int           `default:"3"`
	ErrorLogSize         int           `default:"20"`
	MailboxSize          int           `default:"256"`
}

// Deps are the collaborators of a Session. Adapter and Capture are required;
// the rest default to no-ops.
type Deps struct {
	Adapter  ble.Adapter
	Capture  *capture.Log
	Logger   *logrus.Logger
	Notifier Notifier
	Store    EventStore
	Exporter Exporter
}

// Snapshot is a consistent view of a session for diagnostics.
type Snapshot struct {
	Role                    Role            `json:"role"`
	State                   State           `json:"state"`
	Device                  string          `json:"device,omitempty"`
	RetryCount              int             `json:"retry_count"`
	StartedAt               *time.Time      `json:"started_at,omitempty"`
	PacketsThisConnection   uint64          `json:"packets_this_connection"`
	ConsecutiveDecodeErrors int             `json:"consecutive_decode_errors"`
	Metrics                 MetricsSnapshot `json:"metrics"`
}

// Session owns one sensor role.
type Session struct {
	opts     Options
	filter   protocol.MachineFilter
	source   capture.Source
	adapter  ble.Adapter
	capture  *capture.Log
	log      *logrus.Entry
	notifier Notifier
	store    EventStore
	exporter Exporter
	metrics  *Metrics

	mailbox chan message
	stopped chan struct{}
	running atomic.Bool
	status  atomic.Pointer[Snapshot]
	exports sync.WaitGroup

	// Owned by the Run goroutine.
	runCtx        context.Context
	state         State
	gen           uint64
	cancelAttempt context.CancelFunc
	retryTimer    *time.Timer
	device        *ble.Device
	conn          ble.Connection
	startedAt     time.Time
	packets       uint64
	retry         RetryPolicy
	fault         FaultPolicy
}

// New builds a Session in the Disconnected state. Call Run to start it.
func New(opts Options, deps Deps) (*Session, error) {
	defaults.SetDefaults(&opts)
	if deps.Adapter == nil {
		return nil, errors.New("session: adapter is required")
	}
	if deps.Capture == nil {
		return nil, errors.New("session: capture log is required")
	}

	var source capture.Source
	switch opts.Role {
	case RoleMachine:
		source = capture.SourceMachine
	case RoleHeartRate:
		source = capture.SourceHeartRate
	default:
		return nil, fmt.Errorf("session: unknown role %q", opts.Role)
	}
	filter, err := protocol.ParseMachineFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Session{
		opts:     opts,
		filter:   filter,
		source:   source,
		adapter:  deps.Adapter,
		capture:  deps.Capture,
		log:      logger.WithField("role", string(opts.Role)),
		notifier: deps.Notifier,
		store:    deps.Store,
		exporter: deps.Exporter,
		metrics:  NewMetrics(opts.ErrorLogSize),
		mailbox:  make(chan message, opts.MailboxSize),
		stopped:  make(chan struct{}),
		retry:    RetryPolicy{MaxRetries: opts.MaxRetries},
		fault:    FaultPolicy{Threshold: opts.DecodeErrorThreshold},
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.store == nil {
		s.store = nopStore{}
	}
	if s.exporter == nil {
		s.exporter = nopExporter{}
	}
	s.publishStatus()
	return s, nil
}

// Role returns the sensor role of the session.
func (s *Session) Role() Role { return s.opts.Role }

// State returns the current state.
func (s *Session) State() State { return s.status.Load().State }

// Snapshot returns the current state, handles and counters.
func (s *Session) Snapshot() Snapshot {
	snap := *s.status.Load()
	snap.Metrics = s.metrics.Snapshot()
	return snap
}

// Connect asks the session to start a connect request. It returns once the
// request is queued; ignored when a request is already in progress.
func (s *Session) Connect() {
	s.post(connectRequest{})
}

// Disconnect cancels any in-flight attempt or pending retry and drops the
// link. It returns once the session has settled in Disconnected.
func (s *Session) Disconnect() {
	done := make(chan struct{})
	if !s.post(disconnectRequest{done: done}) {
		return
	}
	select {
	case <-done:
	case <-s.stopped:
	}
}

// Run processes the mailbox until ctx is done, then disconnects and waits for
// pending exports.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	s.runCtx = ctx
	defer s.drain()
	defer close(s.stopped)
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.mailbox:
			s.handle(m)
			s.publishStatus()
			if req, ok := m.(disconnectRequest); ok {
				close(req.done)
			}
		}
	}
}

func (s *Session) post(m message) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.mailbox <- m:
		return true
	case <-s.stopped:
		return false
	}
}

// handle is the outermost boundary for mailbox events: a panic here is
// logged and the loop keeps running.
func (s *Session) handle(m message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("[BLE] recovered from panic while handling session event")
		}
	}()

	switch m := m.(type) {
	case connectRequest:
		s.onConnect()
	case disconnectRequest:
		s.onDisconnect()
	case deviceSelected:
		s.onDeviceSelected(m)
	case linkReady:
		s.onLinkReady(m)
	case attemptFailed:
		s.onAttemptFailed(m)
	case retryDue:
		s.onRetryDue(m)
	case linkLost:
		s.onLinkLost(m)
	case packetResult:
		s.onPacket(m)
	}
}

func (s *Session) onConnect() {
	switch s.state {
	case StateDisconnected, StateError:
		s.stopRetryTimer()
		s.retry.Reset()
		s.startAttempt()
	default:
		s.log.WithField("state", s.state).Info("[BLE] connect ignored, request already in progress")
	}
}

func (s *Session) onDisconnect() {
	s.stopRetryTimer()
	s.retry.Reset()
	s.abortAttempt()
	if s.state != StateDisconnected {
		s.transition(StateDisconnected, ReasonDisconnect)
	}
}

func (s *Session) startAttempt() {
	if !s.transition(StateSearching, "") {
		return
	}
	s.gen++
	ctx, cancel := context.WithCancel(s.runCtx)
	s.cancelAttempt = cancel
	go s.attempt(ctx, s.gen)
}

func (s *Session) onDeviceSelected(m deviceSelected) {
	if m.gen != s.gen || s.state != StateSearching {
		return
	}
	dev := m.device
	s.device = &dev
	s.log.WithFields(logrus.Fields{"device": dev.Label(), "address": dev.Address}).Info("[BLE] device selected")
	s.transition(StateConnecting, "")
}

func (s *Session) onLinkReady(m linkReady) {
	if m.gen != s.gen || s.state != StateConnecting {
		closeConn(m.conn)
		return
	}
	s.conn = m.conn
	if s.transition(StateConnected, "") {
		s.log.WithFields(logrus.Fields{
			"device":          m.device.Label(),
			"characteristics": m.subscribed,
		}).Info("[BLE] connected")
	}
}

func (s *Session) onAttemptFailed(m attemptFailed) {
	if m.gen != s.gen || (s.state != StateSearching && s.state != StateConnecting) {
		return
	}
	s.endAttempt()

	if m.err.Kind == DeviceNotSelected {
		s.log.Info("[BLE] device selection cancelled")
		s.retry.Reset()
		s.transition(StateDisconnected, "")
		return
	}
	s.fail(m.err)
}

// fail moves the session to Error with its side effects and decides whether
// to retry.
func (s *Session) fail(err *Error) {
	attempt := s.retry.Count() + 1
	if !s.transition(StateError, "") {
		return
	}
	s.recordError(err, attempt)
	s.dump(ReasonError)

	fields := logrus.Fields{"kind": err.Kind, "attempt": attempt, "error": err.Err}
	switch s.retry.next(err.Kind) {
	case retryLater:
		s.log.WithFields(fields).WithField("delay", s.opts.RetryDelay).Warn("[BLE] connection failed, retrying")
		gen := s.gen
		s.retryTimer = time.AfterFunc(s.opts.RetryDelay, func() { s.post(retryDue{gen: gen}) })
	case giveUp:
		s.log.WithFields(fields).Error("[BLE] connection failed, retries exhausted")
		s.appendEvent("terminal_failure", map[string]any{"kind": string(err.Kind), "attempts": attempt})
		s.transition(StateDisconnected, "")
	case stayInError:
		s.log.WithFields(fields).Error("[BLE] connection failed")
	}
}

func (s *Session) onRetryDue(m retryDue) {
	if m.gen != s.gen || s.state != StateError {
		return
	}
	s.retryTimer = nil
	s.startAttempt()
}

func (s *Session) onLinkLost(m linkLost) {
	if m.gen != s.gen || (s.state != StateConnected && s.state != StateConnecting) {
		return
	}
	err := newError(LinkLost, s.opts.Role, nil)
	s.log.Warn("[BLE] link lost")
	s.recordError(err, 0)
	s.retry.Reset()
	s.abortAttempt()

	wasConnected := s.state == StateConnected
	s.transition(StateDisconnected, ReasonLinkLost)
	if !wasConnected {
		s.dump(ReasonLinkLost)
	}
}

func (s *Session) onPacket(m packetResult) {
	if m.gen == s.gen {
		s.packets++
	}

	if m.err == nil {
		s.fault.Record(true)
		s.publish(Event{
			Type: EventDataReceived,
			Role: s.opts.Role,
			At:   m.packet.Timestamp,
			Data: &Data{
				CharacteristicUUID: m.packet.CharacteristicUUID,
				Kind:               m.packet.Measurement.Kind(),
				Measurement:        m.packet.Measurement,
			},
		})
		return
	}

	fields := logrus.Fields{
		"characteristic": m.packet.CharacteristicUUID,
		"raw":            protocol.HexString(m.packet.Raw),
		"error":          m.err,
	}
	if errors.Is(m.err, protocol.ErrNoDecoder) {
		s.log.WithFields(fields).Debug("[BLE] captured packet without decoder")
		return
	}
	s.metrics.decodeFailures.Add(1)
	s.log.WithFields(fields).Warn("[BLE] decode failed")
	if s.fault.Record(false) {
		s.log.WithField("threshold", s.fault.Threshold).Warn("[BLE] consecutive decode failures, dumping capture")
		s.dump(ReasonDecodeErrors)
	}
}

// transition applies one state change and its side effects. Rejected
// transitions are logged and ignored.
func (s *Session) transition(to State, reason string) bool {
	from := s.state
	if !CanTransition(from, to) {
		s.log.WithFields(logrus.Fields{"from": from, "to": to}).Warn("[BLE] rejected state transition")
		return false
	}

	if from == StateConnected {
		if to == StateDisconnected {
			s.summarizeConnection(reason)
		}
		s.startedAt = time.Time{}
		s.packets = 0
	}
	s.state = to

	switch to {
	case StateSearching:
		s.metrics.connectionAttempts.Add(1)
		s.packets = 0
	case StateConnected:
		s.startedAt = time.Now()
		s.metrics.successfulConnections.Add(1)
		s.retry.Reset()
	}
	if to != StateConnecting && to != StateConnected {
		s.releaseLink()
	}

	s.log.WithFields(logrus.Fields{"from": from, "to": to}).Info("[BLE] state change")
	s.publish(Event{
		Type:  EventStateChange,
		Role:  s.opts.Role,
		At:    time.Now(),
		State: &StateChange{Previous: from, Current: to},
	})
	s.appendEvent("state_change", map[string]any{"from": from.String(), "to": to.String()})
	return true
}

func (s *Session) summarizeConnection(reason string) {
	if reason == "" {
		reason = ReasonDisconnect
	}
	duration := time.Since(s.startedAt).Round(time.Second)
	device := ""
	if s.device != nil {
		device = s.device.Label()
	}
	s.log.WithFields(logrus.Fields{
		"duration": duration,
		"packets":  s.packets,
		"device":   device,
		"reason":   reason,
	}).Info("[BLE] disconnected")
	s.appendEvent("disconnect", map[string]any{
		"duration_seconds": duration.Seconds(),
		"packets":          s.packets,
		"device":           device,
		"reason":           reason,
	})
	s.dump(reason)
}

// releaseLink drops the device handle and closes the link, if any.
func (s *Session) releaseLink() {
	if s.conn != nil {
		closeConn(s.conn)
		s.conn = nil
	}
	s.device = nil
}

// abortAttempt cancels the in-flight attempt and invalidates its generation.
func (s *Session) abortAttempt() {
	s.endAttempt()
	s.gen++
}

func (s *Session) endAttempt() {
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
}

func (s *Session) stopRetryTimer() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) recordError(err *Error, attempt int) {
	msg := err.Error()
	s.metrics.RecordError(string(err.Kind), msg)
	rec := ErrorRecord{
		Role:       s.opts.Role,
		Kind:       err.Kind,
		Message:    msg,
		Attempt:    attempt,
		RawPackets: s.capture.Len(),
		At:         time.Now(),
	}
	if serr := s.store.AppendError(rec); serr != nil {
		s.log.WithError(serr).Warn("[BLE] could not persist error record")
	}
	s.appendEvent("error", map[string]any{"kind": string(err.Kind), "message": msg, "attempt": attempt})
	s.publish(Event{
		Type:  EventError,
		Role:  s.opts.Role,
		At:    rec.At,
		Error: &ErrorEntry{At: rec.At, Kind: string(err.Kind), Message: msg},
	})
}

func (s *Session) appendEvent(typ string, data map[string]any) {
	if err := s.store.AppendEvent(Record{Role: s.opts.Role, Type: typ, Data: data, At: time.Now()}); err != nil {
		s.log.WithError(err).Warn("[BLE] could not persist session event")
	}
}

// publish hands an event to the notifier; a failing notifier cannot stop the
// session.
func (s *Session) publish(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("[BLE] notifier panicked")
		}
	}()
	s.notifier.Publish(ev)
}

// dump exports a snapshot of the capture log in the background. Nothing is
// exported while the log is empty.
func (s *Session) dump(reason string) {
	packets := s.capture.Snapshot()
	if len(packets) == 0 {
		return
	}
	s.metrics.dumps.Add(1)
	s.exports.Add(1)
	go func() {
		defer s.exports.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("panic", r).Error("[BLE] exporter panicked")
			}
		}()
		path, err := s.exporter.ExportCapture(reason, packets)
		if err != nil {
			s.log.WithError(err).WithField("reason", reason).Error("[BLE] capture export failed")
			return
		}
		if path != "" {
			s.log.WithFields(logrus.Fields{"reason": reason, "packets": len(packets), "path": path}).Info("[BLE] capture exported")
		}
	}()
}

func (s *Session) publishStatus() {
	snap := &Snapshot{
		Role:                    s.opts.Role,
		State:                   s.state,
		RetryCount:              s.retry.Count(),
		PacketsThisConnection:   s.packets,
		ConsecutiveDecodeErrors: s.fault.Consecutive(),
	}
	if s.device != nil {
		snap.Device = s.device.Label()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	s.status.Store(snap)
}

func (s *Session) shutdown() {
	s.stopRetryTimer()
	s.abortAttempt()
	if s.state != StateDisconnected {
		s.transition(StateDisconnected, ReasonDisconnect)
	}
	s.publishStatus()
	s.exports.Wait()
}

// drain closes links carried by events that arrived after the loop stopped.
func (s *Session) drain() {
	for {
		select {
		case m := <-s.mailbox:
			if lr, ok := m.(linkReady); ok {
				closeConn(lr.conn)
			}
		default:
			return
		}
	}
}

// closeConn detaches the link-loss callback before an intentional disconnect.
func closeConn(conn ble.Connection) {
	if conn == nil {
		return
	}
	conn.OnDisconnect(nil)
	_ = conn.Disconnect()
}
