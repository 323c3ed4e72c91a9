package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/chaz8081/ftms-recorder/internal/ble"
	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/capture"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type SessionTestSuite struct {
	suite.Suite

	adapter  *fakeAdapter
	service  *fakeService
	feature  *fakeChar
	data     *fakeChar
	control  *fakeChar
	log      *capture.Log
	notifier *recordingNotifier
	store    *recordingStore
	exporter *recordingExporter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *SessionTestSuite) SetupTest() {
	s.service, s.feature, s.data, s.control = treadmillService()
	s.adapter = &fakeAdapter{
		device: ble.Device{Name: "TREAD-1", Address: "AA:BB"},
		newConn: func() *fakeConn {
			return &fakeConn{services: []ble.Service{s.service}}
		},
	}
	s.log = capture.NewLog()
	s.notifier = &recordingNotifier{}
	s.store = &recordingStore{}
	s.exporter = &recordingExporter{}
}

func (s *SessionTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
}

func (s *SessionTestSuite) quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (s *SessionTestSuite) start(opts Options) *Session {
	if opts.Role == "" {
		opts.Role = RoleMachine
	}
	if opts.LinkTimeout == 0 {
		opts.LinkTimeout = 50 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 5 * time.Millisecond
	}
	if opts.DiscoveryTimeout == 0 {
		opts.DiscoveryTimeout = 50 * time.Millisecond
	}
	if opts.SubscribeTimeout == 0 {
		opts.SubscribeTimeout = 50 * time.Millisecond
	}
	sess, err := New(opts, Deps{
		Adapter:  s.adapter,
		Capture:  s.log,
		Logger:   s.quietLogger(),
		Notifier: s.notifier,
		Store:    s.store,
		Exporter: s.exporter,
	})
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = sess.Run(ctx)
	}()
	return sess
}

func (s *SessionTestSuite) waitState(sess *Session, want State) {
	s.Require().Eventually(func() bool { return sess.State() == want }, waitFor, tick, "state never became %s", want)
}

func (s *SessionTestSuite) connected() *Session {
	sess := s.start(Options{})
	sess.Connect()
	s.waitState(sess, StateConnected)
	return sess
}

func (s *SessionTestSuite) TestConnectReachesConnected() {
	sess := s.connected()

	s.Assert().Equal([]State{StateSearching, StateConnecting, StateConnected}, s.notifier.states())
	snap := sess.Snapshot()
	s.Assert().Equal("TREAD-1", snap.Device)
	s.Assert().NotNil(snap.StartedAt)
	s.Assert().Zero(snap.RetryCount)
	s.Assert().Equal(uint64(1), snap.Metrics.ConnectionAttempts)
	s.Assert().Equal(uint64(1), snap.Metrics.SuccessfulConnections)

	reads, _ := s.feature.counts()
	s.Assert().Equal(1, reads, "feature characteristic is read once")
	_, subs := s.control.counts()
	s.Assert().Zero(subs, "control point is never subscribed")
	_, subs = s.data.counts()
	s.Assert().Equal(1, subs)
	s.Assert().Contains(s.store.eventTypes(), "state_change")
}

func (s *SessionTestSuite) TestConnectIgnoredWhileConnected() {
	sess := s.connected()
	sess.Connect()
	sess.Disconnect()
	s.Assert().Equal(1, s.adapter.connectCount())
}

func (s *SessionTestSuite) TestNotificationsCapturedAndPublished() {
	sess := s.connected()

	s.data.Notify([]byte{0x00, 0x00, 0xE8, 0x03})
	s.Require().Eventually(func() bool { return sess.Snapshot().PacketsThisConnection == 1 }, waitFor, tick)

	packets := s.log.Snapshot()
	s.Require().Len(packets, 1)
	s.Assert().Equal(capture.SourceMachine, packets[0].Source)
	s.Assert().True(packets[0].Decoded())

	data := s.notifier.ofType(EventDataReceived)
	s.Require().Len(data, 1)
	s.Assert().Equal("treadmill", data[0].Data.Kind)
}

func (s *SessionTestSuite) TestFaultPolicyDumpsExactlyOnce() {
	sess := s.connected()

	for i := 0; i < 3; i++ {
		s.data.Notify([]byte{0x04})
	}
	s.Require().Eventually(func() bool { return sess.Snapshot().PacketsThisConnection == 3 }, waitFor, tick)
	snap := sess.Snapshot()
	s.Assert().Equal(uint64(3), snap.Metrics.DecodeFailures)
	s.Assert().Equal(uint64(1), snap.Metrics.Dumps)
	s.Assert().Zero(snap.ConsecutiveDecodeErrors)
	s.Require().Eventually(func() bool { return len(s.exporter.exported()) == 1 }, waitFor, tick)
	s.Assert().Equal([]string{ReasonDecodeErrors}, s.exporter.exported())

	s.data.Notify([]byte{0x00, 0x00, 0xE8, 0x03})
	s.data.Notify([]byte{0x04})
	s.Require().Eventually(func() bool { return sess.Snapshot().PacketsThisConnection == 5 }, waitFor, tick)
	snap = sess.Snapshot()
	s.Assert().Equal(uint64(4), snap.Metrics.DecodeFailures)
	s.Assert().Equal(1, snap.ConsecutiveDecodeErrors)
	s.Assert().Equal(uint64(1), snap.Metrics.Dumps)
	s.Assert().Equal(5, s.log.Len(), "every notification is captured")
	s.Assert().Equal(StateConnected, sess.State(), "decode failures never abort the session")
}

func (s *SessionTestSuite) TestNoDecoderIsCapturedButNotCounted() {
	rower := newFakeChar(protocol.CharRowerData)
	s.service.chars = append(s.service.chars, rower)
	sess := s.connected()

	for i := 0; i < 4; i++ {
		rower.Notify([]byte{0x00, 0x00})
	}
	s.Require().Eventually(func() bool { return sess.Snapshot().PacketsThisConnection == 4 }, waitFor, tick)
	s.Assert().Equal(4, s.log.Len())
	s.Assert().Zero(sess.Snapshot().Metrics.DecodeFailures)
	s.Assert().Zero(sess.Snapshot().Metrics.Dumps)
	s.Assert().Equal("no_decoder", s.log.Snapshot()[0].DecodeErr.Kind)
}

func (s *SessionTestSuite) TestRetryBoundThenTerminal() {
	s.adapter.connectFn = func(ctx context.Context, _ *fakeConn) (ble.Connection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sess := s.start(Options{LinkTimeout: 10 * time.Millisecond})
	sess.Connect()

	s.Require().Eventually(func() bool {
		return s.adapter.connectCount() == 3 && sess.State() == StateDisconnected
	}, waitFor, tick)

	time.Sleep(60 * time.Millisecond)
	s.Assert().Equal(3, s.adapter.connectCount(), "no fourth automatic attempt")
	snap := sess.Snapshot()
	s.Assert().Zero(snap.RetryCount)
	s.Assert().Equal(uint64(3), snap.Metrics.ConnectionAttempts)
	s.Assert().Zero(snap.Metrics.SuccessfulConnections)
	s.Assert().Equal([]State{
		StateSearching, StateConnecting, StateError,
		StateSearching, StateConnecting, StateError,
		StateSearching, StateConnecting, StateError,
		StateDisconnected,
	}, s.notifier.states())

	errs := s.store.errorRecords()
	s.Require().Len(errs, 3)
	for i, e := range errs {
		s.Assert().Equal(LinkTimeout, e.Kind)
		s.Assert().Equal(i+1, e.Attempt)
	}
	s.Assert().Contains(s.store.eventTypes(), "terminal_failure")

	// A new request starts over.
	sess.Connect()
	s.Require().Eventually(func() bool { return s.adapter.connectCount() == 6 && sess.State() == StateDisconnected }, waitFor, tick)
}

func (s *SessionTestSuite) TestRetrySucceedsAndResetsCount() {
	failures := 2
	var mu sync.Mutex
	s.adapter.connectFn = func(ctx context.Context, conn *fakeConn) (ble.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, context.DeadlineExceeded
		}
		return conn, nil
	}
	sess := s.start(Options{})
	sess.Connect()
	s.waitState(sess, StateConnected)

	snap := sess.Snapshot()
	s.Assert().Zero(snap.RetryCount)
	s.Assert().Equal(uint64(3), snap.Metrics.ConnectionAttempts)
	s.Assert().Equal(3, s.adapter.connectCount())
	s.Assert().Len(snap.Metrics.RecentErrors, 2)
}

func (s *SessionTestSuite) TestServiceNotFoundIsNotRetried() {
	s.adapter.newConn = func() *fakeConn { return &fakeConn{} }
	sess := s.start(Options{})
	sess.Connect()
	s.waitState(sess, StateError)

	time.Sleep(30 * time.Millisecond)
	s.Assert().Equal(StateError, sess.State())
	s.Assert().Equal(1, s.adapter.connectCount())
	s.Assert().True(s.adapter.lastConn().isDisconnected(), "failed attempt closes its link")
	errs := s.store.errorRecords()
	s.Require().Len(errs, 1)
	s.Assert().Equal(ServiceNotFound, errs[0].Kind)

	// The caller may re-trigger from Error.
	sess.Connect()
	s.Require().Eventually(func() bool { return s.adapter.connectCount() == 2 }, waitFor, tick)
}

func (s *SessionTestSuite) TestFilterExcludingEverythingIsServiceNotFound() {
	sess := s.start(Options{Filter: "rower"})
	sess.Connect()
	s.waitState(sess, StateError)
	s.Assert().Equal(ServiceNotFound, s.store.errorRecords()[0].Kind)
	_, subs := s.data.counts()
	s.Assert().Zero(subs)
}

func (s *SessionTestSuite) TestSubscriptionFailureIsRetried() {
	s.data.subErr = context.Canceled
	sess := s.start(Options{})
	sess.Connect()
	s.Require().Eventually(func() bool {
		return s.adapter.connectCount() == 3 && sess.State() == StateDisconnected
	}, waitFor, tick)
	s.Assert().Equal(SubscriptionFailed, s.store.errorRecords()[0].Kind)
}

func (s *SessionTestSuite) TestDeviceNotSelected() {
	s.adapter.selectFn = func(context.Context) (ble.Device, error) { return ble.Device{}, ble.ErrNotSelected }
	s.log.Append(capture.Packet{Source: capture.SourceMachine, Raw: []byte{1}})
	sess := s.start(Options{})
	sess.Connect()

	s.Require().Eventually(func() bool { return len(s.notifier.states()) == 2 }, waitFor, tick)
	s.Assert().Equal([]State{StateSearching, StateDisconnected}, s.notifier.states())
	time.Sleep(20 * time.Millisecond)
	s.Assert().Empty(s.exporter.exported(), "no dump")
	s.Assert().Empty(s.store.errorRecords(), "not an error")
	s.Assert().Zero(s.adapter.connectCount())
	s.Assert().Equal(StateDisconnected, sess.State())
}

func (s *SessionTestSuite) TestScanEndingEarlyIsRetriedAsLinkFailure() {
	s.adapter.selectFn = func(context.Context) (ble.Device, error) {
		return ble.Device{}, errors.New("ble: scan ended before a device was found")
	}
	s.log.Append(capture.Packet{Source: capture.SourceMachine, Raw: []byte{1}})
	sess := s.start(Options{})
	sess.Connect()

	s.Require().Eventually(func() bool {
		return len(s.store.errorRecords()) == 3 && sess.State() == StateDisconnected
	}, waitFor, tick)
	for _, rec := range s.store.errorRecords() {
		s.Assert().Equal(LinkFailed, rec.Kind)
	}
	s.Require().Eventually(func() bool { return len(s.exporter.exported()) == 3 }, waitFor, tick)
	s.Assert().Contains(s.store.eventTypes(), "terminal_failure")
}

func (s *SessionTestSuite) TestDiscoveryTimeout() {
	s.adapter.selectFn = func(ctx context.Context) (ble.Device, error) {
		<-ctx.Done()
		return ble.Device{}, ctx.Err()
	}
	sess := s.start(Options{DiscoveryTimeout: 5 * time.Millisecond})
	sess.Connect()
	s.Require().Eventually(func() bool {
		errs := s.store.errorRecords()
		return len(errs) == 3 && sess.State() == StateDisconnected
	}, waitFor, tick)
	s.Assert().Equal(DiscoveryTimeout, s.store.errorRecords()[0].Kind)
}

func (s *SessionTestSuite) TestDisconnectDuringConnect() {
	s.adapter.connectFn = func(ctx context.Context, _ *fakeConn) (ble.Connection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sess := s.start(Options{LinkTimeout: time.Second})
	sess.Connect()
	s.waitState(sess, StateConnecting)

	sess.Disconnect()
	s.Assert().Equal(StateDisconnected, sess.State())
	s.Assert().Empty(sess.Snapshot().Device)

	time.Sleep(30 * time.Millisecond)
	s.Assert().Equal(StateDisconnected, sess.State())
	s.Assert().Equal(1, s.adapter.connectCount())
	s.Assert().Empty(s.store.errorRecords(), "a cancelled attempt is not a failure")
}

func (s *SessionTestSuite) TestLateLinkAfterDisconnectIsClosed() {
	release := make(chan struct{})
	s.adapter.connectFn = func(_ context.Context, conn *fakeConn) (ble.Connection, error) {
		<-release
		return conn, nil
	}
	sess := s.start(Options{LinkTimeout: time.Second})
	sess.Connect()
	s.waitState(sess, StateConnecting)

	sess.Disconnect()
	close(release)

	s.Require().Eventually(func() bool {
		c := s.adapter.lastConn()
		return c != nil && c.isDisconnected()
	}, waitFor, tick)
	s.Assert().Equal(StateDisconnected, sess.State())
}

func (s *SessionTestSuite) TestExplicitDisconnectExportsCapture() {
	sess := s.connected()
	s.data.Notify([]byte{0x00, 0x00, 0xE8, 0x03})
	s.Require().Eventually(func() bool { return sess.Snapshot().PacketsThisConnection == 1 }, waitFor, tick)

	sess.Disconnect()
	s.Assert().Equal(StateDisconnected, sess.State())
	s.Assert().True(s.adapter.lastConn().isDisconnected())
	s.Require().Eventually(func() bool { return len(s.exporter.exported()) == 1 }, waitFor, tick)
	s.Assert().Equal([]string{ReasonDisconnect}, s.exporter.exported())

	snap := sess.Snapshot()
	s.Assert().Nil(snap.StartedAt)
	s.Assert().Zero(snap.PacketsThisConnection)
	s.Assert().Equal(uint64(1), snap.Metrics.PacketsReceived, "totals survive a disconnect")
	s.Assert().Contains(s.store.eventTypes(), "disconnect")
}

func (s *SessionTestSuite) TestDisconnectWithEmptyCaptureDoesNotExport() {
	sess := s.connected()
	sess.Disconnect()
	time.Sleep(20 * time.Millisecond)
	s.Assert().Empty(s.exporter.exported())
}

func (s *SessionTestSuite) TestLinkLostForcesDisconnectAndDump() {
	sess := s.connected()
	s.data.Notify([]byte{0x00, 0x00, 0xE8, 0x03})
	s.Require().Eventually(func() bool { return sess.Snapshot().PacketsThisConnection == 1 }, waitFor, tick)

	s.adapter.lastConn().Drop()
	s.waitState(sess, StateDisconnected)
	s.Require().Eventually(func() bool { return len(s.exporter.exported()) == 1 }, waitFor, tick)
	s.Assert().Equal([]string{ReasonLinkLost}, s.exporter.exported())

	errs := sess.Snapshot().Metrics.RecentErrors
	s.Require().Len(errs, 1)
	s.Assert().Equal(string(LinkLost), errs[0].Kind)
	s.Assert().Equal(1, s.adapter.connectCount(), "link loss does not reconnect by itself")
}

func (s *SessionTestSuite) TestNotificationAfterDisconnectStillCaptured() {
	sess := s.connected()
	sess.Disconnect()

	s.data.Notify([]byte{0x00, 0x00, 0xE8, 0x03})
	s.Assert().Equal(1, s.log.Len())
	s.Require().Eventually(func() bool { return sess.Snapshot().Metrics.PacketsReceived == 1 }, waitFor, tick)
	s.Assert().Zero(sess.Snapshot().PacketsThisConnection)
}

func (s *SessionTestSuite) TestPanickingNotifierDoesNotStopSession() {
	s.notifier.panics = true
	sess := s.connected()
	s.data.Notify([]byte{0x00, 0x00, 0xE8, 0x03})
	s.Require().Eventually(func() bool { return sess.Snapshot().PacketsThisConnection == 1 }, waitFor, tick)
	sess.Disconnect()
	s.Assert().Equal(StateDisconnected, sess.State())
}

func (s *SessionTestSuite) TestHeartRateRole() {
	hr := newFakeChar(protocol.CharHeartRateMeasurement)
	hrService := &fakeService{uuid: protocol.FullUUID(protocol.ServiceHeartRate), chars: []ble.Characteristic{hr}}
	s.adapter.newConn = func() *fakeConn { return &fakeConn{services: []ble.Service{hrService}} }

	sess := s.start(Options{Role: RoleHeartRate})
	sess.Connect()
	s.waitState(sess, StateConnected)

	hr.Notify([]byte{0x06, 0x4B})
	s.Require().Eventually(func() bool { return len(s.notifier.ofType(EventDataReceived)) == 1 }, waitFor, tick)
	ev := s.notifier.ofType(EventDataReceived)[0]
	s.Assert().Equal(RoleHeartRate, ev.Role)
	m, ok := ev.Data.Measurement.(protocol.HeartRateMeasurement)
	s.Require().True(ok)
	s.Assert().Equal(uint16(75), m.BeatsPerMinute)
	s.Assert().Equal(capture.SourceHeartRate, s.log.Snapshot()[0].Source)
}

func (s *SessionTestSuite) TestShutdownDisconnects() {
	sess := s.connected()
	conn := s.adapter.lastConn()
	s.cancel()
	s.wg.Wait()
	s.cancel = nil

	s.Assert().Equal(StateDisconnected, sess.State())
	s.Assert().True(conn.isDisconnected())
	s.Assert().Error(sess.Run(context.Background()), "a session runs once")
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
