package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/ftms-recorder/internal/session"
)

func openTemp(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "events.db")
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAssignsSessionID(t *testing.T) {
	s := openTemp(t, Options{})
	_, err := uuid.Parse(s.SessionID())
	assert.NoError(t, err)

	fixed := openTemp(t, Options{SessionID: "fixed"})
	assert.Equal(t, "fixed", fixed.SessionID())
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "events.db")
	s := openTemp(t, Options{Path: path})
	require.NoError(t, s.AppendEvent(session.Record{Role: session.RoleMachine, Type: "state_change"}))
	assert.FileExists(t, path)
}

func TestAppendEventRoundTrip(t *testing.T) {
	s := openTemp(t, Options{})
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendEvent(session.Record{
		Role: session.RoleHeartRate,
		Type: "state_change",
		Data: map[string]any{"from": "searching", "to": "connecting"},
		At:   at,
	}))

	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, s.SessionID(), ev.SessionID)
	assert.Equal(t, "heart_rate", ev.Role)
	assert.Equal(t, "state_change", ev.Type)
	assert.True(t, at.Equal(ev.CreatedAt))

	data, err := ev.DecodeData()
	require.NoError(t, err)
	assert.Equal(t, "connecting", data["to"])
}

func TestEventsEvictOldest(t *testing.T) {
	s := openTemp(t, Options{MaxEvents: 100})
	for i := 0; i < 105; i++ {
		require.NoError(t, s.AppendEvent(session.Record{
			Role: session.RoleMachine,
			Type: "data_received",
			Data: map[string]any{"n": i},
		}))
	}

	events, err := s.RecentEvents(1000)
	require.NoError(t, err)
	require.Len(t, events, 100)

	first, err := events[0].DecodeData()
	require.NoError(t, err)
	assert.EqualValues(t, 5, first["n"])
	last, err := events[99].DecodeData()
	require.NoError(t, err)
	assert.EqualValues(t, 104, last["n"])
}

func TestErrorsEvictOldest(t *testing.T) {
	s := openTemp(t, Options{MaxErrors: 20})
	for i := 1; i <= 25; i++ {
		require.NoError(t, s.AppendError(session.ErrorRecord{
			Role:    session.RoleMachine,
			Kind:    session.LinkTimeout,
			Message: "no link",
			Attempt: i,
		}))
	}

	errs, err := s.RecentErrors(100)
	require.NoError(t, err)
	require.Len(t, errs, 20)
	assert.Equal(t, 6, errs[0].Attempt)
	assert.Equal(t, 25, errs[19].Attempt)
	assert.Equal(t, "link_timeout", errs[19].Kind)
}

func TestRecentLimitsAndOrder(t *testing.T) {
	s := openTemp(t, Options{})
	for _, typ := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.AppendEvent(session.Record{Role: session.RoleMachine, Type: typ}))
	}
	events, err := s.RecentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].Type)
	assert.Equal(t, "d", events[1].Type)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	first, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.AppendError(session.ErrorRecord{Role: session.RoleHeartRate, Kind: session.ServiceNotFound}))
	require.NoError(t, first.Close())

	second := openTemp(t, Options{Path: path})
	require.NoError(t, second.AppendError(session.ErrorRecord{Role: session.RoleMachine, Kind: session.LinkFailed}))

	errs, err := second.RecentErrors(10)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, first.SessionID(), errs[0].SessionID)
	assert.Equal(t, second.SessionID(), errs[1].SessionID)
	assert.NotEqual(t, errs[0].SessionID, errs[1].SessionID)
}

func TestDecodeDataEmpty(t *testing.T) {
	data, err := Event{}.DecodeData()
	assert.NoError(t, err)
	assert.Nil(t, data)
}
