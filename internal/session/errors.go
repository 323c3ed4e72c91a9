package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies connection-phase failures.
type ErrorKind string

const (
	DeviceNotSelected  ErrorKind = "device_not_selected"
	DiscoveryTimeout   ErrorKind = "discovery_timeout"
	LinkTimeout        ErrorKind = "link_timeout"
	LinkFailed         ErrorKind = "link_failed"
	ServiceNotFound    ErrorKind = "service_not_found"
	SubscriptionFailed ErrorKind = "subscription_failed"
	LinkLost           ErrorKind = "link_lost"
)

// Retryable reports whether a failure of this kind schedules another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case DiscoveryTimeout, LinkTimeout, LinkFailed, SubscriptionFailed:
		return true
	}
	return false
}

// Error is a session failure carrying its kind and the role it happened on.
type Error struct {
	Kind ErrorKind
	Role Role
	Err  error
}

func newError(kind ErrorKind, role Role, err error) *Error {
	return &Error{Kind: kind, Role: role, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Role, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Role, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so callers can test with
// errors.Is(err, &session.Error{Kind: session.LinkTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Role == "" || t.Role == e.Role)
}

// KindOf returns the kind of a session error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
