package protocol

import (
	"errors"
	"fmt"
)

// Sentinel decode errors. A *DecodeError matches one of these with errors.Is.
var (
	ErrTruncatedPayload  = errors.New("truncated payload")
	ErrMalformedRRSeries = errors.New("malformed RR series")
	ErrNoDecoder         = errors.New("no decoder for characteristic")
)

// DecodeError describes why a notification payload could not be decoded.
type DecodeError struct {
	Kind   error  // one of the sentinel errors above
	Field  string // field being read when decoding stopped
	Offset int    // byte offset of that field
	Need   int    // bytes required from Offset
	Have   int    // bytes available from Offset
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Field == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s at offset %d needs %d bytes, have %d", e.Kind, e.Field, e.Offset, e.Need, e.Have)
}

// Is lets errors.Is compare a DecodeError against its sentinel kind.
func (e *DecodeError) Is(target error) bool {
	if e == nil {
		return false
	}
	return e.Kind == target
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

// KindName returns a stable short name for a decode error, suitable for
// capture records and logs. Unknown errors map to "decode_error".
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTruncatedPayload):
		return "truncated_payload"
	case errors.Is(err, ErrMalformedRRSeries):
		return "malformed_rr_series"
	case errors.Is(err, ErrNoDecoder):
		return "no_decoder"
	default:
		return "decode_error"
	}
}

func truncated(field string, offset, need, have int) error {
	return &DecodeError{Kind: ErrTruncatedPayload, Field: field, Offset: offset, Need: need, Have: have}
}
