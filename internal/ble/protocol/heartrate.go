package protocol

import (
	"encoding/binary"
	"math"
)

// Heart Rate Measurement flag bits (Heart Rate Service 1.0, 3.1.1.1).
//
//	| 0x10 | 0x08 | 0x04 0x02 | 0x01 |
//	|  rr  | nrg  | scs  cnt  | fmt  |
const (
	hrFlagUint16BPM        = 0x01
	hrFlagContactDetected  = 0x02
	hrFlagContactSupported = 0x04
	hrFlagEnergyExpended   = 0x08
	hrFlagRRIntervals      = 0x10
)

// HeartRateMeasurement is one decoded 0x2A37 notification.
type HeartRateMeasurement struct {
	BeatsPerMinute uint16 `json:"beats_per_minute"`
	// ContactDetected is nil when the sensor cannot detect skin contact.
	ContactDetected *bool `json:"contact_detected"`
	// EnergyExpendedKJ is nil unless the energy field was present.
	EnergyExpendedKJ *uint16  `json:"energy_expended_kj"`
	RRIntervalsMs    []float64 `json:"rr_intervals_ms"`
}

// Kind implements Measurement.
func (HeartRateMeasurement) Kind() string { return "heart_rate" }

// DecodeHeartRate decodes a Heart Rate Measurement payload. It never panics:
// short payloads yield ErrTruncatedPayload and an odd number of trailing RR
// bytes yields ErrMalformedRRSeries.
func DecodeHeartRate(b []byte) (HeartRateMeasurement, error) {
	r := &reader{buf: b}
	flags := r.uint8("flags")
	if r.err != nil {
		return HeartRateMeasurement{}, r.err
	}

	var m HeartRateMeasurement
	if flags&hrFlagUint16BPM != 0 {
		m.BeatsPerMinute = r.uint16("heart rate")
	} else {
		m.BeatsPerMinute = uint16(r.uint8("heart rate"))
	}

	// Bit 1 only means something when bit 2 says contact detection exists.
	if flags&hrFlagContactSupported != 0 {
		m.ContactDetected = ptr(flags&hrFlagContactDetected != 0)
	}

	if flags&hrFlagEnergyExpended != 0 {
		energy := r.uint16("energy expended")
		if r.err == nil {
			m.EnergyExpendedKJ = ptr(energy)
		}
	}
	if r.err != nil {
		return HeartRateMeasurement{}, r.err
	}

	m.RRIntervalsMs = []float64{}
	if flags&hrFlagRRIntervals != 0 {
		rest := r.remaining()
		if rest%2 != 0 {
			return HeartRateMeasurement{}, &DecodeError{
				Kind:   ErrMalformedRRSeries,
				Field:  "rr interval",
				Offset: r.off + rest - 1,
				Need:   2,
				Have:   1,
			}
		}
		m.RRIntervalsMs = make([]float64, 0, rest/2)
		for r.remaining() > 0 {
			m.RRIntervalsMs = append(m.RRIntervalsMs, RRToMillis(r.uint16("rr interval")))
		}
	}
	return m, nil
}

// RRToMillis converts an RR interval in 1/1024 s units to milliseconds.
func RRToMillis(v uint16) float64 {
	return float64(v) * 1000 / 1024
}

// MillisToRR converts milliseconds back to 1/1024 s units, rounding to the
// nearest representable value.
func MillisToRR(ms float64) uint16 {
	v := math.Round(ms * 1024 / 1000)
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

// EncodeHeartRate builds a Heart Rate Measurement payload carrying m. The BPM
// field is written as 16 bits when wide is set or the value does not fit in a
// byte. RR intervals are quantised to 1/1024 s.
func EncodeHeartRate(m HeartRateMeasurement, wide bool) []byte {
	var flags byte
	if wide || m.BeatsPerMinute > math.MaxUint8 {
		flags |= hrFlagUint16BPM
	}
	if m.ContactDetected != nil {
		flags |= hrFlagContactSupported
		if *m.ContactDetected {
			flags |= hrFlagContactDetected
		}
	}
	if m.EnergyExpendedKJ != nil {
		flags |= hrFlagEnergyExpended
	}
	if len(m.RRIntervalsMs) > 0 {
		flags |= hrFlagRRIntervals
	}

	buf := []byte{flags}
	if flags&hrFlagUint16BPM != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, m.BeatsPerMinute)
	} else {
		buf = append(buf, byte(m.BeatsPerMinute))
	}
	if m.EnergyExpendedKJ != nil {
		buf = binary.LittleEndian.AppendUint16(buf, *m.EnergyExpendedKJ)
	}
	for _, rr := range m.RRIntervalsMs {
		buf = binary.LittleEndian.AppendUint16(buf, MillisToRR(rr))
	}
	return buf
}
