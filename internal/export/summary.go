package export

import (
	"time"

	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/capture"
)

// Summary aggregates a capture into workout totals. Fields a device never
// reported stay nil; an absent reading is not a zero reading.
type Summary struct {
	Packets         int       `json:"packets"`
	DecodeFailures  int       `json:"decode_failures"`
	Start           time.Time `json:"start,omitzero"`
	End             time.Time `json:"end,omitzero"`
	DistanceMeters  *uint32   `json:"distance_meters,omitempty"`
	ElapsedSeconds  *uint16   `json:"elapsed_seconds,omitempty"`
	MaxSpeedKmh     *float64  `json:"max_speed_kmh,omitempty"`
	AvgSpeedKmh     *float64  `json:"avg_speed_kmh,omitempty"`
	TotalEnergyKcal *uint16   `json:"total_energy_kcal,omitempty"`
	AvgHeartRate    *float64  `json:"avg_heart_rate,omitempty"`
	MaxHeartRate    *uint16   `json:"max_heart_rate,omitempty"`
}

// Duration is the span between the first and last packet.
func (s Summary) Duration() time.Duration {
	if s.Start.IsZero() || s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) { m.sum += v; m.n++ }

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

// Summarize folds packets into a Summary.
func Summarize(packets []capture.Packet) Summary {
	var (
		s     Summary
		speed mean
		hr    mean
	)
	for _, p := range packets {
		s.Packets++
		if s.Start.IsZero() || p.Timestamp.Before(s.Start) {
			s.Start = p.Timestamp
		}
		if p.Timestamp.After(s.End) {
			s.End = p.Timestamp
		}
		if !p.Decoded() {
			s.DecodeFailures++
			continue
		}

		switch m := p.Measurement.(type) {
		case protocol.TreadmillMeasurement:
			s.machine(&speed, m.SpeedKmh, m.DistanceMeters, m.ElapsedTimeSeconds, m.TotalEnergyKcal)
		case protocol.IndoorBikeMeasurement:
			s.machine(&speed, m.SpeedKmh, m.DistanceMeters, m.ElapsedTimeSeconds, m.TotalEnergyKcal)
		case protocol.HeartRateMeasurement:
			bpm := m.BeatsPerMinute
			hr.add(float64(bpm))
			if s.MaxHeartRate == nil || bpm > *s.MaxHeartRate {
				s.MaxHeartRate = &bpm
			}
		}
	}
	s.AvgSpeedKmh = speed.value()
	s.AvgHeartRate = hr.value()
	return s
}

func (s *Summary) machine(speed *mean, kmh *float64, dist *uint32, elapsed, energy *uint16) {
	if kmh != nil {
		speed.add(*kmh)
		if s.MaxSpeedKmh == nil || *kmh > *s.MaxSpeedKmh {
			v := *kmh
			s.MaxSpeedKmh = &v
		}
	}
	if dist != nil {
		v := *dist
		s.DistanceMeters = &v
	}
	if elapsed != nil {
		v := *elapsed
		s.ElapsedSeconds = &v
	}
	if energy != nil {
		v := *energy
		s.TotalEnergyKcal = &v
	}
}
