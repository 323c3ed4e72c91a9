package protocol

import (
	"encoding/binary"
	"math"
)

// Treadmill Data flag bits (Fitness Machine Service 1.0, 4.9.1.1).
const (
	tdFlagMoreData          = 1 << 0 // inverted: clear means instantaneous speed is present
	tdFlagAverageSpeed      = 1 << 1
	tdFlagTotalDistance     = 1 << 2
	tdFlagInclination       = 1 << 3
	tdFlagElevationGain     = 1 << 4
	tdFlagInstantaneousPace = 1 << 5
	tdFlagAveragePace       = 1 << 6
	tdFlagExpendedEnergy    = 1 << 7
	tdFlagHeartRate         = 1 << 8
	tdFlagMetabolic         = 1 << 9
	tdFlagElapsedTime       = 1 << 10
	tdFlagRemainingTime     = 1 << 11
	tdFlagForceAndPower     = 1 << 12
)

// Sentinel raw values that FTMS uses for "data not available".
const (
	sint16NotAvailable  = 0x7FFF
	uint16NotAvailable  = 0xFFFF
	uint8NotAvailable   = 0xFF
	energyNotAvailable  = uint16NotAvailable
	perMinNotAvailable  = uint8NotAvailable
	rampNotAvailable    = sint16NotAvailable
	inclineNotAvailable = sint16NotAvailable
)

// TreadmillMeasurement is one decoded 0x2ACD notification. Every field is nil
// unless the record flagged it present; a nil field is "not reported", which
// is different from a reported zero.
type TreadmillMeasurement struct {
	SpeedKmh               *float64 `json:"speed_kmh"`
	AverageSpeedKmh        *float64 `json:"average_speed_kmh"`
	DistanceMeters         *uint32  `json:"distance_meters"`
	InclinePercent         *float64 `json:"incline_percent"`
	RampAngleDegrees       *float64 `json:"ramp_angle_degrees"`
	PositiveElevationGainM *float64 `json:"positive_elevation_gain_m"`
	NegativeElevationGainM *float64 `json:"negative_elevation_gain_m"`
	PaceKmPerMin           *float64 `json:"pace_km_per_min"`
	AveragePaceKmPerMin    *float64 `json:"average_pace_km_per_min"`
	TotalEnergyKcal        *uint16  `json:"total_energy_kcal"`
	EnergyPerHourKcal      *uint16  `json:"energy_per_hour_kcal"`
	EnergyPerMinuteKcal    *uint8   `json:"energy_per_minute_kcal"`
	HeartRateBPM           *uint8   `json:"heart_rate_bpm"`
	MetabolicEquivalent    *float64 `json:"metabolic_equivalent"`
	ElapsedTimeSeconds     *uint16  `json:"elapsed_time_seconds"`
	RemainingTimeSeconds   *uint16  `json:"remaining_time_seconds"`
	ForceOnBeltNewtons     *int16   `json:"force_on_belt_newtons"`
	PowerOutputWatts       *int16   `json:"power_output_watts"`
}

// Kind implements Measurement.
func (TreadmillMeasurement) Kind() string { return "treadmill" }

// DecodeTreadmill decodes a Treadmill Data payload. Fields follow the flags
// field in the order fixed by FTMS; a field that runs past the payload end
// yields ErrTruncatedPayload naming that field.
func DecodeTreadmill(b []byte) (TreadmillMeasurement, error) {
	r := &reader{buf: b}
	flags := r.uint16("flags")
	if r.err != nil {
		return TreadmillMeasurement{}, r.err
	}

	var m TreadmillMeasurement
	if flags&tdFlagMoreData == 0 {
		m.SpeedKmh = ptr(float64(r.uint16("instantaneous speed")) * 0.01)
	}
	if flags&tdFlagAverageSpeed != 0 {
		m.AverageSpeedKmh = ptr(float64(r.uint16("average speed")) * 0.01)
	}
	if flags&tdFlagTotalDistance != 0 {
		m.DistanceMeters = ptr(r.uint24("total distance"))
	}
	if flags&tdFlagInclination != 0 {
		incline := r.int16("inclination")
		ramp := r.int16("ramp angle setting")
		if incline != inclineNotAvailable {
			m.InclinePercent = ptr(float64(incline) * 0.1)
		}
		if ramp != rampNotAvailable {
			m.RampAngleDegrees = ptr(float64(ramp) * 0.1)
		}
	}
	if flags&tdFlagElevationGain != 0 {
		m.PositiveElevationGainM = ptr(float64(r.uint16("positive elevation gain")) * 0.1)
		m.NegativeElevationGainM = ptr(float64(r.uint16("negative elevation gain")) * 0.1)
	}
	if flags&tdFlagInstantaneousPace != 0 {
		m.PaceKmPerMin = ptr(float64(r.uint8("instantaneous pace")) * 0.1)
	}
	if flags&tdFlagAveragePace != 0 {
		m.AveragePaceKmPerMin = ptr(float64(r.uint8("average pace")) * 0.1)
	}
	if flags&tdFlagExpendedEnergy != 0 {
		total := r.uint16("total energy")
		perHour := r.uint16("energy per hour")
		perMinute := r.uint8("energy per minute")
		if total != energyNotAvailable {
			m.TotalEnergyKcal = ptr(total)
		}
		if perHour != energyNotAvailable {
			m.EnergyPerHourKcal = ptr(perHour)
		}
		if perMinute != perMinNotAvailable {
			m.EnergyPerMinuteKcal = ptr(perMinute)
		}
	}
	if flags&tdFlagHeartRate != 0 {
		m.HeartRateBPM = ptr(r.uint8("heart rate"))
	}
	if flags&tdFlagMetabolic != 0 {
		m.MetabolicEquivalent = ptr(float64(r.uint8("metabolic equivalent")) * 0.1)
	}
	if flags&tdFlagElapsedTime != 0 {
		m.ElapsedTimeSeconds = ptr(r.uint16("elapsed time"))
	}
	if flags&tdFlagRemainingTime != 0 {
		m.RemainingTimeSeconds = ptr(r.uint16("remaining time"))
	}
	if flags&tdFlagForceAndPower != 0 {
		m.ForceOnBeltNewtons = ptr(r.int16("force on belt"))
		m.PowerOutputWatts = ptr(r.int16("power output"))
	}

	if r.err != nil {
		return TreadmillMeasurement{}, r.err
	}
	return m, nil
}

// EncodeTreadmill builds a Treadmill Data payload carrying the non-nil fields
// of m. Paired fields (incline/ramp, elevation gains, energy, force/power) are
// emitted together; a nil half is written as "not available" where FTMS
// defines such a value and as zero otherwise.
func EncodeTreadmill(m TreadmillMeasurement) []byte {
	var flags uint16
	if m.SpeedKmh == nil {
		flags |= tdFlagMoreData
	}
	set := func(cond bool, bit uint16) {
		if cond {
			flags |= bit
		}
	}
	set(m.AverageSpeedKmh != nil, tdFlagAverageSpeed)
	set(m.DistanceMeters != nil, tdFlagTotalDistance)
	set(m.InclinePercent != nil || m.RampAngleDegrees != nil, tdFlagInclination)
	set(m.PositiveElevationGainM != nil || m.NegativeElevationGainM != nil, tdFlagElevationGain)
	set(m.PaceKmPerMin != nil, tdFlagInstantaneousPace)
	set(m.AveragePaceKmPerMin != nil, tdFlagAveragePace)
	set(m.TotalEnergyKcal != nil || m.EnergyPerHourKcal != nil || m.EnergyPerMinuteKcal != nil, tdFlagExpendedEnergy)
	set(m.HeartRateBPM != nil, tdFlagHeartRate)
	set(m.MetabolicEquivalent != nil, tdFlagMetabolic)
	set(m.ElapsedTimeSeconds != nil, tdFlagElapsedTime)
	set(m.RemainingTimeSeconds != nil, tdFlagRemainingTime)
	set(m.ForceOnBeltNewtons != nil || m.PowerOutputWatts != nil, tdFlagForceAndPower)

	buf := binary.LittleEndian.AppendUint16(nil, flags)
	if m.SpeedKmh != nil {
		buf = binary.LittleEndian.AppendUint16(buf, scaleUint16(*m.SpeedKmh, 100))
	}
	if m.AverageSpeedKmh != nil {
		buf = binary.LittleEndian.AppendUint16(buf, scaleUint16(*m.AverageSpeedKmh, 100))
	}
	if m.DistanceMeters != nil {
		buf = appendUint24(buf, *m.DistanceMeters)
	}
	if flags&tdFlagInclination != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(optionalSint16(m.InclinePercent, 10)))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(optionalSint16(m.RampAngleDegrees, 10)))
	}
	if flags&tdFlagElevationGain != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, optionalUint16(m.PositiveElevationGainM, 10))
		buf = binary.LittleEndian.AppendUint16(buf, optionalUint16(m.NegativeElevationGainM, 10))
	}
	if m.PaceKmPerMin != nil {
		buf = append(buf, scaleUint8(*m.PaceKmPerMin, 10))
	}
	if m.AveragePaceKmPerMin != nil {
		buf = append(buf, scaleUint8(*m.AveragePaceKmPerMin, 10))
	}
	if flags&tdFlagExpendedEnergy != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, valueOr(m.TotalEnergyKcal, energyNotAvailable))
		buf = binary.LittleEndian.AppendUint16(buf, valueOr(m.EnergyPerHourKcal, energyNotAvailable))
		buf = append(buf, valueOr(m.EnergyPerMinuteKcal, perMinNotAvailable))
	}
	if m.HeartRateBPM != nil {
		buf = append(buf, *m.HeartRateBPM)
	}
	if m.MetabolicEquivalent != nil {
		buf = append(buf, scaleUint8(*m.MetabolicEquivalent, 10))
	}
	if m.ElapsedTimeSeconds != nil {
		buf = binary.LittleEndian.AppendUint16(buf, *m.ElapsedTimeSeconds)
	}
	if m.RemainingTimeSeconds != nil {
		buf = binary.LittleEndian.AppendUint16(buf, *m.RemainingTimeSeconds)
	}
	if flags&tdFlagForceAndPower != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(valueOr(m.ForceOnBeltNewtons, 0)))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(valueOr(m.PowerOutputWatts, 0)))
	}
	return buf
}

func valueOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

func scaleUint16(v, scale float64) uint16 {
	return uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(v*scale))))
}

func scaleUint8(v, scale float64) uint8 {
	return uint8(math.Max(0, math.Min(math.MaxUint8, math.Round(v*scale))))
}

func optionalUint16(p *float64, scale float64) uint16 {
	if p == nil {
		return 0
	}
	return scaleUint16(*p, scale)
}

func optionalSint16(p *float64, scale float64) int16 {
	if p == nil {
		return sint16NotAvailable
	}
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16-1, math.Round(*p*scale))))
}
