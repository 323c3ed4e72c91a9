package protocol

// Indoor Bike Data flag bits (Fitness Machine Service 1.0, 4.9.2.1).
const (
	ibdFlagMoreData             = 1 << 0 // inverted, like treadmill data
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolic            = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

// IndoorBikeMeasurement is one decoded 0x2AD2 notification. Absent fields are nil.
type IndoorBikeMeasurement struct {
	SpeedKmh             *float64 `json:"speed_kmh"`
	AverageSpeedKmh      *float64 `json:"average_speed_kmh"`
	CadenceRPM           *float64 `json:"cadence_rpm"`
	AverageCadenceRPM    *float64 `json:"average_cadence_rpm"`
	DistanceMeters       *uint32  `json:"distance_meters"`
	ResistanceLevel      *int16   `json:"resistance_level"`
	PowerWatts           *int16   `json:"power_watts"`
	AveragePowerWatts    *int16   `json:"average_power_watts"`
	TotalEnergyKcal      *uint16  `json:"total_energy_kcal"`
	EnergyPerHourKcal    *uint16  `json:"energy_per_hour_kcal"`
	EnergyPerMinuteKcal  *uint8   `json:"energy_per_minute_kcal"`
	HeartRateBPM         *uint8   `json:"heart_rate_bpm"`
	MetabolicEquivalent  *float64 `json:"metabolic_equivalent"`
	ElapsedTimeSeconds   *uint16  `json:"elapsed_time_seconds"`
	RemainingTimeSeconds *uint16  `json:"remaining_time_seconds"`
}

// Kind implements Measurement.
func (IndoorBikeMeasurement) Kind() string { return "indoor_bike" }

// DecodeIndoorBike decodes an Indoor Bike Data payload.
func DecodeIndoorBike(b []byte) (IndoorBikeMeasurement, error) {
	r := &reader{buf: b}
	flags := r.uint16("flags")
	if r.err != nil {
		return IndoorBikeMeasurement{}, r.err
	}

	var m IndoorBikeMeasurement
	if flags&ibdFlagMoreData == 0 {
		m.SpeedKmh = ptr(float64(r.uint16("instantaneous speed")) * 0.01)
	}
	if flags&ibdFlagAverageSpeed != 0 {
		m.AverageSpeedKmh = ptr(float64(r.uint16("average speed")) * 0.01)
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		m.CadenceRPM = ptr(float64(r.uint16("instantaneous cadence")) * 0.5)
	}
	if flags&ibdFlagAverageCadence != 0 {
		m.AverageCadenceRPM = ptr(float64(r.uint16("average cadence")) * 0.5)
	}
	if flags&ibdFlagTotalDistance != 0 {
		m.DistanceMeters = ptr(r.uint24("total distance"))
	}
	if flags&ibdFlagResistanceLevel != 0 {
		m.ResistanceLevel = ptr(r.int16("resistance level"))
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		m.PowerWatts = ptr(r.int16("instantaneous power"))
	}
	if flags&ibdFlagAveragePower != 0 {
		m.AveragePowerWatts = ptr(r.int16("average power"))
	}
	if flags&ibdFlagExpendedEnergy != 0 {
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
	if flags&ibdFlagHeartRate != 0 {
		m.HeartRateBPM = ptr(r.uint8("heart rate"))
	}
	if flags&ibdFlagMetabolic != 0 {
		m.MetabolicEquivalent = ptr(float64(r.uint8("metabolic equivalent")) * 0.1)
	}
	if flags&ibdFlagElapsedTime != 0 {
		m.ElapsedTimeSeconds = ptr(r.uint16("elapsed time"))
	}
	if flags&ibdFlagRemainingTime != 0 {
		m.RemainingTimeSeconds = ptr(r.uint16("remaining time"))
	}

	if r.err != nil {
		return IndoorBikeMeasurement{}, r.err
	}
	return m, nil
}
