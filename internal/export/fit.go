package export

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"

	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/capture"
)

// ErrNoRecords is returned when a capture holds no decoded measurement.
var ErrNoRecords = errors.New("export: no decoded measurements to write")

// kmhToFITSpeed converts km/h to the FIT speed unit (mm/s).
func kmhToFITSpeed(kmh float64) float64 { return kmh / 3.6 * 1000 }

// WriteFITFile writes packets as a FIT activity at path.
func WriteFITFile(path string, packets []capture.Packet) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteFIT(f, packets); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteFIT encodes decoded packets as a FIT activity: one Record per
// measurement, then Event, Lap and Session messages. Fields a packet did not
// carry are left at the FIT invalid value.
func WriteFIT(w io.Writer, packets []capture.Packet) error {
	var (
		records []*mesgdef.Record
		cycling bool
	)
	for _, p := range packets {
		if !p.Decoded() {
			continue
		}
		rec := mesgdef.NewRecord(nil)
		rec.Timestamp = p.Timestamp
		switch m := p.Measurement.(type) {
		case protocol.TreadmillMeasurement:
			setSpeed(rec, m.SpeedKmh)
			setDistance(rec, m.DistanceMeters)
			setHeartRate(rec, m.HeartRateBPM)
			if m.PowerOutputWatts != nil && *m.PowerOutputWatts >= 0 {
				rec.Power = uint16(*m.PowerOutputWatts)
			}
		case protocol.IndoorBikeMeasurement:
			cycling = true
			setSpeed(rec, m.SpeedKmh)
			setDistance(rec, m.DistanceMeters)
			setHeartRate(rec, m.HeartRateBPM)
			if m.CadenceRPM != nil {
				rec.Cadence = uint8(math.Min(*m.CadenceRPM, 254))
			}
			if m.PowerWatts != nil && *m.PowerWatts >= 0 {
				rec.Power = uint16(*m.PowerWatts)
			}
		case protocol.HeartRateMeasurement:
			bpm := uint8(min(m.BeatsPerMinute, 254))
			setHeartRate(rec, &bpm)
		default:
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return ErrNoRecords
	}

	sum := Summarize(packets)
	start, end := sum.Start, sum.End
	elapsedMs := uint32(end.Sub(start) / time.Millisecond)

	fit := proto.FIT{}

	fileID := mesgdef.FileId{
		Type:         typedef.FileActivity,
		Manufacturer: typedef.ManufacturerDevelopment,
		Product:      0,
		SerialNumber: 1826,
		TimeCreated:  start,
	}
	fit.Messages = append(fit.Messages, fileID.ToMesg(nil))

	startEvent := mesgdef.NewEvent(nil)
	startEvent.Timestamp = start
	startEvent.Event = typedef.EventTimer
	startEvent.EventType = typedef.EventTypeStart
	fit.Messages = append(fit.Messages, startEvent.ToMesg(nil))

	for _, rec := range records {
		fit.Messages = append(fit.Messages, rec.ToMesg(nil))
	}

	stopEvent := mesgdef.NewEvent(nil)
	stopEvent.Timestamp = end
	stopEvent.Event = typedef.EventTimer
	stopEvent.EventType = typedef.EventTypeStopAll
	fit.Messages = append(fit.Messages, stopEvent.ToMesg(nil))

	lap := mesgdef.NewLap(nil)
	lap.Timestamp = end
	lap.StartTime = start
	lap.TotalElapsedTime = elapsedMs
	lap.TotalTimerTime = elapsedMs
	lap.Event = typedef.EventLap
	lap.EventType = typedef.EventTypeStop
	applyLapTotals(lap, sum)
	fit.Messages = append(fit.Messages, lap.ToMesg(nil))

	sess := mesgdef.NewSession(nil)
	sess.Timestamp = end
	sess.StartTime = start
	sess.TotalElapsedTime = elapsedMs
	sess.TotalTimerTime = elapsedMs
	sess.Event = typedef.EventSession
	sess.EventType = typedef.EventTypeStop
	sess.Trigger = typedef.SessionTriggerActivityEnd
	sess.Sport, sess.SubSport = typedef.SportRunning, typedef.SubSportTreadmill
	if cycling {
		sess.Sport, sess.SubSport = typedef.SportCycling, typedef.SubSportIndoorCycling
	}
	applySessionTotals(sess, sum)
	fit.Messages = append(fit.Messages, sess.ToMesg(nil))

	if err := encoder.New(w).Encode(&fit); err != nil {
		return fmt.Errorf("export: encode fit: %w", err)
	}
	return nil
}

func setSpeed(rec *mesgdef.Record, kmh *float64) {
	if kmh == nil {
		return
	}
	v := kmhToFITSpeed(*kmh)
	rec.EnhancedSpeed = uint32(v)
	if v < math.MaxUint16 {
		rec.Speed = uint16(v)
	}
}

func setDistance(rec *mesgdef.Record, meters *uint32) {
	if meters != nil {
		rec.Distance = *meters * 100
	}
}

func setHeartRate(rec *mesgdef.Record, bpm *uint8) {
	if bpm != nil {
		rec.HeartRate = *bpm
	}
}

func applyLapTotals(lap *mesgdef.Lap, sum Summary) {
	if sum.DistanceMeters != nil {
		lap.TotalDistance = *sum.DistanceMeters * 100
	}
	if sum.AvgSpeedKmh != nil {
		lap.AvgSpeed = uint16(kmhToFITSpeed(*sum.AvgSpeedKmh))
	}
	if sum.MaxSpeedKmh != nil {
		lap.MaxSpeed = uint16(kmhToFITSpeed(*sum.MaxSpeedKmh))
	}
	if sum.AvgHeartRate != nil {
		lap.AvgHeartRate = uint8(math.Min(math.Round(*sum.AvgHeartRate), 254))
	}
	if sum.MaxHeartRate != nil {
		lap.MaxHeartRate = uint8(min(*sum.MaxHeartRate, 254))
	}
	if sum.TotalEnergyKcal != nil {
		lap.TotalCalories = *sum.TotalEnergyKcal
	}
}

func applySessionTotals(sess *mesgdef.Session, sum Summary) {
	if sum.DistanceMeters != nil {
		sess.TotalDistance = *sum.DistanceMeters * 100
	}
	if sum.AvgSpeedKmh != nil {
		sess.AvgSpeed = uint16(kmhToFITSpeed(*sum.AvgSpeedKmh))
	}
	if sum.MaxSpeedKmh != nil {
		sess.MaxSpeed = uint16(kmhToFITSpeed(*sum.MaxSpeedKmh))
	}
	if sum.AvgHeartRate != nil {
		sess.AvgHeartRate = uint8(math.Min(math.Round(*sum.AvgHeartRate), 254))
	}
	if sum.MaxHeartRate != nil {
		sess.MaxHeartRate = uint8(min(*sum.MaxHeartRate, 254))
	}
	if sum.TotalEnergyKcal != nil {
		sess.TotalCalories = *sum.TotalEnergyKcal
	}
}
