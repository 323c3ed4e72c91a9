// Package protocol identifies the GATT services and characteristics of the
// Fitness Machine and Heart Rate profiles and decodes their notification
// payloads. Everything here is pure: no I/O and no shared state.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Assigned 16-bit service identifiers.
const (
	ServiceFitnessMachine    uint16 = 0x1826
	ServiceHeartRate         uint16 = 0x180D
	ServiceBattery           uint16 = 0x180F
	ServiceDeviceInformation uint16 = 0x180A
)

// Assigned 16-bit characteristic identifiers.
const (
	CharMachineFeature       uint16 = 0x2ACC
	CharTreadmillData        uint16 = 0x2ACD
	CharCrossTrainerData     uint16 = 0x2ACE
	CharStepClimberData      uint16 = 0x2ACF
	CharStairClimberData     uint16 = 0x2AD0
	CharRowerData            uint16 = 0x2AD1
	CharIndoorBikeData       uint16 = 0x2AD2
	CharControlPoint         uint16 = 0x2AD9
	CharHeartRateMeasurement uint16 = 0x2A37
)

const (
	bluetoothBaseUUIDSuffix   = "-0000-1000-8000-00805f9b34fb"
	bluetoothBaseUUIDLength   = 36
	shortUUIDHexDigits        = 4
	shortUUIDOffsetInFullForm = 4
)

// FullUUID expands a 16-bit identifier onto the Bluetooth base UUID.
func FullUUID(short uint16) string {
	return fmt.Sprintf("0000%04x%s", short, bluetoothBaseUUIDSuffix)
}

// ShortUUID extracts the 16-bit identifier from either a 4-digit short form
// ("2acd", "0x2ACD") or a 128-bit UUID built on the Bluetooth base UUID.
func ShortUUID(uuid string) (uint16, bool) {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	switch {
	case len(s) == shortUUIDHexDigits:
	case len(s) == bluetoothBaseUUIDLength && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, bluetoothBaseUUIDSuffix):
		s = s[shortUUIDOffsetInFullForm : shortUUIDOffsetInFullForm+shortUUIDHexDigits]
	default:
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// NormalizeUUID returns the lower-case 128-bit form of uuid. Unrecognised
// strings are returned lower-cased and trimmed.
func NormalizeUUID(uuid string) string {
	if short, ok := ShortUUID(uuid); ok {
		return FullUUID(short)
	}
	return strings.ToLower(strings.TrimSpace(uuid))
}

// Class groups characteristics by how a session treats them.
type Class int

const (
	ClassUnclassified Class = iota
	ClassMachineData
	ClassControlPoint
	ClassFeatureDescriptor
	ClassHeartRate
)

func (c Class) String() string {
	switch c {
	case ClassMachineData:
		return "machine_data"
	case ClassControlPoint:
		return "control_point"
	case ClassFeatureDescriptor:
		return "feature_descriptor"
	case ClassHeartRate:
		return "heart_rate"
	default:
		return "unclassified"
	}
}

var machineTypeNames = map[uint16]string{
	CharTreadmillData:    "Treadmill",
	CharCrossTrainerData: "Cross Trainer",
	CharStepClimberData:  "Step Climber",
	CharStairClimberData: "Stair Climber",
	CharRowerData:        "Rower",
	CharIndoorBikeData:   "Indoor Bike",
}

// Classify maps a characteristic UUID to its Class.
func Classify(uuid string) Class {
	short, ok := ShortUUID(uuid)
	if !ok {
		return ClassUnclassified
	}
	if _, ok := machineTypeNames[short]; ok {
		return ClassMachineData
	}
	switch short {
	case CharControlPoint:
		return ClassControlPoint
	case CharMachineFeature:
		return ClassFeatureDescriptor
	case CharHeartRateMeasurement:
		return ClassHeartRate
	}
	return ClassUnclassified
}

// MachineTypeName returns a display name for a machine data characteristic,
// or the short hex identifier when it is not one.
func MachineTypeName(uuid string) string {
	short, ok := ShortUUID(uuid)
	if !ok {
		return uuid
	}
	if name, ok := machineTypeNames[short]; ok {
		return name
	}
	return fmt.Sprintf("%04x", short)
}

// MachineFilter restricts which machine data characteristic a session
// subscribes to. The zero value accepts every machine data characteristic.
type MachineFilter struct {
	name  string
	short uint16
}

var machineFilters = map[string]uint16{
	"treadmill": CharTreadmillData,
	"rower":     CharRowerData,
	"bike":      CharIndoorBikeData,
	"cross":     CharCrossTrainerData,
}

// ParseMachineFilter accepts "all" (or empty), "treadmill", "rower", "bike"
// and "cross".
func ParseMachineFilter(name string) (MachineFilter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "all" {
		return MachineFilter{}, nil
	}
	short, ok := machineFilters[name]
	if !ok {
		return MachineFilter{}, fmt.Errorf("protocol: unknown machine filter %q", name)
	}
	return MachineFilter{name: name, short: short}, nil
}

// IsSet reports whether the filter selects a specific machine type.
func (f MachineFilter) IsSet() bool { return f.short != 0 }

// Short returns the selected characteristic identifier, or 0 when unset.
func (f MachineFilter) Short() uint16 { return f.short }

func (f MachineFilter) String() string {
	if !f.IsSet() {
		return "all"
	}
	return f.name
}

// Matches reports whether a machine data characteristic passes the filter.
func (f MachineFilter) Matches(uuid string) bool {
	if !f.IsSet() {
		return true
	}
	short, ok := ShortUUID(uuid)
	return ok && short == f.short
}
