package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortUUID(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
		ok   bool
	}{
		{"2acd", 0x2ACD, true},
		{"0x2ACD", 0x2ACD, true},
		{"00002a37-0000-1000-8000-00805f9b34fb", 0x2A37, true},
		{"00002A37-0000-1000-8000-00805F9B34FB", 0x2A37, true},
		{"6e400001-b5a3-f393-e0a9-e50e24dcca9e", 0, false},
		{"2acdx", 0, false},
		{"zzzz", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ShortUUID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFullUUID(t *testing.T) {
	assert.Equal(t, "00001826-0000-1000-8000-00805f9b34fb", FullUUID(ServiceFitnessMachine))
	assert.Equal(t, FullUUID(CharTreadmillData), NormalizeUUID("0x2ACD"))
	assert.Equal(t, "custom", NormalizeUUID(" CUSTOM "))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		uuid string
		want Class
	}{
		{FullUUID(CharTreadmillData), ClassMachineData},
		{FullUUID(CharRowerData), ClassMachineData},
		{FullUUID(CharIndoorBikeData), ClassMachineData},
		{FullUUID(CharCrossTrainerData), ClassMachineData},
		{FullUUID(CharControlPoint), ClassControlPoint},
		{FullUUID(CharMachineFeature), ClassFeatureDescriptor},
		{FullUUID(CharHeartRateMeasurement), ClassHeartRate},
		{FullUUID(0x2A19), ClassUnclassified},
		{"garbage", ClassUnclassified},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.uuid), tt.uuid)
	}
	assert.Equal(t, "machine_data", ClassMachineData.String())
	assert.Equal(t, "unclassified", Class(99).String())
}

func TestMachineTypeName(t *testing.T) {
	assert.Equal(t, "Treadmill", MachineTypeName(FullUUID(CharTreadmillData)))
	assert.Equal(t, "Indoor Bike", MachineTypeName("2ad2"))
	assert.Equal(t, "2a19", MachineTypeName(FullUUID(0x2A19)))
}

func TestMachineFilter(t *testing.T) {
	all, err := ParseMachineFilter("")
	require.NoError(t, err)
	assert.False(t, all.IsSet())
	assert.Equal(t, "all", all.String())
	assert.True(t, all.Matches(FullUUID(CharRowerData)))

	tests := []struct {
		name  string
		short uint16
	}{
		{"treadmill", CharTreadmillData},
		{"Rower", CharRowerData},
		{"bike", CharIndoorBikeData},
		{"cross", CharCrossTrainerData},
	}
	for _, tt := range tests {
		f, err := ParseMachineFilter(tt.name)
		require.NoError(t, err, tt.name)
		assert.True(t, f.IsSet())
		assert.Equal(t, tt.short, f.Short())
		assert.True(t, f.Matches(FullUUID(tt.short)))
		assert.False(t, f.Matches(FullUUID(CharStairClimberData)))
	}

	_, err = ParseMachineFilter("elliptical")
	assert.Error(t, err)
}
