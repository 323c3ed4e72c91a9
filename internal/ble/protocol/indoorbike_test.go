package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIndoorBike(t *testing.T) {
	payload := []byte{
		0x44, 0x00, // speed, cadence, power
		0xC4, 0x09, // 25.00 km/h
		0xB4, 0x00, // 90 rpm
		0xC8, 0x00, // 200 W
	}
	got, err := DecodeIndoorBike(payload)
	require.NoError(t, err)
	require.NotNil(t, got.SpeedKmh)
	assert.InDelta(t, 25.0, *got.SpeedKmh, 1e-9)
	require.NotNil(t, got.CadenceRPM)
	assert.InDelta(t, 90.0, *got.CadenceRPM, 1e-9)
	require.NotNil(t, got.PowerWatts)
	assert.Equal(t, int16(200), *got.PowerWatts)
	assert.Nil(t, got.DistanceMeters)
	assert.Nil(t, got.HeartRateBPM)
}

func TestDecodeIndoorBikeTruncated(t *testing.T) {
	_, err := DecodeIndoorBike([]byte{0x44, 0x00, 0xC4, 0x09, 0xB4})
	assert.ErrorIs(t, err, ErrTruncatedPayload)
}

func TestParseMachineFeatures(t *testing.T) {
	f, err := ParseMachineFeatures([]byte{0x0F, 0x10, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, Features{Machine: 0x100F}, f)

	f, err = ParseMachineFeatures([]byte{0x0F, 0x10, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, Features{Machine: 0x100F, TargetSetting: 0x03}, f)

	_, err = ParseMachineFeatures([]byte{0x0F, 0x10, 0x00})
	assert.ErrorIs(t, err, ErrTruncatedPayload)
}
