package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Measurement is a decoded notification. Concrete values are
// HeartRateMeasurement, TreadmillMeasurement and IndoorBikeMeasurement.
type Measurement interface {
	Kind() string
}

// Decoder turns one notification payload into a Measurement.
type Decoder func([]byte) (Measurement, error)

var decoders = map[uint16]Decoder{
	CharHeartRateMeasurement: wrap(DecodeHeartRate),
	CharTreadmillData:        wrap(DecodeTreadmill),
	CharIndoorBikeData:       wrap(DecodeIndoorBike),
}

func wrap[M Measurement](fn func([]byte) (M, error)) Decoder {
	return func(b []byte) (Measurement, error) {
		m, err := fn(b)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// DecoderFor returns the decoder registered for a characteristic UUID.
func DecoderFor(uuid string) (Decoder, bool) {
	short, ok := ShortUUID(uuid)
	if !ok {
		return nil, false
	}
	d, ok := decoders[short]
	return d, ok
}

// Decode picks the decoder for uuid and applies it. Characteristics without a
// decoder yield ErrNoDecoder.
func Decode(uuid string, b []byte) (Measurement, error) {
	d, ok := DecoderFor(uuid)
	if !ok {
		return nil, &DecodeError{Kind: ErrNoDecoder}
	}
	return d(b)
}

// HexString formats a payload as space-separated upper-case hex bytes.
func HexString(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = fmt.Appendf(out, "%02X", c)
	}
	return string(out)
}

// ParseHex accepts payloads written as "06 4B", "064b" or "0x06,0x4B".
func ParseHex(s string) ([]byte, error) {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "0x", "")
	s = strings.NewReplacer(" ", "", ",", "", ":", "", "-", "", "\t", "", "\n", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex payload: %w", err)
	}
	return b, nil
}
