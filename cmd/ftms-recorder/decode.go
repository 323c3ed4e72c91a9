package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <characteristic> <hex payload>",
	Short: "Decode one notification payload",
	Long: `Decode a raw notification payload with the decoder for a characteristic.

The characteristic is a UUID (2acd, 0x2A37, 00002ad2-0000-1000-8000-00805f9b34fb)
or one of: treadmill, bike, hr.
The payload is hex, with or without separators: "0C 00 E8 03", "0x0C,0x00".`,
	Example: `  ftms-recorder decode hr "06 4B"
  ftms-recorder decode treadmill 0000e803`,
	Args: cobra.MinimumNArgs(2),
	RunE: runDecode,
}

var characteristicAliases = map[string]uint16{
	"treadmill":  protocol.CharTreadmillData,
	"bike":       protocol.CharIndoorBikeData,
	"hr":         protocol.CharHeartRateMeasurement,
	"heart_rate": protocol.CharHeartRateMeasurement,
}

func resolveCharacteristic(s string) (string, error) {
	if short, ok := characteristicAliases[strings.ToLower(s)]; ok {
		return protocol.FullUUID(short), nil
	}
	if _, ok := protocol.ShortUUID(s); !ok {
		return "", fmt.Errorf("unknown characteristic %q", s)
	}
	return protocol.NormalizeUUID(s), nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	uuid, err := resolveCharacteristic(args[0])
	if err != nil {
		return err
	}
	raw, err := protocol.ParseHex(strings.Join(args[1:], ""))
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	return decodeTo(cmd.OutOrStdout(), uuid, raw)
}

// decodeTo prints the decoded measurement as JSON, or the decode error.
func decodeTo(w io.Writer, uuid string, raw []byte) error {
	fmt.Fprintf(w, "characteristic: %s (%s)\n", protocol.MachineTypeName(uuid), uuid)
	fmt.Fprintf(w, "raw:            %s\n", protocol.HexString(raw))

	m, err := protocol.Decode(uuid, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", protocol.KindName(err), err)
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "kind:           %s\n%s\n", m.Kind(), out)
	return nil
}
