package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/ftms-recorder/internal/ble"
	"github.com/chaz8081/ftms-recorder/internal/ble/protocol"
	"github.com/chaz8081/ftms-recorder/internal/recorder"
	"github.com/chaz8081/ftms-recorder/internal/session"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby fitness machines or heart rate monitors",
	Long: `Scan for peripherals advertising the Fitness Machine service (default) or
the Heart Rate service and print them strongest signal first.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanRole     string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanRole, "role", "r", "machine", "Sensor role (machine, heart_rate)")
}

func serviceForRole(role session.Role) string {
	if role == session.RoleHeartRate {
		return protocol.FullUUID(protocol.ServiceHeartRate)
	}
	return protocol.FullUUID(protocol.ServiceFitnessMachine)
}

func runScan(cmd *cobra.Command, args []string) error {
	role, err := session.ParseRole(scanRole)
	if err != nil {
		return err
	}
	if scanDuration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for %s devices for %s...\n", role, scanDuration)
	devices, err := ble.ScanForDevices(recorder.NewAdapter(cfg), serviceForRole(role), scanDuration)
	if err != nil {
		return err
	}
	return printDevices(cmd.OutOrStdout(), devices)
}

func printDevices(w io.Writer, devices []ble.Device) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\n", name, d.Address, d.RSSI)
	}
	return tw.Flush()
}
