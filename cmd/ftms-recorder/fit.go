package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/ftms-recorder/internal/export"
)

var fitCmd = &cobra.Command{
	Use:   "fit <capture.json>",
	Short: "Convert a capture dump into a FIT activity",
	Long: `Read a capture dump written by run, re-decode every raw payload and write
a FIT activity file that training platforms can import.`,
	Args: cobra.ExactArgs(1),
	RunE: runFit,
}

var fitOutput string

func init() {
	fitCmd.Flags().StringVarP(&fitOutput, "output", "o", "", "Output path (default: dump path with .fit extension)")
}

func runFit(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	in := args[0]
	out := fitOutput
	if out == "" {
		out = strings.TrimSuffix(in, filepath.Ext(in)) + ".fit"
	}

	dump, packets, err := export.LoadDump(in)
	if err != nil {
		return err
	}
	if err := export.WriteFITFile(out, packets); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Wrote %s (%d packets, reason %q)\n", out, len(packets), dump.Reason)
	printSummary(w, export.Summarize(packets))
	return nil
}

func printSummary(w io.Writer, s export.Summary) {
	fmt.Fprintf(w, "  Duration:  %s\n", s.Duration())
	if s.DistanceMeters != nil {
		fmt.Fprintf(w, "  Distance:  %d m\n", *s.DistanceMeters)
	}
	if s.AvgSpeedKmh != nil && s.MaxSpeedKmh != nil {
		fmt.Fprintf(w, "  Speed:     avg %.2f km/h, max %.2f km/h\n", *s.AvgSpeedKmh, *s.MaxSpeedKmh)
	}
	if s.AvgHeartRate != nil && s.MaxHeartRate != nil {
		fmt.Fprintf(w, "  Heart rate: avg %.0f bpm, max %d bpm\n", *s.AvgHeartRate, *s.MaxHeartRate)
	}
	if s.TotalEnergyKcal != nil {
		fmt.Fprintf(w, "  Energy:    %d kcal\n", *s.TotalEnergyKcal)
	}
	if s.DecodeFailures > 0 {
		fmt.Fprintf(w, "  Skipped:   %d undecodable packets\n", s.DecodeFailures)
	}
}
