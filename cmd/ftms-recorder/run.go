package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chaz8081/ftms-recorder/internal/config"
	"github.com/chaz8081/ftms-recorder/internal/recorder"
	"github.com/chaz8081/ftms-recorder/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the configured sensors and record until interrupted",
	Long: `Connect to the fitness machine and heart rate monitor, decode and capture
every notification, and persist session events. Ctrl+C disconnects both
sensors, writes the final capture dump and exits.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var runShowData bool

func init() {
	runCmd.Flags().BoolVar(&runShowData, "data", false, "Print every decoded measurement")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	printBanner(cmd.OutOrStdout(), cfg)

	rec, err := recorder.New(cfg, recorder.NewAdapter(cfg), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, events := rec.Hub().Subscribe()
	defer rec.Hub().Unsubscribe(id)
	stopPrinting := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(stopPrinting, cmd.OutOrStdout(), events, runShowData)
	}()

	err = rec.Run(ctx)
	close(stopPrinting)
	<-printed
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), rec.Status())
	fmt.Fprintln(cmd.OutOrStdout(), "Goodbye!")
	return nil
}

// printStatus writes the end-of-run debug report.
func printStatus(w io.Writer, st recorder.Status) {
	fmt.Fprintf(w, "Session %s: %d packets captured\n", st.SessionID, st.Captured)
	for _, s := range st.Sessions {
		m := s.Metrics
		fmt.Fprintf(w, "  [%s] attempts %d, connections %d, packets %d, decode failures %d, dumps %d\n",
			s.Role, m.ConnectionAttempts, m.SuccessfulConnections, m.PacketsReceived, m.DecodeFailures, m.Dumps)
		for _, e := range m.RecentErrors {
			fmt.Fprintf(w, "    %s %s: %s\n", e.At.Local().Format(time.TimeOnly), e.Kind, e.Message)
		}
	}
	if st.UI.Dropped > 0 {
		fmt.Fprintf(w, "  UI events dropped: %d\n", st.UI.Dropped)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(w io.Writer, cfg *config.Config) {
	role := func(enabled bool, prefix string) string {
		switch {
		case !enabled:
			return "disabled"
		case prefix == "":
			return "first found"
		default:
			return fmt.Sprintf("name prefix %q", prefix)
		}
	}
	fmt.Fprintln(w, "=== ftms-recorder ===")
	fmt.Fprintf(w, "  Adapter:    %s\n", cfg.Adapter)
	fmt.Fprintf(w, "  Machine:    %s (filter %s)\n", role(cfg.Machine.Enabled, cfg.Machine.NamePrefix), cfg.Machine.Filter)
	fmt.Fprintf(w, "  Heart rate: %s\n", role(cfg.HeartRate.Enabled, cfg.HeartRate.NamePrefix))
	fmt.Fprintf(w, "  Store:      %s\n", cfg.Store.Path)
	fmt.Fprintf(w, "  Captures:   %s\n", cfg.Export.Dir)
	if cfg.UI.Listen != "" {
		fmt.Fprintf(w, "  UI:         ws://%s/ws\n", cfg.UI.Listen)
	}
	fmt.Fprintf(w, "  Log:        %s\n", cfg.LogLevel)
	fmt.Fprintln(w, "=====================")
}

var stateColors = map[session.State]*color.Color{
	session.StateDisconnected: color.New(color.FgWhite),
	session.StateSearching:    color.New(color.FgCyan),
	session.StateConnecting:   color.New(color.FgYellow),
	session.StateConnected:    color.New(color.FgGreen, color.Bold),
	session.StateError:        color.New(color.FgRed),
}

// printEvents renders hub messages as one line each until stop is closed,
// then flushes whatever is still queued.
func printEvents(stop <-chan struct{}, w io.Writer, events <-chan []byte, showData bool) {
	emit := func(msg []byte) {
		if line := formatEvent(msg, showData); line != "" {
			fmt.Fprintln(w, line)
		}
	}
	for {
		select {
		case msg := <-events:
			emit(msg)
		case <-stop:
			for {
				select {
				case msg := <-events:
					emit(msg)
				default:
					return
				}
			}
		}
	}
}

// wireEvent mirrors session.Event with the measurement left undecoded.
type wireEvent struct {
	Type  session.EventType    `json:"event"`
	Role  session.Role         `json:"role"`
	State *session.StateChange `json:"state"`
	Data  *struct {
		Kind        string          `json:"kind"`
		Measurement json.RawMessage `json:"measurement"`
	} `json:"data"`
	Error *session.ErrorEntry `json:"error"`
}

func formatEvent(msg []byte, showData bool) string {
	var ev wireEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return ""
	}
	switch ev.Type {
	case session.EventStateChange:
		if ev.State == nil {
			return ""
		}
		c, ok := stateColors[ev.State.Current]
		if !ok {
			c = color.New(color.Reset)
		}
		return fmt.Sprintf("[%s] %s -> %s", ev.Role, ev.State.Previous, c.Sprint(ev.State.Current))
	case session.EventError:
		if ev.Error == nil {
			return ""
		}
		return color.RedString("[%s] %s: %s", ev.Role, ev.Error.Kind, ev.Error.Message)
	case session.EventDataReceived:
		if !showData || ev.Data == nil {
			return ""
		}
		return fmt.Sprintf("[%s] %s %s", ev.Role, ev.Data.Kind, ev.Data.Measurement)
	}
	return ""
}
