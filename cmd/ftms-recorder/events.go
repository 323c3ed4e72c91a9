package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/ftms-recorder/internal/store"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show persisted session events or connection errors",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

var (
	eventsLimit  int
	eventsErrors bool
)

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "Number of entries to show")
	eventsCmd.Flags().BoolVar(&eventsErrors, "errors", false, "Show connection errors instead of events")
}

func runEvents(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	st, err := store.Open(store.Options{Path: cfg.Store.Path, MaxEvents: cfg.Store.MaxEvents, MaxErrors: cfg.Store.MaxErrors})
	if err != nil {
		return err
	}
	defer st.Close()

	if eventsErrors {
		rows, err := st.RecentErrors(eventsLimit)
		if err != nil {
			return err
		}
		return printErrors(cmd.OutOrStdout(), rows)
	}
	rows, err := st.RecentEvents(eventsLimit)
	if err != nil {
		return err
	}
	return printEventRows(cmd.OutOrStdout(), rows)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printEventRows(w io.Writer, rows []store.Event) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tROLE\tTYPE\tDATA")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.Local().Format(time.DateTime), shortID(r.SessionID), r.Role, r.Type, r.Data)
	}
	return tw.Flush()
}

func printErrors(w io.Writer, rows []store.ErrorRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tROLE\tKIND\tATTEMPT\tPACKETS\tMESSAGE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", r.CreatedAt.Local().Format(time.DateTime), shortID(r.SessionID), r.Role, r.Kind, r.Attempt, r.RawPackets, r.Message)
	}
	return tw.Flush()
}
