package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ericfisherdev/zonepoll/internal/application"
	"github.com/ericfisherdev/zonepoll/internal/domain/model"
)

var (
	callsWindow  time.Duration
	callsSummary bool
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List recorded API calls",
	RunE: func(_ *cobra.Command, _ []string) error {
		if callsSummary {
			printCallCounts(zp.Ledger.Counts(callsWindow))
			return nil
		}

		records := zp.Ledger.Recent(callsWindow)
		if len(records) == 0 {
			fmt.Println("No calls recorded in this window.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tOUTCOME\tENDPOINT")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				rec.Timestamp.Local().Format(time.DateTime),
				rec.CallType,
				outcomeColor(rec.Outcome).Sprint(rec.Outcome),
				rec.Endpoint,
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%s calls\n", humanize.Comma(int64(len(records))))
		return nil
	},
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Show the call history retention",
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Printf("%d days\n", zp.Ledger.RetentionDays())
		return nil
	},
}

var retentionSetCmd = &cobra.Command{
	Use:   "set DAYS",
	Short: "Change the call history retention (0-365 days)",
	Long: `Prunes the history to the new retention and stores the setting. It
survives restarts until ZONEPOLL_RETENTION_DAYS (or retention_days in the
config file) is changed, which then takes precedence again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := strconv.Atoi(args[0])
		if err != nil || days < 0 || days > application.MaxRetentionDays {
			return fmt.Errorf("days must be an integer between 0 and %d", application.MaxRetentionDays)
		}
		if err := zp.Ledger.SetRetention(cmd.Context(), days); err != nil {
			return err
		}
		color.Green("Retention set to %d days.", days)
		return nil
	},
}

func printCallCounts(counts map[model.CallType]int) {
	types := make([]string, 0, len(counts))
	for ct := range counts {
		types = append(types, string(ct))
	}
	sort.Strings(types)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tCALLS")
	total := 0
	for _, ct := range types {
		n := counts[model.CallType(ct)]
		total += n
		fmt.Fprintf(w, "%s\t%d\n", ct, n)
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	_ = w.Flush()
}

func outcomeColor(o model.Outcome) *color.Color {
	switch o.Kind {
	case model.OutcomeSuccess:
		return color.New(color.FgGreen)
	case model.OutcomeRateLimited:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgYellow)
	}
}

func init() {
	callsCmd.Flags().DurationVar(&callsWindow, "window", 24*time.Hour, "how far back to list")
	callsCmd.Flags().BoolVar(&callsSummary, "summary", false, "print per-type counts only")
}
