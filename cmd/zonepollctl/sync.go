package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync now",
	Long: `Runs a single quick sync (zone states and weather), or a full sync with
--full (also zones and mobile devices). Every call counts against the daily quota.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		report, err := zp.Poller.SyncOnce(cmd.Context(), syncFull)
		if err != nil {
			return fmt.Errorf("%s failed after %d calls: %w", report.CallType, report.Calls, err)
		}

		snap := zp.Estimator.Current()
		color.Green("%s ok: %d calls", report.CallType, report.Calls)
		fmt.Printf("quota: %d of %d used\n", snap.Used, snap.Limit)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "also refresh zones and mobile devices")
}
