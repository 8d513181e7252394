package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential, quota and schedule state",
	RunE: func(_ *cobra.Command, _ []string) error {
		now := time.Now()

		tok := zp.Tokens.Status()
		fmt.Printf("%-12s %s", "auth:", authColor(tok.State).Sprint(tok.State))
		if !tok.ExpiresAt.IsZero() {
			fmt.Printf(" (access token expires %s, version %d)", humanize.RelTime(tok.ExpiresAt, now, "ago", "from now"), tok.Version)
		}
		fmt.Println()

		snap := zp.Estimator.Current()
		quota := color.New(color.FgGreen)
		if snap.Exhausted() {
			quota = color.New(color.FgRed, color.Bold)
		}
		fmt.Printf("%-12s %s of %d used, resets %s [%s]\n", "quota:",
			quota.Sprint(snap.Used), snap.Limit,
			humanize.RelTime(snap.ResetAt, now, "ago", "from now"), snap.Confidence)

		st := zp.Poller.State()
		if st.LastFullSync.IsZero() {
			fmt.Printf("%-12s never\n", "full sync:")
		} else {
			fmt.Printf("%-12s %s\n", "full sync:", humanize.Time(st.LastFullSync))
		}

		counts := zp.Ledger.Counts(24 * time.Hour)
		total := 0
		for _, n := range counts {
			total += n
		}
		fmt.Printf("%-12s %s calls in the last 24h (retention %d days)\n", "history:",
			humanize.Comma(int64(total)), zp.Ledger.RetentionDays())

		if tok.State == model.AuthStateNeedsReauthorization {
			color.Red("run `zonepollctl auth login` to authorize again")
		}
		return nil
	},
}

func authColor(state model.AuthState) *color.Color {
	switch state {
	case model.AuthStateIdle:
		return color.New(color.FgGreen)
	case model.AuthStateRefreshing:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
