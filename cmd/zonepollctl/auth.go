package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the thermostat credential",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize this device with the thermostat account",
	Long: `Starts the OAuth device authorization flow, prints the verification link
and waits until the code is approved, denied or expires.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		da, err := zp.Tokens.StartDeviceAuthorization(ctx)
		if err != nil {
			return fmt.Errorf("start device authorization: %w", err)
		}

		uri := da.VerificationURIComplete
		if uri == "" {
			uri = da.VerificationURI
		}
		fmt.Println("Open this link and approve access:")
		fmt.Println()
		fmt.Printf("  %s\n", color.New(color.FgCyan, color.Underline).Sprint(uri))
		fmt.Printf("  code: %s\n", color.New(color.Bold).Sprint(da.UserCode))
		fmt.Println()
		fmt.Printf("Waiting for approval (expires %s)...\n", humanize.Time(da.ExpiresAt))

		outcome, err := zp.Tokens.AwaitDeviceAuthorization(ctx, da)
		if err != nil {
			return fmt.Errorf("await device authorization: %w", err)
		}

		switch outcome {
		case model.DeviceAuthAuthorized:
			st := zp.Tokens.Status()
			color.Green("Authorized. Access token valid until %s.", st.ExpiresAt.Local().Format(time.Kitchen))
			return nil
		case model.DeviceAuthDenied:
			return fmt.Errorf("authorization was denied")
		default:
			return fmt.Errorf("authorization code expired, run login again")
		}
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored credential",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := zp.Tokens.SignOut(cmd.Context()); err != nil {
			return err
		}
		color.Yellow("Credential deleted. Polling stops until the next login.")
		return nil
	},
}
