// Command zonepollctl operates on the zonepoll database directly: device
// authorization, one-shot syncs, status and call history. It must not run
// a sync while the daemon is polling the same home, since both would spend
// the same quota.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/zonepoll/internal/app"
	"github.com/ericfisherdev/zonepoll/internal/config"
)

var (
	dbPath  string
	verbose bool

	zp *app.App
)

var rootCmd = &cobra.Command{
	Use:   "zonepollctl",
	Short: "Inspect and drive the zonepoll scheduler",
	Long: `zonepollctl reads and writes the same database as the zonepoll daemon.

Configuration comes from the same ZONEPOLL_* environment variables and .env file.`,
	PersistentPreRunE:  openApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	// PersistentPostRunE is skipped when RunE fails.
	if closeErr := closeApp(nil, nil); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		stop()
		os.Exit(1)
	}
}

func openApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	zp, err = app.Open(cmd.Context(), cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}
	return nil
}

func closeApp(_ *cobra.Command, _ []string) error {
	if zp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := zp.Close(ctx)
	zp = nil
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides ZONEPOLL_DB_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	authCmd.AddCommand(authLoginCmd, authLogoutCmd)
	retentionCmd.AddCommand(retentionSetCmd)
	rootCmd.AddCommand(authCmd, statusCmd, syncCmd, callsCmd, retentionCmd)
}
