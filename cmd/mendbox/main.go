// Mendbox
//
// Self-healing preview sandboxes: run a project in an ephemeral container,
// watch its logs for errors, and fix what breaks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kishoreUdatha/mendbox/internal/config"
	"github.com/kishoreUdatha/mendbox/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mendbox",
	Short: "Mendbox - Self-Healing Preview Sandboxes",
	Long: `Mendbox runs projects in ephemeral preview containers, watches their
logs for errors, and heals them automatically.

  mendbox serve    Start the server`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mendbox server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		srv, err := server.New(cfg)
		if err != nil {
			return fmt.Errorf("initializing server: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
