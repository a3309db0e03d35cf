// Package cli implements the proofwork command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/proofwork/proofwork/internal/daemon"
	"github.com/proofwork/proofwork/internal/infra/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "proofwork",
	Short: "Tamper-evident proof-of-work ledger",
	Long: `proofwork records every security-relevant action on a hash-chained,
append-only ledger and flags tasks whose accepted evidence is replaced.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default $PROOFWORK_HOME/config.toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openDaemon loads configuration and wires storage for a command.
func openDaemon(ctx context.Context) (*daemon.Daemon, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return daemon.New(ctx, cfg, logger)
}
