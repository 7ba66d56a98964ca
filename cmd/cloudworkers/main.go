package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloudworkers",
		Short: "Cloudworkers: create, configure and tear down worker fleets",
		Long: "Cloudworkers keeps one fleet per network and namespace. Each command converges the cloud\n" +
			"towards the requested nodes and records every step, so a failed run can simply be repeated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/cloudworkers/config.yaml)")
	cmd.PersistentFlags().String("secrets", "", "KEY=VALUE secrets file (default $XDG_CONFIG_HOME/cloudworkers/secrets.env)")
	cmd.PersistentFlags().String("state-dir", "", "directory holding fleet state (overrides config)")
	cmd.PersistentFlags().String("network", "mainnet", "network the fleet runs on")
	cmd.PersistentFlags().String("namespace", "", "namespace separating fleets on the same network")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		zerolog.SetGlobalLevel(telemetry.ParseLevel(levelStr))
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newDestroyCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newListNamespacesCmd())
	cmd.AddCommand(newListHostsCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cloudworkers %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Main entry point
func main() {
	telemetry.Setup(zerolog.InfoLevel)
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
