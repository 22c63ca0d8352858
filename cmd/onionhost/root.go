package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nao1215/onionhost/internal/config"
	"github.com/nao1215/onionhost/internal/log"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for onionhost.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onionhost",
		Short: "Host a local port as a Tor onion service",
		Long: `onionhost launches a private Tor daemon, authenticates to its control port
and publishes a v3 onion service that forwards to a port on 127.0.0.1.

The service key is generated once and stored in the configuration file, so the
onion address stays the same across runs.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	cmd.PersistentFlags().StringP("config", "c", "",
		fmt.Sprintf("Service configuration file (default %s)", config.DefaultConfigFile()))

	// Add subcommands
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewAddressCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getVerboseFlag returns the persistent verbose flag.
// Inherited flags are looked up on the root when cmd has none of its own.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return false
	}
	return verbose
}

// configPath returns the --config value or the default location.
func configPath(cmd *cobra.Command) string {
	path, err := cmd.Flags().GetString("config")
	if err != nil || path == "" {
		return config.DefaultConfigFile()
	}
	return path
}

// setupLogger creates the redacting logger for the global flags.
// Logs go to w so they never mix with report output.
func setupLogger(cmd *cobra.Command, w io.Writer) *slog.Logger {
	verbose := getVerboseFlag(cmd)
	if asJSON, err := cmd.Flags().GetBool("log-json"); err == nil && asJSON {
		return log.NewSecureJSONLogger(w, verbose)
	}
	return log.NewSecureLogger(w, verbose)
}
