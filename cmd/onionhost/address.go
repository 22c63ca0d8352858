package main

import (
	"errors"
	"fmt"

	"github.com/nao1215/onionhost/internal/config"
	"github.com/spf13/cobra"
)

// NewAddressCmd creates the address command.
func NewAddressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the onion address of the configured service",
		Long: `Address derives the onion address from the key in the service configuration
file and prints it. Tor is not started.

Examples:
  onionhost address
  onionhost address --no-port`,
		Args: cobra.NoArgs,
		RunE: runAddressCmd,
	}

	cmd.Flags().Bool("no-port", false, "Print the address without the virtual port")

	return cmd
}

// runAddressCmd executes the address command.
func runAddressCmd(cmd *cobra.Command, _ []string) error {
	noPort, err := cmd.Flags().GetBool("no-port")
	if err != nil {
		return err
	}

	store := config.NewFileStore(configPath(cmd))
	cfg, err := store.Load()
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return fmt.Errorf("no service configuration at %s (run onionhost init): %w", store.Path(), err)
		}
		return err
	}

	if noPort {
		fmt.Fprintln(cmd.OutOrStdout(), cfg.OnionAddress())
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s:%d\n", cfg.OnionAddress(), cfg.ListenPort)
	return nil
}
