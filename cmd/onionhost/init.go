package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/nao1215/onionhost/internal/config"
	"github.com/spf13/cobra"
)

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the onion service key and configuration file",
		Long: `Init generates a new onion service key and writes it, together with the Tor
data directory and the local port, to the service configuration file.

The key determines the onion address. Keep the file private: anyone holding it
can impersonate the service. run creates the file on first use as well; init
lets you choose the settings and learn the address beforehand.

Examples:
  # Create the file at the default location
  onionhost init

  # Forward the service to port 3000 and keep Tor state in ./tor-data
  onionhost init --port 3000 --data-dir ./tor-data

  # Replace an existing key (the onion address changes)
  onionhost init -f`,
		Args: cobra.NoArgs,
		RunE: runInitCmd,
	}

	cmd.Flags().String("data-dir", config.DefaultDataDir,
		"Tor data directory")
	cmd.Flags().Uint16P("port", "p", config.DefaultListenPort,
		"Local port on 127.0.0.1, also used as the onion service port")
	cmd.Flags().BoolP("force", "f", false,
		"Overwrite an existing configuration file, replacing its key")

	return cmd
}

// runInitCmd executes the init command.
func runInitCmd(cmd *cobra.Command, _ []string) error {
	dataDir, err := cmd.Flags().GetString("data-dir")
	if err != nil {
		return err
	}
	port, err := cmd.Flags().GetUint16("port")
	if err != nil {
		return err
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	store := config.NewFileStore(configPath(cmd))
	if !force {
		if _, err := os.Stat(store.Path()); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use -f to overwrite)", store.Path())
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check configuration file: %w", err)
		}
	}

	cfg, err := config.NewServiceConfig()
	if err != nil {
		return err
	}
	cfg.DataDir = dataDir
	cfg.ListenPort = port

	if err := store.Save(cfg); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created configuration file: %s\n", store.Path())
	fmt.Fprintf(out, "Onion address: %s:%d\n", cfg.OnionAddress(), cfg.ListenPort)
	fmt.Fprintf(out, "\nServe your application on %s, then start the service with:\n", cfg.ListenAddr())
	fmt.Fprintln(out, "  onionhost run")
	return nil
}
