package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nao1215/onionhost/internal/config"
	"github.com/nao1215/onionhost/internal/database"
	"github.com/nao1215/onionhost/internal/tor"
	"github.com/spf13/cobra"
)

// defaultHistoryLimit is how many runs history shows without --limit.
const defaultHistoryLimit = 20

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		Long: `History lists previous runs of the service, newest first, with the step at
which a failed run stopped.

Examples:
  onionhost history
  onionhost history --limit 5 --format markdown
  onionhost history --service <address>.onion -v
  onionhost history --services`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	cmd.Flags().IntP("limit", "n", defaultHistoryLimit, "Maximum number of runs (0 for all)")
	cmd.Flags().String("service", "", "Only show runs of this onion address")
	cmd.Flags().Bool("services", false, "List the onion addresses that have runs instead")
	cmd.Flags().String("db-dir", config.XDGDataDir(), "Run history directory")
	addFormatFlag(cmd)

	return cmd
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	if limit < 0 {
		return fmt.Errorf("invalid limit %d: must not be negative", limit)
	}
	service, err := cmd.Flags().GetString("service")
	if err != nil {
		return err
	}
	if service != "" {
		if service, err = tor.NormalizeAddress(service); err != nil {
			return err
		}
	}
	listServices, err := cmd.Flags().GetBool("services")
	if err != nil {
		return err
	}
	dbDir, err := cmd.Flags().GetString("db-dir")
	if err != nil {
		return err
	}
	writer, err := newReportWriter(cmd)
	if err != nil {
		return err
	}

	// A missing database only means nothing has run yet.
	if _, err := os.Stat(filepath.Join(dbDir, database.DatabaseFileName)); errors.Is(err, os.ErrNotExist) {
		if listServices {
			return nil
		}
		_, err := writer.WriteHistory(nil)
		return err
	}

	opts := database.DefaultOptions()
	opts.CreateIfNotExists = false
	db, err := database.Open(dbDir, opts)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-only

	if listServices {
		services, err := db.ListServices(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range services {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	}

	runs, err := db.ListRuns(cmd.Context(), service, limit)
	if err != nil {
		return err
	}
	if _, err := writer.WriteHistory(runs); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}
