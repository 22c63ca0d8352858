package main

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/nao1215/onionhost/internal/report"
	"github.com/nao1215/onionhost/internal/tor"
	"github.com/spf13/cobra"
)

// NewCheckCmd creates the check command.
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <socks-address>",
		Short: "Check that a SOCKS port is a working Tor proxy",
		Long: `Check performs a SOCKS5 handshake against the given address and asks it to
connect to an unpublished onion address. A Tor proxy answers with a SOCKS5
reply; anything else is reported as the wrong kind of listener.

With --fetch the URL is also requested through the proxy, which shows that Tor
can build circuits.

Examples:
  onionhost check 127.0.0.1:9050
  onionhost check 127.0.0.1:9050 --fetch https://check.torproject.org/`,
		Args: cobra.ExactArgs(1),
		RunE: runCheckCmd,
	}

	cmd.Flags().String("fetch", "", "URL to fetch through the proxy")
	cmd.Flags().Duration("fetch-timeout", tor.DefaultFetchTimeout, "Timeout for --fetch")
	addFormatFlag(cmd)

	return cmd
}

// runCheckCmd executes the check command.
func runCheckCmd(cmd *cobra.Command, args []string) error {
	addr, err := netip.ParseAddrPort(args[0])
	if err != nil {
		return fmt.Errorf("invalid SOCKS address %q: %w", args[0], err)
	}
	fetchURL, err := cmd.Flags().GetString("fetch")
	if err != nil {
		return err
	}
	fetchTimeout, err := cmd.Flags().GetDuration("fetch-timeout")
	if err != nil {
		return err
	}
	writer, err := newReportWriter(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cmd, cmd.ErrOrStderr())

	checker, err := tor.NewProxyChecker(addr)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	status := checker.CheckConnection(ctx)
	logger.Debug("proxy checked", "socks", addr.String(), "status", status.String())

	var (
		fetch    *tor.FetchResult
		fetchErr error
	)
	if fetchURL != "" && status == tor.ProxyStatusOK {
		start := time.Now()
		fetch, fetchErr = tor.FetchThroughProxy(ctx, addr, fetchURL, fetchTimeout)
		logger.Debug("fetch through proxy finished", "url", fetchURL, "elapsed", time.Since(start), "error", fetchErr)
	}

	check := report.NewProxyCheck(addr.String(), status, fetch)
	if fetchErr != nil {
		check.FetchURL = fetchURL
		check.FetchError = fetchErr.Error()
	}
	if _, err := writer.WriteCheck(check); err != nil {
		return fmt.Errorf("failed to write check result: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	return fetchErr
}
