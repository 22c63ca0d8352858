package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/onionhost/internal/bootstrap"
	"github.com/nao1215/onionhost/internal/config"
	"github.com/nao1215/onionhost/internal/control"
	"github.com/nao1215/onionhost/internal/database"
	"github.com/nao1215/onionhost/internal/report"
	"github.com/nao1215/onionhost/internal/tor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// errTorExited is returned by run when the daemon stops without being asked.
var errTorExited = errors.New("tor exited while the service was running")

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start Tor and publish the onion service",
		Long: `Run starts a private Tor daemon, authenticates to its control port with a
password generated for this run and publishes the onion service from the
configuration file. The service forwards to the configured port on 127.0.0.1.

The command prints the onion address and the SOCKS port, then keeps Tor running
until it is interrupted. If the configuration file does not exist it is created
with a new key.

Examples:
  # Start the service and stop it with Ctrl+C
  onionhost run

  # Report descriptor uploads while running
  onionhost run --keep-session -v

  # Check the SOCKS port and fetch a page through Tor before reporting
  onionhost run --verify --fetch-url https://check.torproject.org/

  # Use a specific tor binary and pass it an extra option
  onionhost run --tor /usr/local/bin/tor --tor-arg=--ClientUseIPv6 --tor-arg=1`,
		Args: cobra.NoArgs,
		RunE: runRunCmd,
	}

	cmd.Flags().String("tor", config.DefaultTorBinary,
		"Tor executable")
	cmd.Flags().StringArray("tor-arg", nil,
		"Extra argument for the Tor daemon (repeatable)")
	cmd.Flags().Duration("timeout", config.DefaultStartupTimeout,
		"Timeout for the whole startup sequence")
	cmd.Flags().Duration("step-timeout", config.DefaultStepTimeout,
		"Timeout for each startup step")
	cmd.Flags().Duration("stop-timeout", config.DefaultStopTimeout,
		"Grace period before Tor is killed on shutdown")
	cmd.Flags().Int("connect-attempts", config.DefaultConnectAttempts,
		"Control port connection attempts")
	cmd.Flags().Bool("keep-session", false,
		"Keep the control connection open and report descriptor uploads")
	cmd.Flags().Bool("keep-tor-on-failure", false,
		"Leave Tor running when startup fails, for inspecting its log")
	cmd.Flags().Bool("verify", false,
		"Check that the SOCKS port is a working Tor proxy before reporting")
	cmd.Flags().String("fetch-url", "",
		"With --verify, also fetch this URL through the SOCKS port")
	cmd.Flags().String("db-dir", config.XDGDataDir(),
		"Run history directory")
	cmd.Flags().Bool("no-history", false,
		"Do not record this run in the history database")
	addFormatFlag(cmd)

	return cmd
}

// runRunCmd executes the run command.
func runRunCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := buildRunConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	writer, err := newReportWriter(cmd)
	if err != nil {
		return err
	}

	logger := setupLogger(cmd, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	// Set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{
		cfg:     cfg,
		logger:  logger,
		writer:  writer,
		notices: cmd.ErrOrStderr(),
	}
	return r.run(ctx)
}

// buildRunConfig creates the runtime configuration from flags.
func buildRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()
	cfg.ConfigFilePath = configPath(cmd)
	cfg.Verbose = getVerboseFlag(cmd)

	var err error
	flags := cmd.Flags()

	if cfg.LogJSON, err = flags.GetBool("log-json"); err != nil {
		return nil, err
	}
	if cfg.TorBinary, err = flags.GetString("tor"); err != nil {
		return nil, err
	}
	if cfg.TorArgs, err = flags.GetStringArray("tor-arg"); err != nil {
		return nil, err
	}
	if cfg.StartupTimeout, err = flags.GetDuration("timeout"); err != nil {
		return nil, err
	}
	if cfg.StepTimeout, err = flags.GetDuration("step-timeout"); err != nil {
		return nil, err
	}
	if cfg.StopTimeout, err = flags.GetDuration("stop-timeout"); err != nil {
		return nil, err
	}
	if cfg.ConnectAttempts, err = flags.GetInt("connect-attempts"); err != nil {
		return nil, err
	}
	if cfg.KeepSession, err = flags.GetBool("keep-session"); err != nil {
		return nil, err
	}
	if cfg.KeepProcessOnFailure, err = flags.GetBool("keep-tor-on-failure"); err != nil {
		return nil, err
	}
	if cfg.Verify, err = flags.GetBool("verify"); err != nil {
		return nil, err
	}
	if cfg.FetchURL, err = flags.GetString("fetch-url"); err != nil {
		return nil, err
	}
	if cfg.FetchURL != "" && !cfg.Verify {
		return nil, errors.New("--fetch-url requires --verify")
	}
	if cfg.DBDir, err = flags.GetString("db-dir"); err != nil {
		return nil, err
	}
	noHistory, err := flags.GetBool("no-history")
	if err != nil {
		return nil, err
	}
	cfg.SaveToDB = !noHistory

	return cfg, nil
}

// runner drives one run of the service: bootstrap, report, serve, shut down.
type runner struct {
	cfg    *config.Config
	logger *slog.Logger
	writer report.Writer

	// notices receives progress lines. Only the report goes to writer.
	notices io.Writer

	// opts are applied after the options derived from cfg.
	opts []bootstrap.Option
}

// run bootstraps the service and blocks until ctx is done or Tor exits.
func (r *runner) run(ctx context.Context) error {
	store := config.NewFileStore(r.cfg.ServiceConfigPath())
	svc, created, err := store.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load service configuration: %w", err)
	}
	if created {
		fmt.Fprintf(r.notices, "Created configuration file with a new key: %s\n", store.Path())
	}

	history := r.openHistory()
	if history != nil {
		defer history.Close() //nolint:errcheck // read-only after the final update
	}
	record := database.NewRunRecord(svc.OnionAddress())
	r.saveRun(ctx, history, record, (*database.HistoryDB).InsertRun)

	startCtx, cancel := context.WithTimeout(ctx, r.cfg.StartupTimeout)
	result, err := bootstrap.New(config.Static(svc), r.bootstrapOptions()...).Run(startCtx)
	cancel()
	if err != nil {
		var stepErr *bootstrap.Error
		if errors.As(err, &stepErr) {
			record.FailedStep = stepErr.Step
		}
		record.Error = err.Error()
		r.saveRun(ctx, history, record, (*database.HistoryDB).FinishRun)
		return err
	}

	record.SocksAddr = result.SocksAddr.String()
	record.ControlAddr = result.ControlAddr.String()
	record.PID = result.Process.PID()
	record.Steps = result.Steps
	r.saveRun(ctx, history, record, (*database.HistoryDB).UpdateRun)

	serveErr := r.writeStatus(result)
	if serveErr == nil {
		fmt.Fprintf(r.notices, "Forwarding %s to %s. Press Ctrl+C to stop.\n",
			result.PublicAddress(), svc.ListenAddr())
		serveErr = r.serve(ctx, result)
	}

	if err := result.Close(); err != nil {
		r.logger.Warn("failed to shut down tor", "error", err)
	}
	if serveErr != nil {
		record.Error = serveErr.Error()
	}
	r.saveRun(ctx, history, record, (*database.HistoryDB).FinishRun)
	return serveErr
}

// bootstrapOptions translates the runtime configuration.
func (r *runner) bootstrapOptions() []bootstrap.Option {
	supervisor := tor.NewSupervisor(
		tor.WithBinary(r.cfg.TorBinary),
		tor.WithStopTimeout(r.cfg.StopTimeout),
		tor.WithSupervisorLogger(r.logger),
	)

	opts := []bootstrap.Option{
		bootstrap.WithLauncher(bootstrap.SupervisorLauncher(supervisor)),
		bootstrap.WithLogger(r.logger),
		bootstrap.WithStepTimeout(r.cfg.StepTimeout),
		bootstrap.WithConnectRetry(r.cfg.ConnectAttempts, bootstrap.DefaultConnectBackoff),
		bootstrap.WithKeepProcessOnFailure(r.cfg.KeepProcessOnFailure),
		bootstrap.WithTorArgs(r.cfg.TorArgs...),
	}
	if r.cfg.KeepSession {
		opts = append(opts, bootstrap.WithSessionPolicy(bootstrap.SessionKeep))
	}
	if r.cfg.Verify {
		opts = append(opts, bootstrap.WithVerify(r.cfg.FetchURL))
	}
	return append(opts, r.opts...)
}

func (r *runner) writeStatus(result *bootstrap.Result) error {
	if _, err := r.writer.WriteStatus(report.NewStatus(result)); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

// serve waits for shutdown. Under the keep policy it also reports control
// events until the session ends.
func (r *runner) serve(ctx context.Context, result *bootstrap.Result) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-result.Process.Done():
			if err := result.Process.Err(); err != nil {
				return err
			}
			return errTorExited
		}
	})

	if result.Session != nil {
		g.Go(func() error {
			r.watchEvents(ctx, result.ServiceID, result.Session.Events())
			return nil
		})
	}

	return g.Wait()
}

// watchEvents logs descriptor uploads for serviceID until events closes or
// ctx is done. The first successful upload is announced on notices, since
// from then on clients can reach the service.
func (r *runner) watchEvents(ctx context.Context, serviceID string, events <-chan control.Event) {
	published := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case control.DescriptorUploaded:
				if e.ServiceID != serviceID {
					continue
				}
				r.logger.Info("descriptor uploaded", "serviceID", e.ServiceID, "hsdir", e.HSDir)
				if !published {
					published = true
					fmt.Fprintln(r.notices, "Descriptor published, the service is reachable")
				}
			case control.DescriptorUploadFailed:
				if e.ServiceID != serviceID {
					continue
				}
				r.logger.Warn("descriptor upload failed", "serviceID", e.ServiceID, "hsdir", e.HSDir, "reason", e.Reason)
			case control.Disconnected:
				r.logger.Warn("control session lost, the service keeps running", "error", e.Err)
				return
			default:
				r.logger.Debug("control event ignored", "event", ev.EventName())
			}
		}
	}
}

// openHistory opens the run history, or returns nil when it is disabled or
// unavailable. History is best effort and never fails a run.
func (r *runner) openHistory() *database.HistoryDB {
	if !r.cfg.SaveToDB {
		return nil
	}
	db, err := database.Open(r.cfg.DBDir, database.DefaultOptions())
	if err != nil {
		r.logger.Warn("run history disabled", "dir", r.cfg.DBDir, "error", err)
		return nil
	}
	r.logger.Debug("database opened", "path", db.Path())
	return db
}

// saveRun applies save to record when history is enabled. It runs even
// after ctx is cancelled, so the shutdown of an interrupted run is recorded.
func (r *runner) saveRun(ctx context.Context, history *database.HistoryDB, record *database.RunRecord,
	save func(*database.HistoryDB, context.Context, *database.RunRecord) error) {
	if history == nil {
		return
	}
	if err := save(history, context.WithoutCancel(ctx), record); err != nil {
		r.logger.Warn("failed to record run", "id", record.ID.String(), "error", err)
	}
}
