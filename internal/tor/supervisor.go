package tor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// LogFileName is the daemon log file written inside the data directory.
	LogFileName = "log.txt"

	// DefaultBinary is the Tor executable looked up in PATH.
	DefaultBinary = "tor"

	// DefaultStopTimeout is how long Stop waits after the interrupt before
	// killing the daemon.
	DefaultStopTimeout = 10 * time.Second
)

// LaunchOptions parametrizes one daemon start.
type LaunchOptions struct {
	// DataDir is the daemon's private data directory. It is created with
	// mode 0700 if missing, which Tor requires.
	DataDir string

	// HashedControlPassword is the "16:..." form of the per-run control secret.
	// Required: the control port is never opened without authentication.
	HashedControlPassword string

	// ExtraArgs are appended after the generated arguments.
	ExtraArgs []string
}

// Supervisor launches Tor daemons.
type Supervisor struct {
	// binary is the path or name of the tor executable.
	binary string

	// stopTimeout is the grace period between interrupt and kill.
	stopTimeout time.Duration

	// output receives the daemon's stdout and stderr before its own log
	// configuration takes over.
	output io.Writer

	logger *slog.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBinary sets the tor executable.
func WithBinary(binary string) SupervisorOption {
	return func(s *Supervisor) {
		s.binary = binary
	}
}

// WithStopTimeout sets the grace period used by Process.Stop.
func WithStopTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.stopTimeout = timeout
	}
}

// WithOutput sets where the daemon's console output goes. Default: discarded.
func WithOutput(w io.Writer) SupervisorOption {
	return func(s *Supervisor) {
		s.output = w
	}
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// NewSupervisor creates a Supervisor for the tor binary found in PATH.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		binary:      DefaultBinary,
		stopTimeout: DefaultStopTimeout,
		output:      io.Discard,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Args returns the command line used for the given options.
//
// The daemon is isolated from any system torrc, logs to <DataDir>/log.txt,
// picks free control and SOCKS ports itself and announces the control port
// in <DataDir>/control-port.txt.
func (s *Supervisor) Args(opts LaunchOptions) []string {
	args := []string{
		"-f", filepath.Join(opts.DataDir, "torrc"),
		"--ignore-missing-torrc",
		"--DataDirectory", opts.DataDir,
		"--Log", "notice file " + filepath.Join(opts.DataDir, LogFileName),
		"--ControlPort", "auto",
		"--ControlPortWriteToFile", ControlPortFile(opts.DataDir),
		"--HashedControlPassword", opts.HashedControlPassword,
		"--SocksPort", "auto",
	}
	return append(args, opts.ExtraArgs...)
}

// Launch starts the daemon in the background and returns immediately.
//
// The returned Process is owned by the caller, who must Stop it. Launch does
// not wait for the daemon to become ready; use Locator for that, cancelling
// it when Process.Done fires.
//
// The process lifetime is independent of ctx, which only guards setup.
func (s *Supervisor) Launch(ctx context.Context, opts LaunchOptions) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory is required", ErrProcessLaunch)
	}
	if opts.HashedControlPassword == "" {
		return nil, fmt.Errorf("%w: hashed control password is required", ErrProcessLaunch)
	}

	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %w", ErrProcessLaunch, err)
	}
	// A file left by a previous run would point discovery at a dead port.
	if err := os.Remove(ControlPortFile(opts.DataDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to remove stale control port file: %w", ErrProcessLaunch, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.binary, s.Args(opts)...) //nolint:gosec // binary is operator configured
	cmd.Stdout = s.output
	cmd.Stderr = s.output
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.stopTimeout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrProcessLaunch, err)
	}

	p := &Process{
		cmd:     cmd,
		cancel:  cancel,
		done:    make(chan struct{}),
		dataDir: opts.DataDir,
		logger:  s.logger,
	}
	go p.wait()

	s.logger.Info("tor process started",
		"pid", cmd.Process.Pid,
		"binary", s.binary,
		"dataDir", opts.DataDir,
	)
	return p, nil
}

// Process is a handle to a running daemon.
type Process struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	dataDir string
	logger  *slog.Logger

	// stopping is set once Stop has been requested, so the exit caused by
	// our own interrupt is not reported as a failure.
	stopping atomic.Bool

	mu  sync.Mutex
	err error
	// stopErr records a forced kill after Stop.
	stopErr error
}

// wait reaps the process and records how it ended.
func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	switch {
	case !p.stopping.Load():
		if err == nil {
			err = errors.New("exited")
		}
		p.err = fmt.Errorf("%w: tor exited unexpectedly: %w", ErrProcessLaunch, err)
	case killed(err):
		p.stopErr = fmt.Errorf("%w: %w", ErrProcessKilled, err)
	}
	p.mu.Unlock()

	p.logger.Info("tor process exited", "pid", p.PID(), "requested", p.stopping.Load())
	close(p.done)
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// DataDir returns the data directory the daemon was started with.
func (p *Process) DataDir() string {
	return p.dataDir
}

// Done is closed when the process has exited, for whatever reason.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns why the process exited on its own, or nil while it is
// running or when it exited because Stop was called.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts the daemon and waits for it to exit, killing it after the
// stop timeout. It returns ErrProcessKilled when the kill was needed. It is
// safe to call more than once and after the process has already exited.
func (p *Process) Stop() error {
	p.stopping.Store(true)
	p.cancel()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopErr
}

// killed reports whether Wait ended with the forced kill that follows an
// ignored interrupt. A clean exit after the interrupt surfaces as the
// cancelled context and is not a kill.
func killed(err error) bool {
	if errors.Is(err, exec.ErrWaitDelay) {
		return true
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGKILL
}
