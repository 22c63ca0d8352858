package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/nao1215/onionhost/internal/config"
	"github.com/nao1215/onionhost/internal/control"
	"github.com/nao1215/onionhost/internal/tor"
)

// Defaults used by New.
const (
	DefaultStepTimeout     = 30 * time.Second
	DefaultConnectAttempts = 5
	DefaultConnectBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff      = 2 * time.Second
)

// SessionPolicy decides what happens to the control session after the
// service has been provisioned.
type SessionPolicy int

const (
	// SessionClose closes the session. The detached service keeps running.
	SessionClose SessionPolicy = iota

	// SessionKeep keeps the session open, subscribed to HS_DESC events, and
	// hands it to the caller in Result.Session.
	SessionKeep
)

// String returns the policy name.
func (p SessionPolicy) String() string {
	switch p {
	case SessionClose:
		return "close"
	case SessionKeep:
		return "keep"
	default:
		return "SessionPolicy(" + strconv.Itoa(int(p)) + ")"
	}
}

// Result is what a successful run hands to the embedding application.
type Result struct {
	// OnionAddress is the service's "<56 chars>.onion" address.
	OnionAddress string

	// VirtualPort is the public port, equal to the local listen port.
	VirtualPort uint16

	// ServiceID is OnionAddress without the suffix.
	ServiceID string

	// SocksAddr is the daemon's SOCKS listener.
	SocksAddr netip.AddrPort

	// ControlAddr is the daemon's control port.
	ControlAddr netip.AddrPort

	// Process is the running daemon, owned by the caller.
	Process Process

	// Session is the open control session under SessionKeep, nil otherwise.
	Session *control.Session

	// ProxyStatus and Fetch are set when verification ran.
	ProxyStatus tor.ProxyStatus
	Fetch       *tor.FetchResult

	// Steps lists the steps that completed.
	Steps []string
}

// PublicAddress returns "<onion address>:<virtual port>".
func (r *Result) PublicAddress() string {
	return r.OnionAddress + ":" + strconv.Itoa(int(r.VirtualPort))
}

// Close releases the session, if kept, and stops the daemon.
func (r *Result) Close() error {
	var errs []error
	if r.Session != nil {
		errs = append(errs, r.Session.Close())
	}
	if r.Process != nil {
		errs = append(errs, r.Process.Stop())
	}
	return errors.Join(errs...)
}

// Bootstrapper runs the bootstrap sequence.
type Bootstrapper struct {
	source      config.Source
	launcher    Launcher
	locator     Locator
	dial        DialFunc
	provisioner *Provisioner
	logger      *slog.Logger

	policy               SessionPolicy
	keepProcessOnFailure bool

	verify       bool
	fetchURL     string
	fetchTimeout time.Duration

	stepTimeout     time.Duration
	connectAttempts int
	connectBackoff  time.Duration
	maxBackoff      time.Duration

	secret      *control.Secret
	torArgs     []string
	sessionOpts []control.Option
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLauncher replaces the default tor.Supervisor launcher.
func WithLauncher(l Launcher) Option {
	return func(b *Bootstrapper) {
		b.launcher = l
	}
}

// WithLocator replaces the default tor.Locator.
func WithLocator(l Locator) Option {
	return func(b *Bootstrapper) {
		b.locator = l
	}
}

// WithDialer replaces control.Dial.
func WithDialer(dial DialFunc) Option {
	return func(b *Bootstrapper) {
		b.dial = dial
	}
}

// WithLogger sets the logger used by every step.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bootstrapper) {
		b.logger = logger
	}
}

// WithSessionPolicy sets what happens to the control session after provisioning.
func WithSessionPolicy(policy SessionPolicy) Option {
	return func(b *Bootstrapper) {
		b.policy = policy
	}
}

// WithKeepProcessOnFailure leaves the daemon running when a step fails.
func WithKeepProcessOnFailure(keep bool) Option {
	return func(b *Bootstrapper) {
		b.keepProcessOnFailure = keep
	}
}

// WithVerify adds the verify step. With a non-empty fetchURL the step also
// fetches that URL through the SOCKS listener.
func WithVerify(fetchURL string) Option {
	return func(b *Bootstrapper) {
		b.verify = true
		b.fetchURL = fetchURL
	}
}

// WithFetchTimeout bounds the verification fetch.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(b *Bootstrapper) {
		b.fetchTimeout = timeout
	}
}

// WithStepTimeout sets the deadline of each step.
func WithStepTimeout(timeout time.Duration) Option {
	return func(b *Bootstrapper) {
		b.stepTimeout = timeout
	}
}

// WithConnectRetry sets how often and how patiently the control port is dialed.
func WithConnectRetry(attempts int, initialBackoff time.Duration) Option {
	return func(b *Bootstrapper) {
		b.connectAttempts = attempts
		b.connectBackoff = initialBackoff
	}
}

// WithSecret uses a fixed control secret instead of generating one per run.
func WithSecret(secret control.Secret) Option {
	return func(b *Bootstrapper) {
		b.secret = &secret
	}
}

// WithTorArgs passes extra arguments to the daemon.
func WithTorArgs(args ...string) Option {
	return func(b *Bootstrapper) {
		b.torArgs = args
	}
}

// WithSessionOptions passes options to the control session.
func WithSessionOptions(opts ...control.Option) Option {
	return func(b *Bootstrapper) {
		b.sessionOpts = opts
	}
}

// New creates a Bootstrapper reading the service configuration from source.
func New(source config.Source, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		source:          source,
		dial:            control.Dial,
		stepTimeout:     DefaultStepTimeout,
		connectAttempts: DefaultConnectAttempts,
		connectBackoff:  DefaultConnectBackoff,
		maxBackoff:      DefaultMaxBackoff,
		fetchTimeout:    tor.DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.launcher == nil {
		b.launcher = SupervisorLauncher(tor.NewSupervisor(tor.WithSupervisorLogger(b.logger)))
	}
	if b.locator == nil {
		b.locator = tor.NewLocator(tor.WithLocatorLogger(b.logger))
	}
	if b.connectAttempts <= 0 {
		b.connectAttempts = 1
	}
	if b.connectBackoff <= 0 {
		b.connectBackoff = DefaultConnectBackoff
	}
	b.maxBackoff = max(b.maxBackoff, b.connectBackoff)
	b.provisioner = NewProvisioner(b.logger)
	return b
}

// pipeline assembles the steps for the configured options.
func (b *Bootstrapper) pipeline() *Pipeline {
	p := NewPipeline(WithPipelineLogger(b.logger), WithPipelineStepTimeout(b.stepTimeout))
	p.AddSteps(
		&launchStep{launcher: b.launcher, args: b.torArgs},
		&locateStep{locator: b.locator},
		&connectStep{
			dial:        b.dial,
			attempts:    b.connectAttempts,
			backoff:     b.connectBackoff,
			maxBackoff:  b.maxBackoff,
			sessionOpts: append([]control.Option{control.WithLogger(b.logger)}, b.sessionOpts...),
			logger:      b.logger,
		},
		&authenticateStep{},
		&provisionStep{provisioner: b.provisioner},
	)
	if b.policy == SessionKeep {
		p.AddStep(&subscribeStep{})
	}
	if b.verify {
		p.AddStep(&verifyStep{fetchURL: b.fetchURL, fetchTimeout: b.fetchTimeout})
	}
	return p
}

// StepNames returns the steps Run will execute, in order.
func (b *Bootstrapper) StepNames() []string {
	return b.pipeline().StepNames()
}

// Run launches the daemon and provisions the onion service.
//
// On success the caller owns Result.Process (and Result.Session under
// SessionKeep) and must release them, e.g. with Result.Close. On failure
// everything started by the run is released, except the process when
// WithKeepProcessOnFailure is set. The error is always an *Error.
func (b *Bootstrapper) Run(ctx context.Context) (*Result, error) {
	cfg, err := b.source.LoadServiceConfig()
	if err != nil {
		return nil, &Error{Step: StepConfig, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Step: StepConfig, Err: err}
	}

	secret, err := b.runSecret()
	if err != nil {
		return nil, &Error{Step: StepLaunch, Err: err}
	}

	state := &State{Config: cfg, Secret: secret}
	if err := b.pipeline().Execute(ctx, state); err != nil {
		b.release(state)
		return nil, err
	}

	result := &Result{
		OnionAddress: state.OnionAddress,
		VirtualPort:  cfg.ListenPort,
		ServiceID:    tor.ServiceIDFromAddress(state.OnionAddress),
		SocksAddr:    state.SocksAddr,
		ControlAddr:  state.ControlAddr,
		Process:      state.Process,
		ProxyStatus:  state.ProxyStatus,
		Fetch:        state.Fetch,
		Steps:        state.CompletedSteps,
	}
	switch b.policy {
	case SessionKeep:
		result.Session = state.Session
	default:
		if err := state.Session.Close(); err != nil {
			b.logger.Debug("closing control session", "error", err)
		}
	}

	b.logger.Info("onion service ready",
		"address", result.PublicAddress(),
		"socks", result.SocksAddr.String(),
		"pid", result.Process.PID(),
		"session", b.policy.String(),
	)
	return result, nil
}

func (b *Bootstrapper) runSecret() (control.Secret, error) {
	if b.secret != nil {
		return *b.secret, nil
	}
	secret, err := control.NewSecret()
	if err != nil {
		return control.Secret{}, fmt.Errorf("failed to generate control secret: %w", err)
	}
	return secret, nil
}

// release undoes a failed run.
func (b *Bootstrapper) release(state *State) {
	if state.Session != nil {
		_ = state.Session.Close()
	}
	if state.Process == nil {
		return
	}
	if b.keepProcessOnFailure {
		b.logger.Warn("leaving tor running after failed bootstrap",
			"pid", state.Process.PID(),
			"dataDir", state.Process.DataDir(),
		)
		return
	}
	if err := state.Process.Stop(); err != nil {
		b.logger.Warn("failed to stop tor", "pid", state.Process.PID(), "error", err)
	}
}
