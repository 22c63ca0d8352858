package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/onionhost/internal/control"
	"github.com/nao1215/onionhost/internal/tor"
)

// launchStep starts the daemon with the hashed form of the run's secret.
type launchStep struct {
	launcher Launcher
	args     []string
}

func (s *launchStep) Name() string { return StepLaunch }

func (s *launchStep) Do(ctx context.Context, state *State) error {
	hashed, err := state.Secret.Hashed()
	if err != nil {
		return err
	}

	proc, err := s.launcher.Launch(ctx, tor.LaunchOptions{
		DataDir:               state.Config.DataDir,
		HashedControlPassword: hashed,
		ExtraArgs:             s.args,
	})
	if err != nil {
		return err
	}
	state.Process = proc
	return nil
}

// locateStep waits for the control port announcement. A daemon that exits
// first ends the wait with its exit error.
type locateStep struct {
	locator Locator
}

func (s *locateStep) Name() string { return StepLocate }

func (s *locateStep) Do(ctx context.Context, state *State) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-state.Process.Done():
			cancel(processExitError(state.Process))
		case <-ctx.Done():
		}
	}()

	addr, err := s.locator.Locate(ctx, state.Config.DataDir)
	if err != nil {
		return err
	}
	state.ControlAddr = addr
	return nil
}

func processExitError(p Process) error {
	if err := p.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: tor exited before announcing its control port", tor.ErrProcessLaunch)
}

// connectStep dials the control port, retrying refused connections with
// exponential backoff.
type connectStep struct {
	dial        DialFunc
	attempts    int
	backoff     time.Duration
	maxBackoff  time.Duration
	sessionOpts []control.Option
	logger      *slog.Logger
}

func (s *connectStep) Name() string { return StepConnect }

func (s *connectStep) Do(ctx context.Context, state *State) error {
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		session, err := s.dial(ctx, state.ControlAddr, s.sessionOpts...)
		if err == nil {
			state.Session = session
			return nil
		}
		if attempt >= s.attempts || !errors.Is(err, control.ErrConnection) {
			return err
		}

		s.logger.Debug("control port not accepting yet, retrying",
			"address", state.ControlAddr.String(),
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-state.Process.Done():
			timer.Stop()
			return processExitError(state.Process)
		case <-timer.C:
		}
		delay = min(delay*2, s.maxBackoff)
	}
}

// authenticateStep proves knowledge of the run's secret.
type authenticateStep struct{}

func (s *authenticateStep) Name() string { return StepAuthenticate }

func (s *authenticateStep) Do(ctx context.Context, state *State) error {
	return state.Session.Authenticate(ctx, state.Secret)
}

// provisionStep adds the onion service and learns the SOCKS listener.
type provisionStep struct {
	provisioner *Provisioner
}

func (s *provisionStep) Name() string { return StepProvision }

func (s *provisionStep) Do(ctx context.Context, state *State) error {
	socks, address, err := s.provisioner.Provision(ctx, state.Session, state.Config)
	if err != nil {
		return err
	}
	state.SocksAddr = socks
	state.OnionAddress = address
	return nil
}

// subscribeStep asks for descriptor upload events on a kept session.
type subscribeStep struct{}

func (s *subscribeStep) Name() string { return StepSubscribe }

func (s *subscribeStep) Do(ctx context.Context, state *State) error {
	return state.Session.Subscribe(ctx, control.EventHSDesc)
}

// verifyStep checks that the SOCKS listener is a working proxy and,
// optionally, that a request can be routed through it.
type verifyStep struct {
	fetchURL     string
	fetchTimeout time.Duration
}

func (s *verifyStep) Name() string { return StepVerify }

// Timeout leaves room for a fetch over a cold circuit.
func (s *verifyStep) Timeout() time.Duration {
	if s.fetchURL == "" {
		return DefaultStepTimeout
	}
	return s.fetchTimeout + 5*time.Second
}

func (s *verifyStep) Do(ctx context.Context, state *State) error {
	checker, err := tor.NewProxyChecker(state.SocksAddr)
	if err != nil {
		return err
	}

	state.ProxyStatus = checker.CheckConnection(ctx)
	if err := state.ProxyStatus.Err(); err != nil {
		return err
	}

	if s.fetchURL == "" {
		return nil
	}
	result, err := tor.FetchThroughProxy(ctx, state.SocksAddr, s.fetchURL, s.fetchTimeout)
	if err != nil {
		return err
	}
	state.Fetch = result
	return nil
}
