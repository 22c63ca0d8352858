package bootstrap

import (
	"context"
	"net/netip"

	"github.com/nao1215/onionhost/internal/config"
	"github.com/nao1215/onionhost/internal/control"
	"github.com/nao1215/onionhost/internal/tor"
)

// State is shared by the steps of one run. Each step reads the fields set
// by earlier steps and fills in its own.
type State struct {
	Config *config.ServiceConfig
	Secret control.Secret

	Process     Process
	ControlAddr netip.AddrPort
	Session     *control.Session

	OnionAddress string
	SocksAddr    netip.AddrPort

	ProxyStatus tor.ProxyStatus
	Fetch       *tor.FetchResult

	CompletedSteps []string
}

// Process is a running daemon. *tor.Process implements it.
type Process interface {
	PID() int
	DataDir() string
	Done() <-chan struct{}
	Err() error
	Stop() error
}

// Launcher starts daemons.
type Launcher interface {
	Launch(ctx context.Context, opts tor.LaunchOptions) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, opts tor.LaunchOptions) (Process, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, opts tor.LaunchOptions) (Process, error) {
	return f(ctx, opts)
}

// SupervisorLauncher adapts a *tor.Supervisor to Launcher.
func SupervisorLauncher(s *tor.Supervisor) Launcher {
	return LauncherFunc(func(ctx context.Context, opts tor.LaunchOptions) (Process, error) {
		proc, err := s.Launch(ctx, opts)
		if err != nil {
			return nil, err
		}
		return proc, nil
	})
}

// Locator discovers the control port of a launched daemon.
// *tor.Locator implements it.
type Locator interface {
	Locate(ctx context.Context, dataDir string) (netip.AddrPort, error)
}

// DialFunc opens a control session. control.Dial is the default.
type DialFunc func(ctx context.Context, addr netip.AddrPort, opts ...control.Option) (*control.Session, error)
