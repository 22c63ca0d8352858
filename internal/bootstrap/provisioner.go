package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/nao1215/onionhost/internal/config"
	"github.com/nao1215/onionhost/internal/control"
)

// SocksListenersKey is the GETINFO key reporting the SOCKS listeners.
const SocksListenersKey = "net/listeners/socks"

// ControlSession is the part of *control.Session the Provisioner uses.
type ControlSession interface {
	State() control.State
	AddOnion(ctx context.Context, req control.AddOnionRequest) (*control.AddOnionReply, error)
	GetInfo(ctx context.Context, key string) (string, error)
}

// Provisioner creates the onion service on an authenticated session and
// reports where the daemon's SOCKS proxy listens.
type Provisioner struct {
	logger *slog.Logger
}

// NewProvisioner creates a Provisioner. A nil logger means slog.Default().
func NewProvisioner(logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{logger: logger}
}

// Provision adds a detached v3 service mapping cfg.ListenPort on the onion
// address to 127.0.0.1:cfg.ListenPort, then queries the first SOCKS
// listener. It returns the SOCKS address and the ".onion" address.
//
// Failures are returned as *Error: StepProvision for ADD_ONION and
// StepQuery for the listener query. A service added before a failing query
// is not removed.
func (p *Provisioner) Provision(ctx context.Context, session ControlSession, cfg *config.ServiceConfig) (netip.AddrPort, string, error) {
	if session.State() == control.StateUnauthenticated {
		return netip.AddrPort{}, "", &Error{Step: StepProvision, Err: control.ErrNotAuthenticated}
	}
	if err := cfg.Validate(); err != nil {
		return netip.AddrPort{}, "", &Error{Step: StepProvision, Err: err}
	}

	reply, err := session.AddOnion(ctx, control.AddOnionRequest{
		Key:    cfg.OnionKey,
		Detach: true,
		Ports: []control.PortMapping{{
			VirtualPort: cfg.ListenPort,
			Target:      cfg.ListenAddr(),
		}},
	})
	if err != nil {
		return netip.AddrPort{}, "", &Error{Step: StepProvision, Err: err}
	}
	p.logger.Info("onion service provisioned",
		"address", reply.Address(),
		"virtualPort", cfg.ListenPort,
		"target", cfg.ListenAddr().String(),
	)

	value, err := session.GetInfo(ctx, SocksListenersKey)
	if err != nil {
		return netip.AddrPort{}, "", &Error{Step: StepQuery, Err: err}
	}
	socks, err := control.ParseListener(value)
	if err != nil {
		return netip.AddrPort{}, "", &Error{Step: StepQuery, Err: fmt.Errorf("%s=%q: %w", SocksListenersKey, value, err)}
	}

	return socks, reply.Address(), nil
}
