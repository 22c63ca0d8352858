package config

import (
	"fmt"
	"net/netip"

	"github.com/nao1215/onionhost/internal/tor"
)

const (
	// DefaultDataDir is the Tor data directory written into new
	// configuration files.
	DefaultDataDir = "/tmp/tor-datadir"

	// DefaultListenPort is the local HTTP port written into new
	// configuration files.
	DefaultListenPort uint16 = 8000
)

// ServiceConfig is the persisted identity of the hosted service.
//
// It is loaded once at startup, or generated and saved when absent, and is
// not modified afterwards. ListenPort is both the local port the embedding
// application binds on 127.0.0.1 and the onion service's virtual port.
type ServiceConfig struct {
	// DataDir is the Tor data directory.
	DataDir string `yaml:"data_dir"`

	// OnionKey is the long-term service key, stored in the ADD_ONION blob
	// form "ED25519-V3:<base64>". It is secret.
	OnionKey *tor.OnionKey `yaml:"onion_key"`

	// ListenPort is the local and virtual port.
	ListenPort uint16 `yaml:"listen_port"`
}

// NewServiceConfig returns a configuration with default data directory
// and port and a freshly generated key.
func NewServiceConfig() (*ServiceConfig, error) {
	key, err := tor.GenerateOnionKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate onion key: %w", err)
	}
	return &ServiceConfig{
		DataDir:    DefaultDataDir,
		OnionKey:   key,
		ListenPort: DefaultListenPort,
	}, nil
}

// Validate checks that every field is usable.
func (c *ServiceConfig) Validate() error {
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}
	if c.OnionKey == nil {
		return ErrMissingOnionKey
	}
	if c.ListenPort == 0 {
		return ErrInvalidListenPort
	}
	return nil
}

// OnionAddress returns the service's ".onion" address.
func (c *ServiceConfig) OnionAddress() string {
	return c.OnionKey.Address()
}

// ListenAddr returns the local address the onion service forwards to.
func (c *ServiceConfig) ListenAddr() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), c.ListenPort)
}
