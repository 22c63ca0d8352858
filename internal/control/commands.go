package control

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	bine "github.com/cretz/bine/control"
	"github.com/nao1215/onionhost/internal/tor"
)

// PortMapping routes a virtual onion port to a local target.
type PortMapping struct {
	// VirtualPort is the port clients connect to on the onion address.
	VirtualPort uint16

	// Target is the local listener, usually 127.0.0.1:<port>.
	Target netip.AddrPort
}

func (m PortMapping) String() string {
	return strconv.Itoa(int(m.VirtualPort)) + "," + m.Target.String()
}

// AddOnionRequest describes an ADD_ONION command.
type AddOnionRequest struct {
	// Key is the service identity. Required.
	Key *tor.OnionKey

	// Ports must contain at least one mapping.
	Ports []PortMapping

	// Detach keeps the service alive after this control connection closes.
	Detach bool

	// DiscardPK asks the daemon not to echo the private key.
	DiscardPK bool

	// MaxStreamsCloseCircuit closes the circuit when MaxStreams is exceeded.
	MaxStreamsCloseCircuit bool

	// MaxStreams limits concurrent streams per rendezvous circuit.
	// 0 leaves the daemon default (unlimited).
	MaxStreams int
}

// request validates r and converts it to the wire request. The result
// carries the secret key.
func (r *AddOnionRequest) request() (*bine.AddOnionRequest, error) {
	if r.Key == nil {
		return nil, fmt.Errorf("%w: key is required", ErrProvision)
	}
	if len(r.Ports) == 0 {
		return nil, fmt.Errorf("%w: at least one port mapping is required", ErrProvision)
	}
	if r.MaxStreams < 0 || r.MaxStreams > 65535 {
		return nil, fmt.Errorf("%w: MaxStreams out of range: %d", ErrProvision, r.MaxStreams)
	}

	req := &bine.AddOnionRequest{
		Key:        &bine.ED25519Key{KeyPair: r.Key.KeyPair()},
		MaxStreams: r.MaxStreams,
	}
	if r.Detach {
		req.Flags = append(req.Flags, "Detach")
	}
	if r.DiscardPK {
		req.Flags = append(req.Flags, "DiscardPK")
	}
	if r.MaxStreamsCloseCircuit {
		req.Flags = append(req.Flags, "MaxStreamsCloseCircuit")
	}

	for _, p := range r.Ports {
		if p.VirtualPort == 0 || !p.Target.IsValid() || p.Target.Port() == 0 {
			return nil, fmt.Errorf("%w: invalid port mapping %q", ErrProvision, p.String())
		}
		req.Ports = append(req.Ports, bine.NewKeyVal(strconv.Itoa(int(p.VirtualPort)), p.Target.String()))
	}
	return req, nil
}

// AddOnionReply is the daemon's answer to ADD_ONION.
type AddOnionReply struct {
	// ServiceID is the address without ".onion".
	ServiceID string
}

// Address returns the full ".onion" address.
func (r *AddOnionReply) Address() string {
	return r.ServiceID + tor.OnionSuffix
}

// AddOnion creates an onion service. Requires authentication.
//
// The returned service id is checked against the one derived from the key.
func (s *Session) AddOnion(ctx context.Context, req AddOnionRequest) (*AddOnionReply, error) {
	wireReq, err := req.request()
	if err != nil {
		return nil, err
	}
	if s.State() == StateUnauthenticated {
		return nil, fmt.Errorf("%w: ADD_ONION", ErrNotAuthenticated)
	}

	var resp *bine.AddOnionResponse
	err = s.exchange(ctx, "ADD_ONION", func(c *bine.Conn) error {
		var err error
		resp, err = c.AddOnion(wireReq)
		return err
	})
	if err != nil {
		if isConnectionError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}

	serviceID := resp.ServiceID
	if serviceID == "" {
		return nil, fmt.Errorf("%w: reply has no ServiceID", ErrProvision)
	}
	if want := req.Key.ServiceID(); serviceID != want {
		return nil, fmt.Errorf("%w: daemon created %s, key derives %s", ErrProvision, serviceID, want)
	}

	s.logger.Info("onion service added", "serviceID", serviceID, "ports", len(req.Ports), "detached", req.Detach)
	return &AddOnionReply{ServiceID: serviceID}, nil
}

// DelOnion removes a service created by this or, if detached, any session.
func (s *Session) DelOnion(ctx context.Context, serviceID string) error {
	serviceID = tor.ServiceIDFromAddress(serviceID)
	if serviceID == "" || strings.ContainsAny(serviceID, " \t\r\n") {
		return fmt.Errorf("%w: bad service id %q", ErrInvalidCommand, serviceID)
	}
	if s.State() == StateUnauthenticated {
		return fmt.Errorf("%w: DEL_ONION", ErrNotAuthenticated)
	}

	err := s.exchange(ctx, "DEL_ONION", func(c *bine.Conn) error {
		return c.DelOnion(serviceID)
	})
	if err != nil {
		if isConnectionError(err) {
			return err
		}
		return fmt.Errorf("%w: DEL_ONION: %w", ErrProvision, err)
	}
	return nil
}

// GetInfo queries a runtime variable and returns its value with surrounding
// quotes removed. Requires authentication.
func (s *Session) GetInfo(ctx context.Context, key string) (string, error) {
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return "", fmt.Errorf("%w: bad key %q", ErrInvalidCommand, key)
	}
	if s.State() == StateUnauthenticated {
		return "", fmt.Errorf("%w: GETINFO", ErrNotAuthenticated)
	}

	var values []*bine.KeyVal
	err := s.exchange(ctx, "GETINFO", func(c *bine.Conn) error {
		var err error
		values, err = c.GetInfo(key)
		return err
	})
	if err != nil {
		if isConnectionError(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %w", ErrQuery, key, err)
	}

	for _, kv := range values {
		if kv.Key == key {
			return unquote(blockValue(kv.Val)), nil
		}
	}
	return "", fmt.Errorf("%w: reply has no value for %s", ErrQuery, key)
}

// SocksListener returns the first SOCKS listener reported by
// GETINFO net/listeners/socks.
func (s *Session) SocksListener(ctx context.Context) (netip.AddrPort, error) {
	value, err := s.GetInfo(ctx, "net/listeners/socks")
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ParseListener(value)
}

// ParseListener parses the first address of a listener list such as
// `127.0.0.1:9050" "[::1]:9050`.
func ParseListener(value string) (netip.AddrPort, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: no listener reported", ErrQuery)
	}
	addr, err := netip.ParseAddrPort(strings.Trim(fields[0], `"`))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return addr, nil
}
