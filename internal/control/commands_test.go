package control

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"github.com/nao1215/onionhost/internal/control/controltest"
	"github.com/nao1215/onionhost/internal/tor"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q) error = %v", s, err)
	}
	return addr
}

func mustKey(t *testing.T) *tor.OnionKey {
	t.Helper()
	key, err := tor.GenerateOnionKey()
	if err != nil {
		t.Fatalf("GenerateOnionKey() error = %v", err)
	}
	return key
}

func TestAddOnionRequestConversion(t *testing.T) {
	t.Parallel()

	key := mustKey(t)
	target := mustAddrPort(t, "127.0.0.1:8000")

	tests := []struct {
		name       string
		req        AddOnionRequest
		flags      []string
		maxStreams int
		ports      []string
	}{
		{
			name:  "detached",
			req:   AddOnionRequest{Key: key, Detach: true, Ports: []PortMapping{{VirtualPort: 80, Target: target}}},
			flags: []string{"Detach"},
			ports: []string{"80,127.0.0.1:8000"},
		},
		{
			name: "all flags",
			req: AddOnionRequest{
				Key: key, Detach: true, DiscardPK: true, MaxStreamsCloseCircuit: true, MaxStreams: 10,
				Ports: []PortMapping{{VirtualPort: 80, Target: target}, {VirtualPort: 443, Target: target}},
			},
			flags:      []string{"Detach", "DiscardPK", "MaxStreamsCloseCircuit"},
			maxStreams: 10,
			ports:      []string{"80,127.0.0.1:8000", "443,127.0.0.1:8000"},
		},
		{
			name:  "no flags",
			req:   AddOnionRequest{Key: key, Ports: []PortMapping{{VirtualPort: 8080, Target: target}}},
			ports: []string{"8080,127.0.0.1:8000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := tt.req.request()
			if err != nil {
				t.Fatalf("request() error = %v", err)
			}
			if blob := string(got.Key.Type()) + ":" + got.Key.Blob(); blob != key.Blob() {
				t.Errorf("key blob = %q, want the key's own blob", blob)
			}
			if !slices.Equal(got.Flags, tt.flags) {
				t.Errorf("Flags = %v, want %v", got.Flags, tt.flags)
			}
			if got.MaxStreams != tt.maxStreams {
				t.Errorf("MaxStreams = %d, want %d", got.MaxStreams, tt.maxStreams)
			}
			var ports []string
			for _, kv := range got.Ports {
				ports = append(ports, kv.Key+","+kv.Val)
			}
			if !slices.Equal(ports, tt.ports) {
				t.Errorf("Ports = %v, want %v", ports, tt.ports)
			}
		})
	}
}

func TestAddOnionRequestInvalid(t *testing.T) {
	t.Parallel()

	key := mustKey(t)
	target := mustAddrPort(t, "127.0.0.1:8000")

	tests := map[string]AddOnionRequest{
		"no key":       {Ports: []PortMapping{{VirtualPort: 80, Target: target}}},
		"no ports":     {Key: key},
		"zero virtual": {Key: key, Ports: []PortMapping{{Target: target}}},
		"no target":    {Key: key, Ports: []PortMapping{{VirtualPort: 80}}},
		"max streams":  {Key: key, MaxStreams: 70000, Ports: []PortMapping{{VirtualPort: 80, Target: target}}},
	}
	for name, req := range tests {
		if _, err := req.request(); !errors.Is(err, ErrProvision) {
			t.Errorf("%s: request() error = %v, want ErrProvision", name, err)
		}
	}
}

func TestAddOnion(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
	s := authenticated(t, srv)
	key := mustKey(t)

	reply, err := s.AddOnion(context.Background(), AddOnionRequest{
		Key:    key,
		Detach: true,
		Ports:  []PortMapping{{VirtualPort: 8000, Target: mustAddrPort(t, "127.0.0.1:8000")}},
	})
	if err != nil {
		t.Fatalf("AddOnion() error = %v", err)
	}
	if reply.ServiceID != key.ServiceID() {
		t.Errorf("ServiceID = %q, want %q", reply.ServiceID, key.ServiceID())
	}
	if reply.Address() != key.Address() {
		t.Errorf("Address() = %q, want %q", reply.Address(), key.Address())
	}

	// A second ADD_ONION of the same key collides.
	_, err = s.AddOnion(context.Background(), AddOnionRequest{
		Key:   key,
		Ports: []PortMapping{{VirtualPort: 8000, Target: mustAddrPort(t, "127.0.0.1:8000")}},
	})
	var replyErr *ReplyError
	if !errors.Is(err, ErrProvision) || !errors.As(err, &replyErr) {
		t.Errorf("duplicate AddOnion() error = %v, want ErrProvision with reply", err)
	}

	if err := s.DelOnion(context.Background(), key.Address()); err != nil {
		t.Errorf("DelOnion() error = %v", err)
	}
	if err := s.DelOnion(context.Background(), key.ServiceID()); !errors.Is(err, ErrProvision) {
		t.Errorf("second DelOnion() error = %v, want ErrProvision", err)
	}
}

func TestAddOnionMismatchedServiceID(t *testing.T) {
	t.Parallel()

	other := mustKey(t)
	srv := controltest.NewServer(t,
		controltest.WithPassword(testPassword),
		controltest.WithHandler("ADD_ONION", func(string) []string {
			return []string{"250-ServiceID=" + other.ServiceID(), "250 OK"}
		}),
	)
	s := authenticated(t, srv)

	_, err := s.AddOnion(context.Background(), AddOnionRequest{
		Key:   mustKey(t),
		Ports: []PortMapping{{VirtualPort: 80, Target: mustAddrPort(t, "127.0.0.1:8000")}},
	})
	if !errors.Is(err, ErrProvision) {
		t.Errorf("AddOnion() error = %v, want ErrProvision", err)
	}
}

func TestAddOnionMissingServiceID(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t,
		controltest.WithPassword(testPassword),
		controltest.WithHandler("ADD_ONION", func(string) []string { return []string{"250 OK"} }),
	)
	s := authenticated(t, srv)

	_, err := s.AddOnion(context.Background(), AddOnionRequest{
		Key:   mustKey(t),
		Ports: []PortMapping{{VirtualPort: 80, Target: mustAddrPort(t, "127.0.0.1:8000")}},
	})
	if !errors.Is(err, ErrProvision) {
		t.Errorf("AddOnion() error = %v, want ErrProvision", err)
	}
}

func TestGetInfo(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t,
		controltest.WithPassword(testPassword),
		controltest.WithSocksListener(`"127.0.0.1:9150"`),
	)
	s := authenticated(t, srv)
	ctx := context.Background()

	got, err := s.GetInfo(ctx, "net/listeners/socks")
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if got != "127.0.0.1:9150" {
		t.Errorf("GetInfo() = %q, want %q", got, "127.0.0.1:9150")
	}

	_, err = s.GetInfo(ctx, "no/such/key")
	var replyErr *ReplyError
	if !errors.Is(err, ErrQuery) || !errors.As(err, &replyErr) || replyErr.Code != StatusUnrecognizedEntity {
		t.Errorf("GetInfo(unknown) error = %v, want ErrQuery with 552", err)
	}

	if _, err := s.GetInfo(ctx, "two keys"); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("GetInfo(two keys) error = %v, want ErrInvalidCommand", err)
	}
}

func TestGetInfoDataBlock(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
	s := authenticated(t, srv)
	key := mustKey(t)

	if _, err := s.AddOnion(context.Background(), AddOnionRequest{
		Key:   key,
		Ports: []PortMapping{{VirtualPort: 80, Target: mustAddrPort(t, "127.0.0.1:8000")}},
	}); err != nil {
		t.Fatalf("AddOnion() error = %v", err)
	}

	got, err := s.GetInfo(context.Background(), "onions/current")
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if strings.TrimSpace(got) != key.ServiceID() {
		t.Errorf("GetInfo(onions/current) = %q, want %q", got, key.ServiceID())
	}
}

func TestSocksListener(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t,
		controltest.WithPassword(testPassword),
		controltest.WithSocksListener(`"127.0.0.1:9150" "[::1]:9150"`),
	)
	s := authenticated(t, srv)

	addr, err := s.SocksListener(context.Background())
	if err != nil {
		t.Fatalf("SocksListener() error = %v", err)
	}
	if addr != mustAddrPort(t, "127.0.0.1:9150") {
		t.Errorf("SocksListener() = %v, want 127.0.0.1:9150", addr)
	}
}

func TestParseListener(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "127.0.0.1:9050", want: "127.0.0.1:9050"},
		{in: `127.0.0.1:9050" "[::1]:9050`, want: "127.0.0.1:9050"},
		{in: "[::1]:9050", want: "[::1]:9050"},
		{in: "", wantErr: true},
		{in: "localhost:9050", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseListener(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrQuery) {
				t.Errorf("ParseListener(%q) error = %v, want ErrQuery", tt.in, err)
			}
			continue
		}
		if err != nil || got.String() != tt.want {
			t.Errorf("ParseListener(%q) = %v, %v; want %s", tt.in, got, err, tt.want)
		}
	}
}
