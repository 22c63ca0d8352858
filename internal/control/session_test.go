package control

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"net/textproto"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/onionhost/internal/control/controltest"
	"github.com/nao1215/onionhost/internal/tor"
)

const testPassword = "correct horse battery staple"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dialTest(t *testing.T, srv *controltest.Server, opts ...Option) *Session {
	t.Helper()

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := Dial(context.Background(), srv.Addr(), opts...)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func authenticated(t *testing.T, srv *controltest.Server, opts ...Option) *Session {
	t.Helper()

	s := dialTest(t, srv, opts...)
	if err := s.Authenticate(context.Background(), SecretFromString(testPassword)); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	return s
}

func TestDialUnreachable(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t)
	addr := srv.Addr()
	srv.Close()

	_, err := Dial(context.Background(), addr, WithLogger(quietLogger()), WithDialTimeout(time.Second))
	if !errors.Is(err, ErrConnection) {
		t.Errorf("Dial() error = %v, want ErrConnection", err)
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("correct secret", func(t *testing.T) {
		t.Parallel()

		srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
		s := dialTest(t, srv)

		if s.State() != StateUnauthenticated {
			t.Fatalf("State() = %v before auth", s.State())
		}
		if err := s.Authenticate(context.Background(), SecretFromString(testPassword)); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if s.State() != StateAuthenticated {
			t.Errorf("State() = %v, want %v", s.State(), StateAuthenticated)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()

		srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
		s := dialTest(t, srv)

		err := s.Authenticate(context.Background(), SecretFromString("wrong"))
		if !errors.Is(err, ErrAuth) {
			t.Fatalf("Authenticate() error = %v, want ErrAuth", err)
		}
		var replyErr *ReplyError
		if !errors.As(err, &replyErr) || replyErr.Code != StatusBadAuthentication {
			t.Errorf("Authenticate() error = %v, want 515 reply", err)
		}
		if s.State() != StateUnauthenticated {
			t.Errorf("State() = %v after failed auth", s.State())
		}

		// The daemon hangs up; later commands report a broken connection.
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("session did not observe the daemon closing the connection")
		}
		if _, err := s.ProtocolInfo(context.Background()); !errors.Is(err, ErrConnection) {
			t.Errorf("ProtocolInfo() after rejection error = %v, want ErrConnection", err)
		}
	})

	t.Run("twice", func(t *testing.T) {
		t.Parallel()

		srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
		s := authenticated(t, srv)

		err := s.Authenticate(context.Background(), SecretFromString(testPassword))
		if !errors.Is(err, ErrAlreadyAuthenticated) {
			t.Errorf("second Authenticate() error = %v, want ErrAlreadyAuthenticated", err)
		}
	})
}

func TestPrivilegedCommandsBeforeAuth(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
	s := dialTest(t, srv)
	ctx := context.Background()

	key, err := tor.GenerateOnionKey()
	if err != nil {
		t.Fatalf("GenerateOnionKey() error = %v", err)
	}

	checks := map[string]error{}
	_, checks["GETINFO"] = s.GetInfo(ctx, "version")
	_, checks["ADD_ONION"] = s.AddOnion(ctx, AddOnionRequest{
		Key:   key,
		Ports: []PortMapping{{VirtualPort: 80, Target: mustAddrPort(t, "127.0.0.1:8000")}},
	})
	checks["SETEVENTS"] = s.Subscribe(ctx, EventHSDesc)
	_, checks["raw"] = s.SendCommand(ctx, "SIGNAL NEWNYM")

	for name, err := range checks {
		if !errors.Is(err, ErrNotAuthenticated) {
			t.Errorf("%s before auth error = %v, want ErrNotAuthenticated", name, err)
		}
	}

	// Nothing reached the daemon.
	if got := srv.Commands(); len(got) != 0 {
		t.Errorf("daemon received %v, want nothing", got)
	}
}

func TestProtocolInfo(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t)
	s := dialTest(t, srv)

	info, err := s.ProtocolInfo(context.Background())
	if err != nil {
		t.Fatalf("ProtocolInfo() error = %v", err)
	}
	if !info.HasAuthMethod("HASHEDPASSWORD") {
		t.Errorf("AuthMethods = %v, want HASHEDPASSWORD", info.AuthMethods)
	}
	if info.TorVersion != "0.4.8.13" {
		t.Errorf("TorVersion = %q, want %q", info.TorVersion, "0.4.8.13")
	}
}

func TestSendCommandRejectsLineBreaks(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
	s := authenticated(t, srv)

	for _, cmd := range []string{"GETINFO version\r\nSIGNAL HALT", "", "   "} {
		if _, err := s.SendCommand(context.Background(), cmd); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("SendCommand(%q) error = %v, want ErrInvalidCommand", cmd, err)
		}
	}
}

func TestSendCommandNonOKIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
	s := authenticated(t, srv)

	reply, err := s.SendCommand(context.Background(), "FROBNICATE")
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if reply[len(reply)-1].StatusCode != 510 {
		t.Errorf("status = %d, want 510", reply[len(reply)-1].StatusCode)
	}
}

// scriptedServer accepts one connection and answers each command verb
// with a fixed raw line.
func scriptedServer(t *testing.T, replies map[string]string) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()

		r := textproto.NewReader(bufio.NewReader(nc))
		for {
			line, err := r.ReadLine()
			if err != nil {
				return
			}
			verb, _, _ := strings.Cut(line, " ")
			if _, err := io.WriteString(nc, replies[verb]+"\r\n"); err != nil {
				return
			}
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

func dialScripted(t *testing.T, replies map[string]string) *Session {
	t.Helper()

	s, err := Dial(context.Background(), scriptedServer(t, replies), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMalformedReplies(t *testing.T) {
	t.Parallel()

	t.Run("authenticate", func(t *testing.T) {
		t.Parallel()

		s := dialScripted(t, map[string]string{"AUTHENTICATE": "garbage"})

		err := s.Authenticate(context.Background(), SecretFromString(testPassword))
		if !errors.Is(err, ErrAuth) || !errors.Is(err, ErrMalformedReply) {
			t.Errorf("Authenticate() error = %v, want ErrAuth and ErrMalformedReply", err)
		}
		if errors.Is(err, ErrConnection) {
			t.Errorf("Authenticate() error = %v, must not be ErrConnection", err)
		}
		if s.State() != StateUnauthenticated {
			t.Errorf("State() = %v after malformed reply", s.State())
		}
	})

	t.Run("getinfo", func(t *testing.T) {
		t.Parallel()

		s := dialScripted(t, map[string]string{
			"AUTHENTICATE": "250 OK",
			"GETINFO":      `25x net/listeners/socks="1"`,
		})
		if err := s.Authenticate(context.Background(), SecretFromString(testPassword)); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}

		_, err := s.SocksListener(context.Background())
		if !errors.Is(err, ErrQuery) || !errors.Is(err, ErrMalformedReply) {
			t.Errorf("SocksListener() error = %v, want ErrQuery and ErrMalformedReply", err)
		}
		if errors.Is(err, ErrConnection) {
			t.Errorf("SocksListener() error = %v, must not be ErrConnection", err)
		}
	})
}

func TestCancelledCommandClosesSession(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t,
		controltest.WithPassword(testPassword),
		controltest.WithHandler("GETINFO", func(string) []string { return nil }),
	)
	s := authenticated(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.GetInfo(ctx, "version"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetInfo() error = %v, want deadline exceeded", err)
	}
	if _, err := s.GetInfo(context.Background(), "version"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetInfo() after abandoned command error = %v, want ErrClosed", err)
	}
}

func TestConcurrentCommandsKeepOrder(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
	s := authenticated(t, srv)

	const n = 20
	errs := make(chan error, n)
	for i := range n {
		go func() {
			key := "version"
			if i%2 == 0 {
				key = "net/listeners/socks"
			}
			value, err := s.GetInfo(context.Background(), key)
			if err == nil && key == "version" && value != "0.4.8.13" {
				err = errors.New("version reply matched to the wrong command: " + value)
			}
			if err == nil && key != "version" && value != "127.0.0.1:9050" {
				err = errors.New("socks reply matched to the wrong command: " + value)
			}
			errs <- err
		}()
	}
	for range n {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestDisconnectedEvent(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t, controltest.WithPassword(testPassword))
	s := authenticated(t, srv)

	srv.DropConnections()

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("events = %v, want a single Disconnected", got)
	}
	if _, ok := got[0].(Disconnected); !ok {
		t.Errorf("event = %T, want Disconnected", got[0])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := controltest.NewServer(t)
	s := dialTest(t, srv)

	if err := s.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	_ = s.Close()

	if _, err := s.ProtocolInfo(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("ProtocolInfo() after Close error = %v, want ErrClosed", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	names := []string{StateUnauthenticated.String(), StateAuthenticated.String(), StateEventSubscribed.String()}
	if !slices.Equal(names, []string{"unauthenticated", "authenticated", "event-subscribed"}) {
		t.Errorf("names = %v", names)
	}
	if !strings.HasPrefix(State(9).String(), "State(") {
		t.Errorf("unknown state = %q", State(9).String())
	}
}
