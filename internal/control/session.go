package control

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bine "github.com/cretz/bine/control"
)

// State is the authentication state of a Session.
type State int32

const (
	// StateUnauthenticated is the state of a freshly dialed session.
	StateUnauthenticated State = iota
	// StateAuthenticated is entered after a successful AUTHENTICATE.
	StateAuthenticated
	// StateEventSubscribed is entered after a successful SETEVENTS.
	StateEventSubscribed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateEventSubscribed:
		return "event-subscribed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DefaultEventBuffer is the capacity of the event channel.
const DefaultEventBuffer = 64

// preAuthCommands may be sent before authentication.
var preAuthCommands = map[string]bool{
	"AUTHENTICATE":  true,
	"AUTHCHALLENGE": true,
	"PROTOCOLINFO":  true,
	"QUIT":          true,
}

// Session is an open control connection.
//
// All methods are safe for concurrent use; commands are serialized.
type Session struct {
	conn   net.Conn
	ctrl   *bine.Conn
	logger *slog.Logger

	// mu serializes commands so replies can be matched by order.
	mu sync.Mutex
	// subscribed is the current SETEVENTS set. Guarded by mu.
	subscribed []bine.EventCode

	state   atomic.Int32
	dropped atomic.Uint64

	// incoming receives parsed events from the control connection;
	// forwardEvents is its only reader.
	incoming chan bine.Event
	events   chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closing   chan struct{}
	// pumpDone is closed when the event pump has stopped reading.
	pumpDone chan struct{}
	// done is closed after the event channel, once the connection ended.
	done    chan struct{}
	readErr error
}

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	logger      *slog.Logger
	eventBuffer int
	dialTimeout time.Duration
}

// WithLogger sets the logger. Command verbs are logged at debug level;
// arguments never are, since they may carry secrets.
func WithLogger(logger *slog.Logger) Option {
	return func(c *sessionConfig) {
		c.logger = logger
	}
}

// WithEventBuffer sets the event channel capacity. Events arriving while the
// channel is full are dropped and counted.
func WithEventBuffer(size int) Option {
	return func(c *sessionConfig) {
		c.eventBuffer = size
	}
}

// WithDialTimeout bounds the TCP connect when the context has no deadline.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *sessionConfig) {
		c.dialTimeout = timeout
	}
}

func newSessionConfig(opts []Option) sessionConfig {
	cfg := sessionConfig{
		logger:      slog.Default(),
		eventBuffer: DefaultEventBuffer,
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.eventBuffer < 0 {
		cfg.eventBuffer = 0
	}
	return cfg
}

// Dial opens a control session to addr. The session starts unauthenticated.
func Dial(ctx context.Context, addr netip.AddrPort, opts ...Option) (*Session, error) {
	cfg := newSessionConfig(opts)

	if _, ok := ctx.Deadline(); !ok && cfg.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.dialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	cfg.logger.Debug("control connection opened", "address", addr.String())
	return newSession(conn, cfg), nil
}

// NewSession wraps an already established connection.
func NewSession(conn net.Conn, opts ...Option) *Session {
	return newSession(conn, newSessionConfig(opts))
}

func newSession(conn net.Conn, cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:     conn,
		ctrl:     bine.NewConn(textproto.NewConn(conn)),
		logger:   cfg.logger,
		incoming: make(chan bine.Event, cfg.eventBuffer+1),
		events:   make(chan Event, cfg.eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		closing:  make(chan struct{}),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.pump()
	go s.forwardEvents()
	return s
}

// pump reads asynchronous replies between commands. Replies to commands
// are read by the command itself; events that arrive in front of a reply
// are relayed by whichever side reads them.
func (s *Session) pump() {
	defer close(s.pumpDone)

	err := s.ctrl.HandleEvents(s.ctx)
	select {
	case <-s.closing:
		return
	default:
	}

	if malformed(err) {
		// A command in flight may still read the offending line itself.
		s.readErr = fmt.Errorf("%w: %w", ErrMalformedReply, err)
		return
	}
	s.readErr = err
	_ = s.conn.Close()
}

// forwardEvents converts and queues events until the pump stops, then
// reports the disconnect and closes the event channel.
func (s *Session) forwardEvents() {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case ev := <-s.incoming:
			s.deliver(convertEvent(ev))
		case <-s.pumpDone:
		drain:
			for {
				select {
				case ev := <-s.incoming:
					s.deliver(convertEvent(ev))
				default:
					break drain
				}
			}
			select {
			case <-s.closing:
			default:
				s.logger.Debug("control connection lost", "error", s.readErr)
				s.deliver(Disconnected{Err: s.readErr})
			}
			return
		}
	}
}

// deliver queues an event without ever blocking the connection reader.
func (s *Session) deliver(ev Event) {
	select {
	case s.events <- ev:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("control event dropped, consumer too slow", "event", ev.EventName(), "dropped", n)
	}
}

// State returns the current authentication state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Events returns the channel of asynchronous events. It is closed when the
// connection ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// DroppedEvents returns how many events were discarded because the event
// channel was full.
func (s *Session) DroppedEvents() uint64 {
	return s.dropped.Load()
}

// Done is closed once the connection has ended and the event channel has
// been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// RemoteAddr returns the daemon's address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close ends the session. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		err = s.conn.Close()
		s.logger.Debug("control connection closed")
	})
	return err
}

// SendCommand sends one raw command line and returns the complete reply.
//
// A non-250 reply is not an error at this level; callers inspect
// StatusCode. Privileged commands fail with ErrNotAuthenticated before
// authentication without being written. If ctx ends while the command is in
// flight the session is closed, because the unread reply would otherwise be
// matched to the next command.
func (s *Session) SendCommand(ctx context.Context, command string) ([]ReplyLine, error) {
	if strings.ContainsAny(command, "\r\n") {
		return nil, fmt.Errorf("%w: command contains a line break", ErrInvalidCommand)
	}
	verb := commandVerb(command)
	if verb == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	if !preAuthCommands[verb] && s.State() == StateUnauthenticated {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, verb)
	}

	var reply []ReplyLine
	err := s.exchange(ctx, verb, func(c *bine.Conn) error {
		resp, err := c.SendRequest("%s", command)
		if resp != nil {
			reply = replyLines(resp)
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// exchange runs one command against the connection while holding the
// command lock. fn reads its own reply; a daemon rejection comes back as a
// *ReplyError.
func (s *Session) exchange(ctx context.Context, verb string, fn func(c *bine.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	select {
	case <-s.pumpDone:
		return s.connectionLost()
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	s.logger.Debug("sending control command", "command", verb)
	result := make(chan error, 1)
	go func() { result <- fn(s.ctrl) }()

	select {
	case err := <-result:
		return s.commandError(verb, err)
	case <-ctx.Done():
		_ = s.Close()
		<-result
		return fmt.Errorf("%w: %s abandoned, session closed: %w", ErrConnection, verb, ctx.Err())
	}
}

// commandError classifies the outcome of one exchange.
func (s *Session) commandError(verb string, err error) error {
	if err == nil {
		s.logger.Debug("control reply received", "command", verb, "status", StatusOK)
		return nil
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		s.logger.Debug("control reply received", "command", verb, "status", tpErr.Code)
		return &ReplyError{Code: tpErr.Code, Message: tpErr.Msg}
	}
	if malformed(err) {
		// The stream position is unknown, so nothing after this can be trusted.
		_ = s.Close()
		return fmt.Errorf("%w: %s: %w", ErrMalformedReply, verb, err)
	}

	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	_ = s.Close()
	return fmt.Errorf("%w: %s: %w", ErrConnection, verb, err)
}

// connectionLost builds the error for a connection the pump saw end.
// Only valid after pumpDone is closed.
func (s *Session) connectionLost() error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	if s.readErr == nil {
		return ErrConnection
	}
	if errors.Is(s.readErr, ErrMalformedReply) {
		return s.readErr
	}
	return fmt.Errorf("%w: %w", ErrConnection, s.readErr)
}

// malformed reports whether err comes from a reply line that broke the
// "<code><separator><text>" grammar.
func malformed(err error) bool {
	var protoErr textproto.ProtocolError
	var numErr *strconv.NumError
	return errors.As(err, &protoErr) || errors.As(err, &numErr) || errors.Is(err, ErrMalformedReply)
}

// Authenticate sends AUTHENTICATE with the hex-encoded secret.
//
// Tor closes the connection after a rejected credential, so a failed
// session is only good for Close.
func (s *Session) Authenticate(ctx context.Context, secret Secret) error {
	if s.State() != StateUnauthenticated {
		return ErrAlreadyAuthenticated
	}

	command := "AUTHENTICATE"
	if !secret.IsZero() {
		command += " " + hex.EncodeToString([]byte(secret.Reveal()))
	}

	err := s.exchange(ctx, "AUTHENTICATE", func(c *bine.Conn) error {
		_, err := c.SendRequest("%s", command)
		return err
	})
	if err != nil {
		var replyErr *ReplyError
		switch {
		case errors.As(err, &replyErr):
			s.logger.Warn("control authentication rejected", "status", replyErr.Code)
		case !errors.Is(err, ErrMalformedReply):
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}

	s.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticated))
	s.logger.Debug("control session authenticated")
	return nil
}

// ProtocolInfo describes the daemon as reported by PROTOCOLINFO.
type ProtocolInfo struct {
	// AuthMethods lists accepted methods, e.g. HASHEDPASSWORD or COOKIE.
	AuthMethods []string

	// CookieFile is the authentication cookie path, when cookie auth is on.
	CookieFile string

	// TorVersion is the daemon version string.
	TorVersion string
}

// HasAuthMethod reports whether method is accepted.
func (p *ProtocolInfo) HasAuthMethod(method string) bool {
	for _, m := range p.AuthMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// ProtocolInfo queries the daemon's version and accepted auth methods.
// It is allowed before authentication.
func (s *Session) ProtocolInfo(ctx context.Context) (*ProtocolInfo, error) {
	var raw *bine.ProtocolInfo
	err := s.exchange(ctx, "PROTOCOLINFO", func(c *bine.Conn) error {
		var err error
		raw, err = c.ProtocolInfo()
		return err
	})
	if err != nil {
		if isConnectionError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: PROTOCOLINFO: %w", ErrQuery, err)
	}
	return &ProtocolInfo{
		AuthMethods: raw.AuthMethods,
		CookieFile:  raw.CookieFile,
		TorVersion:  raw.TorVersion,
	}, nil
}

// isConnectionError reports whether err is a session-level failure that
// callers should see unwrapped.
func isConnectionError(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func commandVerb(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
