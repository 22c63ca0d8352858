// Package controltest provides an in-process fake Tor control port for
// tests. It speaks enough of the protocol for the bootstrap sequence:
// PROTOCOLINFO, AUTHENTICATE (hashed password), GETINFO, ADD_ONION,
// DEL_ONION, SETEVENTS and QUIT.
package controltest

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nao1215/onionhost/internal/tor"
)

// Handler overrides the reply to one command verb. It receives the
// arguments and returns the raw lines to send. Returning nil sends nothing,
// which leaves the client waiting.
type Handler func(args string) []string

// Server is a fake control port listening on 127.0.0.1.
type Server struct {
	listener net.Listener

	password      string
	socksListener string
	torVersion    string
	uploads       int
	handlers      map[string]Handler

	mu       sync.Mutex
	commands []string
	services map[string]bool
	conns    map[*conn]bool
	wg       sync.WaitGroup
	closed   bool
}

// Option configures a Server.
type Option func(*Server)

// WithPassword sets the plaintext password AUTHENTICATE must carry.
func WithPassword(password string) Option {
	return func(s *Server) {
		s.password = password
	}
}

// WithSocksListener sets the raw value returned for net/listeners/socks,
// including quotes, e.g. `"127.0.0.1:9050"`.
func WithSocksListener(value string) Option {
	return func(s *Server) {
		s.socksListener = value
	}
}

// WithDescriptorUploads makes the server emit n HS_DESC UPLOADED events
// after each ADD_ONION on connections subscribed to HS_DESC.
func WithDescriptorUploads(n int) Option {
	return func(s *Server) {
		s.uploads = n
	}
}

// WithHandler overrides the reply for verb.
func WithHandler(verb string, h Handler) Option {
	return func(s *Server) {
		s.handlers[strings.ToUpper(verb)] = h
	}
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("controltest: failed to listen: %v", err)
	}

	s := &Server{
		listener:      ln,
		socksListener: `"127.0.0.1:9050"`,
		torVersion:    "0.4.8.13",
		handlers:      make(map[string]Handler),
		services:      make(map[string]bool),
		conns:         make(map[*conn]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listening address.
func (s *Server) Addr() netip.AddrPort {
	return netip.MustParseAddrPort(s.listener.Addr().String())
}

// WriteControlPortFile writes the announcement file the daemon would
// write into dataDir.
func (s *Server) WriteControlPortFile(dataDir string) error {
	content := "PORT=" + s.Addr().String() + "\n"
	return os.WriteFile(filepath.Join(dataDir, tor.ControlPortFileName), []byte(content), 0600)
}

// Commands returns the verbs received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Services returns the ids of the services currently registered.
func (s *Server) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	return ids
}

// Emit sends raw lines to every authenticated connection.
func (s *Server) Emit(lines ...string) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if c.isAuthenticated() {
			c.send(lines...)
		}
	}
}

// DropConnections closes every client connection, simulating a daemon crash.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.nc.Close()
	}
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.listener.Close()
	for c := range s.conns {
		_ = c.nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}

		c := &conn{
			server: s,
			nc:     nc,
			r:      textproto.NewReader(bufio.NewReader(nc)),
			w:      textproto.NewWriter(bufio.NewWriter(nc)),
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c] = true
		s.wg.Add(1)
		s.mu.Unlock()

		go c.serve()
	}
}

func (s *Server) record(verb string) {
	s.mu.Lock()
	s.commands = append(s.commands, verb)
	s.mu.Unlock()
}

type conn struct {
	server *Server
	nc     net.Conn
	r      *textproto.Reader

	wmu           sync.Mutex
	w             *textproto.Writer
	authenticated bool
	subscribed    bool
}

func (c *conn) isAuthenticated() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.authenticated
}

func (c *conn) send(lines ...string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for _, line := range lines {
		if err := c.w.PrintfLine("%s", line); err != nil {
			return
		}
	}
}

func (c *conn) serve() {
	defer c.server.wg.Done()
	defer func() {
		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
		_ = c.nc.Close()
	}()

	for {
		line, err := c.r.ReadLine()
		if err != nil {
			return
		}
		verb, args, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		c.server.record(verb)

		if h, ok := c.server.handlers[verb]; ok {
			if lines := h(args); lines != nil {
				c.send(lines...)
			}
			continue
		}
		if !c.handle(verb, args) {
			return
		}
	}
}

// handle answers one command and reports whether to keep the connection.
func (c *conn) handle(verb, args string) bool {
	switch verb {
	case "PROTOCOLINFO":
		c.send(
			"250-PROTOCOLINFO 1",
			"250-AUTH METHODS=HASHEDPASSWORD",
			fmt.Sprintf("250-VERSION Tor=%q", c.server.torVersion),
			"250 OK",
		)
		return true
	case "AUTHENTICATE":
		return c.authenticate(args)
	case "QUIT":
		c.send("250 closing connection")
		return false
	}

	if !c.isAuthenticated() {
		c.send("514 Authentication required.")
		return false
	}

	switch verb {
	case "GETINFO":
		c.getInfo(args)
	case "ADD_ONION":
		c.addOnion(args)
	case "DEL_ONION":
		c.delOnion(args)
	case "SETEVENTS":
		c.wmu.Lock()
		c.subscribed = false
		for _, name := range strings.Fields(args) {
			if strings.EqualFold(name, "HS_DESC") {
				c.subscribed = true
			}
		}
		c.wmu.Unlock()
		c.send("250 OK")
	default:
		c.send(fmt.Sprintf("510 Unrecognized command %q", verb))
	}
	return true
}

func (c *conn) authenticate(args string) bool {
	password, err := hex.DecodeString(strings.TrimSpace(args))
	if err != nil || string(password) != c.server.password {
		c.send("515 Authentication failed: Password did not match HashedControlPassword value from configuration")
		return false
	}

	c.wmu.Lock()
	c.authenticated = true
	c.wmu.Unlock()
	c.send("250 OK")
	return true
}

func (c *conn) getInfo(args string) {
	switch key := strings.TrimSpace(args); key {
	case "net/listeners/socks":
		c.send("250-net/listeners/socks="+c.server.socksListener, "250 OK")
	case "version":
		c.send("250-version="+c.server.torVersion, "250 OK")
	case "onions/current":
		ids := c.server.Services()
		c.send("250+onions/current=")
		c.send(ids...)
		c.send(".", "250 OK")
	default:
		c.send(fmt.Sprintf("552 Unrecognized key %q", key))
	}
}

func (c *conn) addOnion(args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		c.send("512 Missing argument to ADD_ONION")
		return
	}

	key, err := tor.ParseOnionKey(fields[0])
	if err != nil {
		c.send("513 Failed to decode ED25519-V3 key")
		return
	}

	hasPort := false
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "Port=") {
			hasPort = true
		}
	}
	if !hasPort {
		c.send("512 Missing 'Port' argument")
		return
	}

	id := key.ServiceID()
	c.server.mu.Lock()
	if c.server.services[id] {
		c.server.mu.Unlock()
		c.send("550 Onion address collision")
		return
	}
	c.server.services[id] = true
	c.server.mu.Unlock()

	c.send("250-ServiceID="+id, "250 OK")

	c.wmu.Lock()
	subscribed := c.subscribed
	c.wmu.Unlock()
	if subscribed {
		for i := range c.server.uploads {
			c.send(fmt.Sprintf("650 HS_DESC UPLOADED %s UNKNOWN $%040X", id, i))
		}
	}
}

func (c *conn) delOnion(args string) {
	id := strings.TrimSpace(args)
	c.server.mu.Lock()
	ok := c.server.services[id]
	delete(c.server.services, id)
	c.server.mu.Unlock()

	if !ok {
		c.send("552 Unknown Onion Service id")
		return
	}
	c.send("250 OK")
}
