// Package mgmttest provides a scripted management daemon for tests. It
// binds a real socket and speaks just enough of the protocol to drive
// the client: greeting banner, optional password challenge, canned
// command replies.
package mgmttest

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// DefaultBanner mimics the greeting of a 2.4-series daemon.
const DefaultBanner = ">INFO:OpenVPN Management Interface Version 1 -- type 'help' for more info"

// Handler produces the reply to one received command. The returned
// string is written verbatim, so multi-line replies must embed their
// own line endings and terminator. Returning "" drops the connection,
// which is how the real daemon reacts to some failures.
type Handler func(cmd string) string

// Server is a fake management daemon bound to a real socket.
type Server struct {
	t       *testing.T
	ln      net.Listener
	network string

	password string
	banner   string
	handler  Handler

	mu       sync.Mutex
	commands []string
}

// Option configures the server before it starts serving.
type Option func(*Server)

// WithPassword makes the server demand a password before anything else.
func WithPassword(pw string) Option {
	return func(s *Server) { s.password = pw }
}

// WithBanner replaces the greeting banner.
func WithBanner(banner string) Option {
	return func(s *Server) { s.banner = banner }
}

// WithHandler sets the command responder.
func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

// WithTCP binds a loopback TCP port instead of a unix socket.
func WithTCP() Option {
	return func(s *Server) { s.network = "tcp" }
}

// Start launches the server and registers its shutdown with t.Cleanup.
// Connections are served one at a time, like the real daemon.
func Start(t *testing.T, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		t:       t,
		network: "unix",
		banner:  DefaultBanner,
		handler: func(string) string { return "ERROR: unknown command\r\n" },
	}
	for _, opt := range opts {
		opt(s)
	}

	addr := "127.0.0.1:0"
	if s.network == "unix" {
		addr = filepath.Join(t.TempDir(), "mgmt.sock")
	}
	ln, err := net.Listen(s.network, addr)
	if err != nil {
		t.Fatalf("mgmttest: listen %s: %v", s.network, err)
	}
	s.ln = ln
	t.Cleanup(func() { _ = ln.Close() })

	go s.serve()
	return s
}

// Network returns "unix" or "tcp".
func (s *Server) Network() string { return s.network }

// Addr returns the socket path or host:port to dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Commands returns every command line received so far, oldest first.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)

	if s.password != "" {
		// The challenge is deliberately sent without a newline.
		if _, err := io.WriteString(conn, "ENTER PASSWORD:"); err != nil {
			return
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimRight(line, "\r\n") != s.password {
			// Wrong password: the daemon drops the stream.
			return
		}
		if _, err := io.WriteString(conn, "SUCCESS: password is correct\r\n"); err != nil {
			return
		}
	}

	if _, err := io.WriteString(conn, s.banner+"\r\n"); err != nil {
		return
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		if cmd == "quit" || cmd == "exit" {
			return
		}
		reply := s.handler(cmd)
		if reply == "" {
			return
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

// Lines joins reply lines with CRLF and a trailing CRLF, matching the
// daemon's wire format.
func Lines(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

// Block renders a multi-line reply closed with the END terminator.
func Block(lines ...string) string {
	return Lines(append(append([]string{}, lines...), "END")...)
}
