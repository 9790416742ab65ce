// Package ssh serves an interactive console over SSH. Every session works
// on its own bucket handle, so staged writes are private to the session
// until it commits.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"treekv/internal/identity"
	"treekv/internal/kv"
	"treekv/internal/logging"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

var sshlog = logging.For("ssh")

// Opener returns a fresh bucket handle for a new session.
type Opener func(ctx context.Context) (*kv.Bucket, error)

// Server is an SSH server that exposes a bucket console to connected users.
type Server struct {
	addr     string
	id       *identity.Identity
	open     Opener
	commands *CommandRegistry
	authKeys []gossh.PublicKey
	config   *gossh.ServerConfig
	listener net.Listener
	ctx      context.Context

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates an SSH server. authKeysPath points to an authorized_keys
// file in OpenSSH format. If the file doesn't exist, the server starts but
// rejects all connections.
func NewServer(addr string, id *identity.Identity, open Opener, authKeysPath string) (*Server, error) {
	if open == nil {
		return nil, fmt.Errorf("ssh: nil bucket opener")
	}
	registry := NewCommandRegistry()
	registry.RegisterBuiltins()

	s := &Server{
		addr:     addr,
		id:       id,
		open:     open,
		commands: registry,
		ctx:      context.Background(),
		conns:    make(map[net.Conn]struct{}),
	}

	s.authKeys = loadAuthorizedKeys(authKeysPath)
	if len(s.authKeys) == 0 {
		sshlog.Warn("no authorized keys loaded", "path", authKeysPath)
	}

	s.config = &gossh.ServerConfig{
		PublicKeyCallback: s.publicKeyCallback,
	}
	s.config.AddHostKey(id.SSHSigner)

	return s, nil
}

// Listen binds the server socket. Call Serve to start accepting connections.
// Once Listen is called, the command registry is frozen and no new commands
// can be registered.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.commands.Freeze()
	sshlog.Info("console listening", "addr", ln.Addr().String(), "host_key", s.id.Fingerprint)

	return nil
}

// Addr returns the listener's address. Useful when listening on :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Serve accepts SSH connections until ctx is cancelled. Call Listen first.
// Sessions run their bucket operations under ctx.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.ctx = ctx
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			sshlog.Warn("accept error", "err", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// Start is a convenience that calls Listen + Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serveContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) publicKeyCallback(meta gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
	keyBytes := key.Marshal()
	for _, authorized := range s.authKeys {
		if bytes.Equal(keyBytes, authorized.Marshal()) {
			return &gossh.Permissions{}, nil
		}
	}
	return nil, fmt.Errorf("unknown public key for %s", meta.User())
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	defer s.removeConn(conn)

	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.config)
	if err != nil {
		sshlog.Warn("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	defer func() { _ = sshConn.Close() }()

	sshlog.Info("client connected", "remote", conn.RemoteAddr(), "user", sshConn.User())
	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			sshlog.Warn("channel accept error", "err", err)
			continue
		}
		go s.handleSession(channel, requests, sshConn)
	}
}

// handleSession serves one channel: an interactive shell once "shell" is
// requested, or a single command line for "exec".
func (s *Server) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request, conn *gossh.ServerConn) {
	defer func() { _ = ch.Close() }()

	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			reply(req, true)
		case "shell":
			reply(req, true)
			go refuseRequests(reqs)
			s.runTerminal(ch, conn)
			return
		case "exec":
			var payload struct{ Command string }
			if err := gossh.Unmarshal(req.Payload, &payload); err != nil {
				reply(req, false)
				continue
			}
			reply(req, true)
			go refuseRequests(reqs)
			status := s.runExec(ch, conn, payload.Command)
			_, _ = ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			reply(req, false)
		}
	}
}

func reply(req *gossh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

func refuseRequests(reqs <-chan *gossh.Request) {
	for req := range reqs {
		reply(req, false)
	}
}

func prompt(b *kv.Bucket) string {
	return fmt.Sprintf("[%s@%s]> ", b.Branch(), b.Head().Short())
}

func (s *Server) openSession(w *term.Terminal, user string) (*kv.Bucket, bool) {
	bucket, err := s.open(s.serveContext())
	if err != nil {
		sshlog.Error("opening bucket for session", "user", user, "err", err)
		_, _ = fmt.Fprintf(w, "error: %v\r\n", err)
		return nil, false
	}
	sshlog.Debug("session opened", "user", user, "path", bucket.Path(), "head", bucket.Head().Short())
	return bucket, true
}

func (s *Server) closeSession(bucket *kv.Bucket, user string) {
	if n := len(bucket.Staged()); n > 0 {
		sshlog.Info("session closed with uncommitted changes", "user", user, "discarded", n)
	}
	sshlog.Debug("session closed", "user", user)
}

func (s *Server) runTerminal(ch gossh.Channel, conn *gossh.ServerConn) {
	ctx := s.serveContext()
	user := conn.User()
	terminal := term.NewTerminal(ch, "> ")

	bucket, ok := s.openSession(terminal, user)
	if !ok {
		return
	}
	defer s.closeSession(bucket, user)
	terminal.SetPrompt(prompt(bucket))

	_, _ = fmt.Fprintf(terminal, "Welcome to treekv at %s!\r\n", bucket.Path())
	_, _ = fmt.Fprintln(terminal, "Type /help for commands.")
	_, _ = fmt.Fprintln(terminal, "")

	for {
		line, err := terminal.ReadLine()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			_, _ = fmt.Fprintln(terminal, "Commands start with / (try /help)")
			continue
		}
		if s.commands.Dispatch(ctx, line, user, bucket, terminal) {
			return
		}
		terminal.SetPrompt(prompt(bucket))
	}
}

// runExec runs the ";"-separated commands of an exec request against one
// bucket handle and returns the exit status. The first line that fails stops
// the run with status 1; so do a bucket that cannot be opened and a line
// that is not a command.
func (s *Server) runExec(ch gossh.Channel, conn *gossh.ServerConn, command string) uint32 {
	ctx := s.serveContext()
	user := conn.User()
	out := term.NewTerminal(ch, "")

	bucket, ok := s.openSession(out, user)
	if !ok {
		return 1
	}
	defer s.closeSession(bucket, user)

	for _, line := range strings.Split(command, ";") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			_, _ = fmt.Fprintf(out, "not a command: %s\r\n", line)
			return 1
		}
		exit, ok := s.commands.Execute(ctx, line, user, bucket, out)
		if !ok {
			sshlog.Debug("exec stopped", "user", user, "line", line)
			return 1
		}
		if exit {
			break
		}
	}
	return 0
}

// Commands returns the server's command registry, allowing external packages
// to register additional commands before the server starts.
// Returns a CommandRegistrar interface to restrict access to registration methods only.
// Once Listen is called, the registry is frozen and Register will panic.
func (s *Server) Commands() CommandRegistrar {
	return s.commands
}

func loadAuthorizedKeys(path string) []gossh.PublicKey {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var keys []gossh.PublicKey
	for len(data) > 0 {
		key, _, _, rest, err := gossh.ParseAuthorizedKey(data)
		if err != nil {
			break
		}
		keys = append(keys, key)
		data = rest
	}
	return keys
}
