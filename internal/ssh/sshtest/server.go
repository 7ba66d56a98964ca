// Package sshtest runs an in-process SSH server for tests. It answers exec
// requests through a handler and serves the sftp subsystem on the local
// filesystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// ExecFunc handles one exec request and returns its exit status.
type ExecFunc func(command string, stdout, stderr io.Writer) uint32

type Options struct {
	// Authorized lists the client keys accepted for any user.
	Authorized []xssh.PublicKey
	// Exec defaults to DefaultExec.
	Exec ExecFunc
}

type Server struct {
	// Addr is host:port on the loopback interface.
	Addr    string
	HostKey xssh.PublicKey

	exec       ExecFunc
	authorized map[string]bool

	mu       sync.Mutex
	commands []string
	users    []string
}

// NewServer starts a server that is stopped when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostSigner, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	s := &Server{
		HostKey:    hostSigner.PublicKey(),
		exec:       opts.Exec,
		authorized: map[string]bool{},
	}
	if s.exec == nil {
		s.exec = DefaultExec
	}
	for _, k := range opts.Authorized {
		s.authorized[string(k.Marshal())] = true
	}
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(meta xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if s.authorized[string(key.Marshal())] {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key for %s", meta.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Addr = ln.Addr().String()
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn, cfg)
		}
	}()
	return s
}

// Port is the listening port as a string.
func (s *Server) Port() string {
	_, port, _ := net.SplitHostPort(s.Addr)
	return port
}

// Commands returns every exec command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Users returns the user of every authenticated connection.
func (s *Server) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

func (s *Server) handle(conn net.Conn, cfg *xssh.ServerConfig) {
	defer conn.Close()
	sc, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	s.mu.Lock()
	s.users = append(s.users, sc.User())
	s.mu.Unlock()
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(xssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, requests)
	}
}

func (s *Server) session(ch xssh.Channel, reqs <-chan *xssh.Request) {
	defer func() {
		_ = ch.Close()
		go xssh.DiscardRequests(reqs)
	}()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if err := xssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, p.Command)
			s.mu.Unlock()
			status := s.exec(p.Command, ch, ch.Stderr())
			_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var p struct{ Name string }
			if err := xssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = srv.Serve()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// DefaultExec answers "sha256sum <path>" from the local file, "exit <n>"
// with status n and echoes anything else.
func DefaultExec(command string, stdout, stderr io.Writer) uint32 {
	if rest, ok := strings.CutPrefix(command, "sha256sum "); ok {
		path := unquote(rest)
		b, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "sha256sum: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%x  %s\n", sha256.Sum256(b), path)
		return 0
	}
	if rest, ok := strings.CutPrefix(command, "exit "); ok {
		n, _ := strconv.Atoi(rest)
		return uint32(n)
	}
	fmt.Fprintln(stdout, command)
	return 0
}

// unquote undoes single-quote shell quoting.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, `'\''`, `'`)
}
