package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Client struct {
	Addr   string
	User   string
	Signer xssh.Signer
	// Auth is tried after Signer, e.g. an ssh-agent from AgentAuth.
	Auth       []xssh.AuthMethod
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	var auth []xssh.AuthMethod
	if c.Signer != nil {
		auth = append(auth, xssh.PublicKeys(c.Signer))
	}
	auth = append(auth, c.Auth...)
	if len(auth) == 0 {
		return nil, errors.New("ssh: signer or auth method required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial connects with retries and linear backoff. The caller closes the client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: c.Timeout}
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= max(c.Retries, 0); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
		if err != nil {
			lastErr = err
			continue
		}
		sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		return xssh.NewClient(sc, chans, reqs), nil
	}
	return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, lastErr)
}

// Stream runs command on an open connection and calls onLine for every line
// of combined stdout and stderr. Cancelling ctx closes the session.
func Stream(ctx context.Context, cli *xssh.Client, command string, onLine func(string)) error {
	session, err := cli.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s := bufio.NewScanner(pr)
		s.Buffer(make([]byte, 64*1024), 1024*1024)
		for s.Scan() {
			onLine(strings.TrimRight(s.Text(), "\r"))
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Close()
		runErr = ctx.Err()
	case runErr = <-done:
	}
	_ = pw.Close()
	wg.Wait()
	if runErr != nil {
		return fmt.Errorf("run %q: %w", command, runErr)
	}
	return nil
}
