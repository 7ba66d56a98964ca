package configure

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	gssh "github.com/3cpo-dev/cloudworkers/internal/ssh"
)

// Step is one entry of an SSH playbook. Exactly one of Run and Upload is set.
// ${var} references are expanded from the host's inventory variables.
type Step struct {
	Name   string  `yaml:"name"`
	Run    string  `yaml:"run"`
	Upload *Upload `yaml:"upload"`
	// IgnoreErrors keeps going with the next step when this one fails.
	IgnoreErrors bool `yaml:"ignore_errors"`
}

type Upload struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
	Mode string `yaml:"mode"`
}

// LoadPlaybook reads and validates an SSH playbook.
func LoadPlaybook(path string) ([]Step, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	var steps []Step
	if err := yaml.Unmarshal(b, &steps); err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", path, err)
	}
	for i, s := range steps {
		if (s.Run == "") == (s.Upload == nil) {
			return nil, fmt.Errorf("playbook %s step %d (%s): exactly one of run and upload is required", path, i+1, s.Name)
		}
		if s.Upload != nil && (s.Upload.Src == "" || s.Upload.Dest == "") {
			return nil, fmt.Errorf("playbook %s step %d (%s): upload needs src and dest", path, i+1, s.Name)
		}
	}
	return steps, nil
}

// SSHExecutor runs SSH playbooks directly, without Ansible. Unknown host
// keys are trusted on first use and recorded in KnownHosts.
type SSHExecutor struct {
	KnownHosts     string
	ConnectTimeout time.Duration
	Retries        int
	// KeyFile is used for hosts whose inventory names no key. Without it
	// such hosts authenticate through the agent at AgentSocket.
	KeyFile     string
	AgentSocket string
	// Parallelism bounds how many hosts run at once.
	Parallelism int
	// Dialer overrides the TCP dialer.
	Dialer gssh.Dialer
}

func (x *SSHExecutor) Run(ctx context.Context, inventoryPath, playbook string, onLine func(OutputLine)) error {
	inv, err := LoadInventory(inventoryPath)
	if err != nil {
		return err
	}
	steps, err := LoadPlaybook(playbook)
	if err != nil {
		return err
	}
	callback, err := gssh.TrustOnFirstUse(x.KnownHosts)
	if err != nil {
		return fmt.Errorf("known hosts: %w", err)
	}
	baseDir := filepath.Dir(playbook)

	limit := x.Parallelism
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	errs := make([]error, len(inv.Addresses()))
	for i, addr := range inv.Addresses() {
		g.Go(func() error {
			if err := x.runHost(ctx, addr, inv.HostVars(addr), steps, baseDir, callback, onLine); err != nil {
				onLine(OutputLine{Host: addr, Text: "failed: " + err.Error(), Failed: true})
				errs[i] = fmt.Errorf("%s: %w", addr, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(errs...)
}

func (x *SSHExecutor) runHost(ctx context.Context, addr string, vars map[string]string, steps []Step, baseDir string,
	callback xssh.HostKeyCallback, onLine func(OutputLine)) error {
	auth, release, err := x.auth(vars)
	if err != nil {
		return err
	}
	defer release()
	port := vars[VarPort]
	if port == "" {
		port = "22"
	}
	user := vars[VarUser]
	if user == "" {
		user = "root"
	}
	cli, err := gssh.Dial(ctx, &gssh.Client{
		Addr:       net.JoinHostPort(addr, port),
		User:       user,
		Auth:       auth,
		KnownHosts: callback,
		Timeout:    x.ConnectTimeout,
		Retries:    x.Retries,
		Dialer:     x.Dialer,
	})
	if err != nil {
		return err
	}
	defer cli.Close()

	expand := func(s string) string {
		return os.Expand(s, func(k string) string { return vars[k] })
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		onLine(OutputLine{Task: s.Name, Text: "TASK [" + s.Name + "]"})
		var stepErr error
		switch {
		case s.Upload != nil:
			stepErr = x.upload(ctx, cli, baseDir, s.Upload, expand)
			if stepErr == nil {
				onLine(OutputLine{Host: addr, Task: s.Name, Text: "changed: uploaded " + expand(s.Upload.Dest)})
			}
		default:
			stepErr = gssh.Stream(ctx, cli, expand(s.Run), func(line string) {
				onLine(OutputLine{Host: addr, Task: s.Name, Text: line})
			})
			if stepErr == nil {
				onLine(OutputLine{Host: addr, Task: s.Name, Text: "ok"})
			}
		}
		if stepErr != nil {
			if s.IgnoreErrors {
				onLine(OutputLine{Host: addr, Task: s.Name, Text: "ignored: " + stepErr.Error()})
				continue
			}
			return fmt.Errorf("step %q: %w", s.Name, stepErr)
		}
	}
	return nil
}

// auth prefers the host's inventory key, then KeyFile, then the ssh agent.
func (x *SSHExecutor) auth(vars map[string]string) ([]xssh.AuthMethod, func(), error) {
	if keyPath := cmp.Or(vars[VarKeyFile], x.KeyFile); keyPath != "" {
		signer, err := gssh.LoadPrivateKeySigner(keyPath)
		if err != nil {
			return nil, nil, err
		}
		return []xssh.AuthMethod{xssh.PublicKeys(signer)}, func() {}, nil
	}
	if x.AgentSocket == "" {
		return nil, nil, errors.New("no ssh key in inventory or config and no ssh agent")
	}
	method, conn, err := gssh.AgentAuth(x.AgentSocket)
	if err != nil {
		return nil, nil, err
	}
	return []xssh.AuthMethod{method}, func() { _ = conn.Close() }, nil
}

func (x *SSHExecutor) upload(ctx context.Context, cli *xssh.Client, baseDir string, u *Upload, expand func(string) string) error {
	src := expand(u.Src)
	if !filepath.IsAbs(src) {
		src = filepath.Join(baseDir, src)
	}
	var mode os.FileMode
	if u.Mode != "" {
		m, err := strconv.ParseUint(strings.TrimPrefix(u.Mode, "0o"), 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", u.Mode, err)
		}
		mode = os.FileMode(m)
	}
	return gssh.PushFile(ctx, cli, src, expand(u.Dest), mode)
}
