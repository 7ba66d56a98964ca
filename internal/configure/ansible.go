package configure

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// AnsibleExecutor runs ansible-playbook and attributes its default callback
// output to hosts.
type AnsibleExecutor struct {
	Binary string
	// Env is appended to the process environment.
	Env []string
}

func (a *AnsibleExecutor) Run(ctx context.Context, inventoryPath, playbook string, onLine func(OutputLine)) error {
	bin := a.Binary
	if bin == "" {
		bin = "ansible-playbook"
	}
	cmd := exec.CommandContext(ctx, bin, "-i", inventoryPath, playbook)
	cmd.Env = append(os.Environ(),
		"ANSIBLE_NOCOLOR=1",
		"ANSIBLE_SSH_ARGS=-o StrictHostKeyChecking=accept-new",
	)
	cmd.Env = append(cmd.Env, a.Env...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p := &ansibleParser{}
		s := bufio.NewScanner(pr)
		s.Buffer(make([]byte, 64*1024), 1024*1024)
		for s.Scan() {
			for _, l := range p.parse(s.Text()) {
				onLine(l)
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	_ = pw.Close()
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", bin, playbook, err)
	}
	return nil
}

var (
	taskLine   = regexp.MustCompile(`^TASK \[(.*)\]`)
	playLine   = regexp.MustCompile(`^(PLAY|PLAY RECAP)\b`)
	resultLine = regexp.MustCompile(`^(ok|changed|skipping|failed|fatal|unreachable): \[([^\]]+)\](.*)$`)
)

// ansibleParser tracks the current task and host while reading the default
// callback output. Lines after a host result belong to that host until the
// next result, task or play header.
type ansibleParser struct {
	task   string
	host   string
	failed bool
}

func (p *ansibleParser) parse(raw string) []OutputLine {
	line := strings.TrimRight(raw, "\r")
	if m := taskLine.FindStringSubmatch(line); m != nil {
		p.task, p.host, p.failed = m[1], "", false
		return []OutputLine{{Task: p.task, Text: line}}
	}
	if playLine.MatchString(line) {
		p.task, p.host, p.failed = "", "", false
		return []OutputLine{{Text: line}}
	}
	if m := resultLine.FindStringSubmatch(line); m != nil {
		p.host = m[2]
		p.failed = m[1] == "failed" || m[1] == "fatal" || m[1] == "unreachable"
		return []OutputLine{{Host: p.host, Task: p.task, Text: strings.TrimSpace(m[1] + m[3]), Failed: p.failed}}
	}
	if p.host == "" {
		return []OutputLine{{Task: p.task, Text: line}}
	}
	var out []OutputLine
	for _, text := range cleanValue(line) {
		out = append(out, OutputLine{Host: p.host, Task: p.task, Text: text, Failed: p.failed})
	}
	return out
}

// cleanValue strips the JSON framing of a debug message line and splits
// escaped newlines.
func cleanValue(line string) []string {
	s := strings.TrimSpace(line)
	s = strings.TrimSuffix(s, ",")
	if k, v, ok := strings.Cut(s, `": `); ok && strings.HasPrefix(k, `"`) {
		s = v
	}
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, `\"`, `"`)
	parts := strings.Split(s, `\n`)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" && p != "{" && p != "}" && p != "[" && p != "]" {
			out = append(out, p)
		}
	}
	return out
}
