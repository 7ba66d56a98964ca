package configure

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/cloudworkers/internal/core"
	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/providers/providertest"
	"github.com/3cpo-dev/cloudworkers/internal/state"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

func TestResolveHostVarsPrecedencePerKey(t *testing.T) {
	t.Parallel()
	defaults := map[string]string{"nucypher_image": "img:default", "sentry_dsn": "dsn-default", "gas_strategy": ""}
	host := map[string]string{"nucypher_image": "img:host", "sentry_dsn": ""}
	overrides := map[string]string{"sentry_dsn": "", "gas_strategy": "fast"}

	got := ResolveHostVars(defaults, host, overrides)
	assert.Equal(t, "img:host", got["nucypher_image"])
	assert.Equal(t, "dsn-default", got["sentry_dsn"])
	assert.Equal(t, "fast", got["gas_strategy"])

	got = ResolveHostVars(defaults, host, map[string]string{"nucypher_image": "img:flag"})
	assert.Equal(t, "img:flag", got["nucypher_image"])
}

func TestMergeByAddressNoCrossContamination(t *testing.T) {
	t.Parallel()
	cfg := &api.FleetConfig{Instances: map[string]api.InstanceRecord{
		"nodeA": {NodeName: "nodeA", PublicAddress: "198.51.100.1", Status: api.NodeActive},
		"nodeB": {NodeName: "nodeB", PublicAddress: "198.51.100.2", Status: api.NodeActive},
	}}
	res := Results{
		Captured: map[string]map[string]string{
			"198.51.100.1": {"version": "v1.2"},
			"198.51.100.2": {"nickname": "bob"},
			"203.0.113.99": {"nickname": "stray"},
		},
		Seen: []string{"198.51.100.1", "198.51.100.2"},
	}
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	updated, unmatched := MergeByAddress(cfg, res, now)

	assert.Equal(t, []string{"nodeA", "nodeB"}, updated)
	assert.Equal(t, []string{"203.0.113.99"}, unmatched)
	assert.Equal(t, map[string]string{"version": "v1.2"}, cfg.Instances["nodeA"].Captured)
	assert.Equal(t, map[string]string{"nickname": "bob"}, cfg.Instances["nodeB"].Captured)
	assert.Equal(t, api.NodeConfigured, cfg.Instances["nodeA"].Status)
	assert.Equal(t, now, *cfg.Instances["nodeB"].ConfiguredAt)
}

func TestMergeKeepsFailedHostsActive(t *testing.T) {
	t.Parallel()
	cfg := &api.FleetConfig{Instances: map[string]api.InstanceRecord{
		"w1": {NodeName: "w1", PublicAddress: "198.51.100.1", Status: api.NodeActive},
	}}
	MergeByAddress(cfg, Results{Seen: []string{"198.51.100.1"}, Failed: []string{"198.51.100.1"}}, time.Now())
	assert.Equal(t, api.NodeActive, cfg.Instances["w1"].Status)
	assert.Nil(t, cfg.Instances["w1"].ConfiguredAt)
}

func TestCollectorLastValueWins(t *testing.T) {
	t.Parallel()
	c := NewCollector(DefaultLabels)
	c.Observe(OutputLine{Host: "198.51.100.1", Text: "worker address: 0xaaa"})
	c.Observe(OutputLine{Host: "198.51.100.1", Text: "worker address:   0xbbb  "})
	c.Observe(OutputLine{Host: "198.51.100.1", Text: "rest url:"})
	c.Observe(OutputLine{Text: "nickname: orphan"})
	res := c.Results()
	assert.Equal(t, map[string]string{"worker address": "0xbbb"}, res.Captured["198.51.100.1"])
	assert.Equal(t, []string{"198.51.100.1"}, res.Seen)
}

const ansibleOutput = `PLAY [Get worker status] *******************************************

TASK [Print Ursula Status Result] **********************************
ok: [198.51.100.1] => {
    "msg": "nickname: Teal Aries\nworker address: 0xF00D\nrest url: https://198.51.100.1:9151"
}
ok: [198.51.100.2] => {
    "msg": [
        "nucypher version: 6.1.0",
        "nickname: Crimson Leo"
    ]
}
fatal: [198.51.100.3]: UNREACHABLE! => {"changed": false, "unreachable": true}

PLAY RECAP *********************************************************
198.51.100.1               : ok=1    changed=0    unreachable=0    failed=0
`

func TestAnsibleParserAttributesLines(t *testing.T) {
	t.Parallel()
	c := NewCollector(DefaultLabels)
	p := &ansibleParser{}
	var hostless int
	for _, raw := range splitLines(ansibleOutput) {
		for _, l := range p.parse(raw) {
			if l.Host == "" {
				hostless++
			}
			c.Observe(l)
		}
	}
	res := c.Results()
	assert.Equal(t, map[string]string{
		"nickname":       "Teal Aries",
		"worker address": "0xF00D",
		"rest url":       "https://198.51.100.1:9151",
	}, res.Captured["198.51.100.1"])
	assert.Equal(t, map[string]string{"nucypher version": "6.1.0", "nickname": "Crimson Leo"}, res.Captured["198.51.100.2"])
	assert.Equal(t, []string{"198.51.100.3"}, res.Failed)
	assert.NotContains(t, res.Captured, "198.51.100.3")
	assert.Positive(t, hostless)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func TestAnsibleExecutorRunsBinary(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(fixture, []byte(ansibleOutput), 0o600))
	script := filepath.Join(dir, "ansible-playbook")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"args: $*\"\ncat "+fixture+"\n"), 0o755))

	var lines []OutputLine
	x := &AnsibleExecutor{Binary: script}
	err := x.Run(context.Background(), "/tmp/inv.yml", "site.yml", func(l OutputLine) { lines = append(lines, l) })
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Equal(t, "args: -i /tmp/inv.yml site.yml", lines[0].Text)

	failing := filepath.Join(dir, "failing")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\nexit 2\n"), 0o755))
	err = (&AnsibleExecutor{Binary: failing}).Run(context.Background(), "i", "p", func(OutputLine) {})
	require.Error(t, err)
}

func TestLoadPlaybook(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	require.NoError(t, os.WriteFile(good, []byte(`
- name: Pull image
  run: docker pull ${nucypher_image}
- name: Ship env
  upload: {src: files/worker.env, dest: /etc/worker.env, mode: "0600"}
`), 0o600))
	steps, err := LoadPlaybook(good)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "/etc/worker.env", steps[1].Upload.Dest)

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("- name: Empty\n"), 0o600))
	_, err = LoadPlaybook(bad)
	require.ErrorContains(t, err, "exactly one of run and upload")
}

// fakeExecutor replays canned lines and records the inventory it was given.
type fakeExecutor struct {
	lines     []OutputLine
	err       error
	inventory *Inventory
	playbook  string
}

func (f *fakeExecutor) Run(_ context.Context, inventoryPath, playbook string, onLine func(OutputLine)) error {
	inv, err := LoadInventory(inventoryPath)
	if err != nil {
		return err
	}
	f.inventory, f.playbook = inv, playbook
	for _, l := range f.lines {
		onLine(l)
	}
	return f.err
}

func newFleet(t *testing.T, names ...string) (*core.Engine, *state.Store) {
	t.Helper()
	store := state.NewStore(t.TempDir())
	seed := true
	e, err := core.Open(context.Background(), store, "lynx", "alpha", core.OpenOptions{SeedNetwork: &seed})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	_, err = e.EnsureNodes(context.Background(), providertest.NewDriver("cloud"), providers.ParamSources{}, names)
	require.NoError(t, err)
	return e, store
}

func TestTriggerDeployPersistsAndMerges(t *testing.T) {
	e, store := newFleet(t, "w1", "w2")
	exec := &fakeExecutor{lines: []OutputLine{
		{Host: "192.0.2.1", Text: "worker address: 0xAAA"},
		{Host: "192.0.2.2", Text: "nickname: bob"},
	}}
	tr := NewTrigger(e, exec, "/playbooks")
	var echoed int
	tr.Echo = func(OutputLine) { echoed++ }

	report, err := tr.Apply(context.Background(), Request{
		Op:        OpDeploy,
		Nodes:     []string{"w1", "w2"},
		Overrides: map[string]string{"nucypher_image": "nucypher/nucypher:v7"},
		Extra:     map[string]string{"wipe_nucypher": "false"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/playbooks/setup_remote_workers.yml", exec.playbook)
	assert.Equal(t, []string{"w1", "w2"}, report.Configured)
	assert.Equal(t, "0xAAA", report.Captured["w1"]["worker address"])
	assert.Equal(t, "ssh root@192.0.2.2", report.Hints["w2"])
	assert.Equal(t, 2, echoed)

	host := exec.inventory.All.Hosts["192.0.2.1"]
	assert.Equal(t, "w1", host[VarNodeName])
	assert.Equal(t, "nucypher/nucypher:v7", host["nucypher_image"])
	assert.Equal(t, "false", exec.inventory.All.Vars["wipe_nucypher"])
	assert.NotEmpty(t, exec.inventory.All.Vars[api.SecretKeyringPassword])
	assert.Equal(t, "192.0.2.1", exec.inventory.All.Vars["seed_node"])

	info, err := os.Stat(report.Inventory)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	saved, err := store.Load("lynx", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "nucypher/nucypher:v7", saved.Instances["w1"].HostVars["nucypher_image"])
	assert.Equal(t, "bob", saved.Instances["w2"].Captured["nickname"])
	assert.Equal(t, api.NodeConfigured, saved.Instances["w2"].Status)

	// A later run without the flag keeps the persisted host value.
	_, err = tr.Apply(context.Background(), Request{Op: OpUpdate, Nodes: []string{"w1"}})
	require.NoError(t, err)
	assert.Equal(t, "nucypher/nucypher:v7", exec.inventory.All.Hosts["192.0.2.1"]["nucypher_image"])
	assert.Len(t, exec.inventory.All.Hosts, 1)
}

func TestTriggerMergesPartialResultsOnFailure(t *testing.T) {
	e, _ := newFleet(t, "w1")
	exec := &fakeExecutor{
		lines: []OutputLine{{Host: "192.0.2.1", Text: "nucypher version: 6.1.0"}},
		err:   errors.New("exit status 2"),
	}
	report, err := NewTrigger(e, exec, "pb").Apply(context.Background(), Request{Op: OpStatus, ShowTasks: StatusTasks})
	require.ErrorContains(t, err, "exit status 2")
	assert.Equal(t, "6.1.0", report.Captured["w1"]["nucypher version"])
}

func TestTriggerUnknownNode(t *testing.T) {
	e, _ := newFleet(t, "w1")
	_, err := NewTrigger(e, &fakeExecutor{}, "pb").Apply(context.Background(), Request{Op: OpLogs, Nodes: []string{"w9"}})
	require.ErrorContains(t, err, "unknown node")
}

func TestTriggerWaitReachableTimesOut(t *testing.T) {
	e, _ := newFleet(t, "w1")
	tr := NewTrigger(e, &fakeExecutor{}, "pb")
	tr.ReadyTimeout = 30 * time.Millisecond
	tr.PollInterval = 5 * time.Millisecond
	tr.Dial = func(context.Context, string, string) (net.Conn, error) { return nil, errors.New("refused") }

	_, err := tr.Apply(context.Background(), Request{Op: OpDeploy, WaitReachable: true})
	var te *providers.PollTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "ssh on 192.0.2.1:22", te.What)
}

func TestInventoryYAMLShape(t *testing.T) {
	t.Parallel()
	cfg := &api.FleetConfig{
		Namespace: "alpha", Network: "lynx", NamespaceNetwork: "lynx-alpha-2026-03-04",
		Instances: map[string]api.InstanceRecord{
			"box": {NodeName: "box", PublicAddress: "203.0.113.9", DeployAttrs: []api.DeployAttr{
				{Key: api.AttrDefaultUser, Value: "ops"},
				{Key: api.AttrSSHKeyPath, Value: "/keys/ops"},
				{Key: api.AttrSSHPort, Value: "2222"},
			}},
		},
	}
	inv, err := RenderInventory(cfg, []string{"box"}, map[string]string{"restore_path": "/backups/x"})
	require.NoError(t, err)
	b, err := yaml.Marshal(inv)
	require.NoError(t, err)
	var generic map[string]map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(b, &generic))
	host := generic["all"]["hosts"]["203.0.113.9"].(map[string]any)
	assert.Equal(t, "ops", host[VarUser])
	assert.Equal(t, "/keys/ops", host[VarKeyFile])
	assert.Equal(t, "2222", host[VarPort])
	assert.Equal(t, "/backups/x", generic["all"]["vars"]["restore_path"])

	_, err = RenderInventory(cfg, []string{"nope"}, nil)
	require.Error(t, err)
}
