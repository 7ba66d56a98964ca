// Package configure runs remote configuration against fleet hosts and folds
// the reported results back into the persisted records.
package configure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Operation names a remote configuration run.
type Operation string

const (
	OpDeploy  Operation = "deploy"
	OpUpdate  Operation = "update"
	OpStatus  Operation = "status"
	OpLogs    Operation = "logs"
	OpBackup  Operation = "backup"
	OpRestore Operation = "restore"
)

// Playbooks maps operations to playbook file names under the playbook dir.
var Playbooks = map[Operation]string{
	OpDeploy:  "setup_remote_workers.yml",
	OpUpdate:  "update_remote_workers.yml",
	OpStatus:  "get_workers_status.yml",
	OpLogs:    "get_worker_logs.yml",
	OpBackup:  "backup_remote_workers.yml",
	OpRestore: "restore_ursula_from_backup.yml",
}

// StatusTasks are the only tasks echoed by a status run.
var StatusTasks = []string{"Print Ursula Status Result", "Print Last Log Line"}

// Fleet is the part of the convergence engine the trigger needs.
type Fleet interface {
	Hosts(names []string) ([]api.InstanceRecord, error)
	Snapshot() *api.FleetConfig
	Update(fn func(cfg *api.FleetConfig) error) error
	InventoryPath() string
}

type Request struct {
	Op    Operation
	Nodes []string
	// Overrides are host-level values given on this invocation.
	Overrides map[string]string
	// Extra becomes inventory group vars.
	Extra map[string]string
	// WaitReachable waits for each host's SSH port before running.
	WaitReachable bool
	// ShowTasks limits echoed output to these tasks when non-empty.
	ShowTasks []string
}

// Report describes one configuration run.
type Report struct {
	Inventory string
	Playbook  string
	Nodes     []string
	// Configured lists nodes whose record was updated from the run.
	Configured []string
	// Unmatched lists addresses that produced output but match no record.
	Unmatched []string
	// Captured holds merged values by node name.
	Captured map[string]map[string]string
	// Hints holds an ssh command per node.
	Hints map[string]string
}

type Trigger struct {
	Fleet       Fleet
	Executor    Executor
	PlaybookDir string
	Labels      []string
	Metrics     *telemetry.Metrics
	// ReadyTimeout bounds the reachability wait.
	ReadyTimeout time.Duration
	PollInterval time.Duration
	Dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	// Echo receives every output line that passes ShowTasks.
	Echo func(OutputLine)
	Now  func() time.Time
	Log  zerolog.Logger
}

func NewTrigger(fleet Fleet, exec Executor, playbookDir string) *Trigger {
	var d net.Dialer
	return &Trigger{
		Fleet:        fleet,
		Executor:     exec,
		PlaybookDir:  playbookDir,
		Labels:       DefaultLabels,
		Metrics:      telemetry.NewMetrics(),
		ReadyTimeout: 5 * time.Minute,
		PollInterval: 5 * time.Second,
		Dial:         d.DialContext,
		Now:          time.Now,
		Log:          telemetry.Component("configure"),
	}
}

// PlaybookPath resolves the playbook for op.
func (t *Trigger) PlaybookPath(op Operation) (string, error) {
	name, ok := Playbooks[op]
	if !ok {
		return "", fmt.Errorf("unknown operation %q", op)
	}
	return filepath.Join(t.PlaybookDir, name), nil
}

// Apply resolves and persists host values, renders the inventory, runs the
// executor and merges captured results by address. Results gathered before
// an executor failure are still merged.
func (t *Trigger) Apply(ctx context.Context, req Request) (Report, error) {
	playbook, err := t.PlaybookPath(req.Op)
	if err != nil {
		return Report{}, err
	}
	hosts, err := t.Fleet.Hosts(req.Nodes)
	if err != nil {
		return Report{}, err
	}
	if len(hosts) == 0 {
		return Report{}, errors.New("no hosts to configure")
	}
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, h.NodeName)
	}
	log := t.Log.With().Str("operation", string(req.Op)).Logger()

	if req.Op == OpDeploy || req.Op == OpUpdate {
		err := t.Fleet.Update(func(cfg *api.FleetConfig) error {
			for _, n := range names {
				rec := cfg.Instances[n]
				rec.HostVars = ResolveHostVars(hostDefaults(cfg.Defaults), rec.HostVars, req.Overrides)
				cfg.Instances[n] = rec
			}
			if cfg.SeedNetwork && cfg.SeedNode == "" {
				if first := cfg.InstancesFor(""); len(first) > 0 {
					cfg.SeedNode = first[0].PublicAddress
				}
			}
			return nil
		})
		if err != nil {
			return Report{}, fmt.Errorf("persist host values: %w", err)
		}
	}

	if req.WaitReachable {
		for _, h := range hosts {
			if err := t.waitReachable(ctx, h); err != nil {
				return Report{}, err
			}
		}
	}

	inv, err := RenderInventory(t.Fleet.Snapshot(), names, req.Extra)
	if err != nil {
		return Report{}, err
	}
	invPath := t.Fleet.InventoryPath()
	if err := WriteInventory(invPath, inv); err != nil {
		return Report{}, err
	}
	log.Info().Str("inventory", invPath).Str("playbook", playbook).Strs("nodes", names).Msg("Running remote configuration")

	collector := NewCollector(t.Labels)
	start := t.Now()
	runErr := t.Executor.Run(ctx, invPath, playbook, func(line OutputLine) {
		collector.Observe(line)
		if t.Echo != nil && (len(req.ShowTasks) == 0 || slices.Contains(req.ShowTasks, line.Task)) {
			t.Echo(line)
		}
	})
	t.Metrics.ObserveSince("configure", string(req.Op), start)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Remote configuration failed")
	}

	res := collector.Results()
	report := Report{Inventory: invPath, Playbook: playbook, Nodes: names, Captured: map[string]map[string]string{}, Hints: map[string]string{}}
	err = t.Fleet.Update(func(cfg *api.FleetConfig) error {
		report.Configured, report.Unmatched = MergeByAddress(cfg, res, t.Now())
		return nil
	})
	if err != nil {
		return report, errors.Join(runErr, fmt.Errorf("persist results: %w", err))
	}
	for _, values := range res.Captured {
		for label := range values {
			t.Metrics.Captured(label)
		}
	}
	if len(report.Unmatched) > 0 {
		log.Warn().Strs("addresses", report.Unmatched).Msg("Output from hosts that match no record")
	}
	snap := t.Fleet.Snapshot()
	for _, n := range names {
		rec := snap.Instances[n]
		if len(rec.Captured) > 0 {
			report.Captured[n] = rec.Captured
		}
		report.Hints[n] = rec.SSHCommand()
	}
	return report, runErr
}

func hostDefaults(defaults map[string]string) map[string]string {
	out := make(map[string]string, len(HostOverrideKeys))
	for _, k := range HostOverrideKeys {
		out[k] = defaults[k]
	}
	return out
}

// waitReachable polls the host's SSH port until a TCP connect succeeds.
func (t *Trigger) waitReachable(ctx context.Context, rec api.InstanceRecord) error {
	port, ok := rec.Attr(api.AttrSSHPort)
	if !ok || port == "" {
		port = "22"
	}
	addr := net.JoinHostPort(rec.PublicAddress, port)
	return providers.WaitFor(ctx, "ssh on "+addr, t.ReadyTimeout, t.PollInterval, func(ctx context.Context) (bool, error) {
		conn, err := t.Dial(ctx, "tcp", addr)
		if err != nil {
			t.Log.Debug().Err(err).Str("node", rec.NodeName).Msg("Host not reachable yet")
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	})
}
