package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/cloudworkers/internal/configure"
	"github.com/3cpo-dev/cloudworkers/internal/core"
	prov "github.com/3cpo-dev/cloudworkers/internal/providers"
	awsprov "github.com/3cpo-dev/cloudworkers/internal/providers/aws"
	"github.com/3cpo-dev/cloudworkers/internal/providers/digitalocean"
	"github.com/3cpo-dev/cloudworkers/internal/providers/generic"
	"github.com/3cpo-dev/cloudworkers/internal/providers/hetzner"
	"github.com/3cpo-dev/cloudworkers/internal/state"
	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// app carries what every command resolves before touching a fleet.
type app struct {
	cfg       prov.Config
	env       prov.Env
	store     *state.Store
	metrics   *telemetry.Metrics
	journal   *core.Journal
	network   string
	namespace string
}

// Resolve config, secrets and state for a command
func loadApp(cmd *cobra.Command) (*app, error) {
	secretsPath, _ := cmd.Flags().GetString("secrets")
	secrets, err := core.LoadSecretsEnv(secretsPath)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	env := core.SnapshotEnv(secrets, os.Environ())

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("state-dir"); dir != "" {
		cfg.StateDir = dir
	}
	store := state.NewStore(cfg.StateDir)
	store.LockWait = cfg.LockWait
	a := &app{
		cfg:     cfg,
		env:     env,
		store:   store,
		metrics: telemetry.NewMetrics(),
	}
	a.network, _ = cmd.Flags().GetString("network")
	a.namespace, _ = cmd.Flags().GetString("namespace")
	if cfg.Journal != "" {
		j, err := core.OpenJournal(cfg.Journal)
		if err == nil {
			if err = j.Ping(cmd.Context()); err != nil {
				_ = j.Close()
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Journal).Msg("Journal disabled")
		} else {
			a.journal = j
		}
	}
	return a, nil
}

// close flushes metrics and the journal.
func (a *app) close() {
	if a.cfg.MetricsFile != "" {
		if err := a.metrics.WriteFile(a.cfg.MetricsFile); err != nil {
			log.Warn().Err(err).Str("path", a.cfg.MetricsFile).Msg("Metrics not written")
		}
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
}

func (a *app) requireNamespace() error {
	if a.namespace == "" {
		return errors.New("--namespace is required; pick something that tells this fleet apart, even just today's date")
	}
	return nil
}

// Open the fleet engine for the selected network and namespace
func (a *app) open(ctx context.Context, command string, opts core.OpenOptions) (*core.Engine, error) {
	if err := a.requireNamespace(); err != nil {
		return nil, err
	}
	opts.Journal = a.journal
	opts.Command = command
	opts.Metrics = a.metrics
	opts.ConfigDefaults = a.cfg.Defaults
	if opts.Parallelism == 0 {
		opts.Parallelism = a.cfg.Parallelism
	}
	return core.Open(ctx, a.store, a.network, a.namespace, opts)
}

// registry builds drivers lazily; host is only needed when adding a generic node.
func (a *app) registry(host *generic.Host) *prov.Registry {
	cfg := a.cfg
	reg := prov.NewRegistry()
	reg.Register(prov.KindAWS, func() (prov.Driver, error) {
		return awsprov.New(awsprov.Options{
			Profile:      cfg.AWS.Profile,
			Region:       cfg.AWS.Region,
			InstanceType: cfg.AWS.InstanceType,
			AMIs:         cfg.AWS.AMIs,
			PollInterval: cfg.PollInterval,
			Teardown:     cfg.TeardownRetry(),
		}), nil
	})
	reg.Register(prov.KindDigitalOcean, func() (prov.Driver, error) {
		return digitalocean.New(digitalocean.Options{
			Region:         cfg.DigitalOcean.Region,
			KeyFingerprint: cfg.DigitalOcean.KeyFingerprint,
			Image:          cfg.DigitalOcean.Image,
			PollInterval:   cfg.PollInterval,
		}), nil
	})
	reg.Register(prov.KindHetzner, func() (prov.Driver, error) {
		return hetzner.New(hetzner.Options{
			Location:     cfg.Hetzner.Location,
			ServerType:   cfg.Hetzner.ServerType,
			Image:        cfg.Hetzner.Image,
			PollInterval: cfg.PollInterval,
			Teardown:     cfg.TeardownRetry(),
		}), nil
	})
	reg.Register(prov.KindGeneric, func() (prov.Driver, error) {
		return generic.New(host), nil
	})
	return reg
}

// trigger wires the configured executor to an open fleet.
func (a *app) trigger(e *core.Engine, out func(configure.OutputLine)) *configure.Trigger {
	var exec configure.Executor
	switch a.cfg.Executor {
	case "ssh":
		exec = &configure.SSHExecutor{
			KnownHosts:     a.cfg.SSH.KnownHosts,
			ConnectTimeout: a.cfg.SSH.ConnectTimeout,
			Retries:        3,
			Parallelism:    a.cfg.Parallelism,
			KeyFile:        a.cfg.SSH.KeyFile,
			AgentSocket:    a.env.Get("SSH_AUTH_SOCK"),
		}
	default:
		exec = &configure.AnsibleExecutor{Binary: a.cfg.AnsibleBinary}
	}
	t := configure.NewTrigger(e, exec, a.cfg.Playbooks)
	t.Metrics = a.metrics
	t.ReadyTimeout = a.cfg.SSH.ReadyTimeout
	t.Echo = out
	return t
}

// Driver parameter flags shared by commands that talk to a cloud
func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().String("profile", "", "AWS profile")
	cmd.Flags().String("region", "", "region or location (provider-specific)")
	cmd.Flags().String("ssh-key", "", "registered SSH key (DigitalOcean fingerprint)")
	cmd.Flags().String("instance-type", "", "instance type or size (provider-specific)")
	cmd.Flags().String("image", "", "machine image (provider-specific)")
}

func paramSources(cmd *cobra.Command, env prov.Env) prov.ParamSources {
	get := func(name string) string {
		if cmd.Flags().Lookup(name) == nil {
			return ""
		}
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return prov.ParamSources{
		Explicit: api.ProviderParams{
			Profile:      get("profile"),
			Region:       get("region"),
			SSHKey:       get("ssh-key"),
			InstanceType: get("instance-type"),
			Image:        get("image"),
		},
		Env: env,
	}
}

// defaultFlags maps flags onto fleet default keys.
var defaultFlags = map[string]string{
	"remote-provider": api.DefaultBlockchainProvider,
	"nucypher-image":  api.DefaultImage,
	"sentry-dsn":      api.DefaultSentryDSN,
	"gas-strategy":    api.DefaultGasStrategy,
}

func addDefaultFlags(cmd *cobra.Command) {
	cmd.Flags().String("remote-provider", "", "blockchain provider for the nodes; without it nodes run their own geth")
	cmd.Flags().String("nucypher-image", "", "docker image run on the nodes")
	cmd.Flags().String("sentry-dsn", "", "sentry DSN for the nodes")
	cmd.Flags().String("gas-strategy", "", "gas strategy (glacial, slow, medium, fast)")
	cmd.Flags().Bool("seed-network", false, "make the first node the seed node of this network")
}

// defaultOverrides returns the fleet defaults set on this invocation and
// the seed toggle when it was given. The gas strategy is stored as the
// worker argument the playbooks pass through.
func defaultOverrides(cmd *cobra.Command) (map[string]string, *bool) {
	out := map[string]string{}
	for flag, key := range defaultFlags {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		v := f.Value.String()
		if key == api.DefaultGasStrategy && v != "" {
			v = "--gas-strategy " + v
		}
		out[key] = v
	}
	var seed *bool
	if f := cmd.Flags().Lookup("seed-network"); f != nil && f.Changed {
		v, _ := strconv.ParseBool(f.Value.String())
		seed = &v
	}
	return out, seed
}

func nodeNames(namespace, network string, count int) []string {
	out := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, nodeName(namespace, network, strconv.Itoa(i)))
	}
	return out
}

func nodeName(namespace, network, suffix string) string {
	return fmt.Sprintf("%s-%s-%s", namespace, network, suffix)
}

// report prints the summary and turns anything short of convergence into an error.
func report(cmd *cobra.Command, sum core.Summary) error {
	fmt.Fprintln(cmd.OutOrStdout(), sum.String())
	for _, n := range sum.FailedNames() {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", n, sum.Failed[n])
	}
	if sum.Outcome != core.OutcomeConverged {
		return errors.New(sum.Outcome.Message())
	}
	return nil
}
