// Package core converges a persisted fleet towards the requested set of
// nodes. All state mutations go through the Engine, which saves after each
// one while holding the fleet's advisory lock.
package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/state"
	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

type OpenOptions struct {
	// MustExist refuses to initialise a namespace that has no saved document.
	MustExist bool
	// SeedNetwork, when set, turns seeding on or off. Off clears seed_node.
	SeedNetwork *bool
	// DefaultOverrides replace fleet defaults and are persisted.
	DefaultOverrides map[string]string
	// ConfigDefaults fill keys the document lacks, ahead of FleetDefaults.
	ConfigDefaults map[string]string
	// Parallelism bounds concurrent CreateInstance calls. Values below 2
	// create nodes one at a time.
	Parallelism int
	Journal     *Journal
	Command     string
	Metrics     *telemetry.Metrics
	Now         func() time.Time
}

// Engine is the Fleet Convergence Engine for one (network, namespace).
type Engine struct {
	store *state.Store
	lock  *state.Lock
	opts  OpenOptions
	log   zerolog.Logger
	runID string

	mu sync.Mutex
	// fresh is true until a newly initialised document is first saved.
	fresh bool
	// pending is true while default or seed changes made by Open are unsaved.
	pending bool
	cfg   *api.FleetConfig
	last  Outcome
}

// FleetDefaults returns the built-in defaults for a network.
func FleetDefaults(network string) map[string]string {
	return map[string]string{
		api.DefaultBlockchainProvider: fmt.Sprintf("/root/.local/share/geth/.ethereum/%s/geth.ipc", network),
		api.DefaultImage:              "nucypher/nucypher:latest",
		api.DefaultSentryDSN:          "",
		api.DefaultGasStrategy:        "",
	}
}

// Open loads or initialises the fleet document and takes its lock. Nothing
// is written here: default and seed changes are held in memory until Commit
// or the first mutation.
func Open(ctx context.Context, store *state.Store, network, namespace string, opts OpenOptions) (*Engine, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	if opts.MustExist {
		if err := store.RequireExists(network, namespace); err != nil {
			return nil, err
		}
	}
	lock, err := store.Lock(ctx, network, namespace)
	if err != nil {
		return nil, err
	}
	cfg, created, err := store.LoadOrInit(network, namespace, opts.Now())
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	e := &Engine{
		store: store,
		lock:  lock,
		opts:  opts,
		cfg:   cfg,
		fresh: created,
		last:  OutcomeConverged,
		log: telemetry.Component("engine").With().
			Str("network", network).Str("namespace", namespace).Logger(),
	}
	if created {
		e.log.Info().Str("namespace_network", cfg.NamespaceNetwork).Msg("Initialising new namespace")
	}

	changed := false
	for _, src := range []map[string]string{opts.ConfigDefaults, FleetDefaults(network)} {
		for k, v := range src {
			if _, ok := cfg.Defaults[k]; !ok {
				cfg.Defaults[k] = v
				changed = true
			}
		}
	}
	for k, v := range opts.DefaultOverrides {
		if cfg.Defaults[k] != v {
			cfg.Defaults[k] = v
			changed = true
		}
	}
	if opts.SeedNetwork != nil && cfg.SeedNetwork != *opts.SeedNetwork {
		cfg.SeedNetwork = *opts.SeedNetwork
		changed = true
	}
	if !cfg.SeedNetwork && cfg.SeedNode != "" {
		cfg.SeedNode = ""
		changed = true
	}
	e.pending = changed && !created
	if opts.Journal != nil {
		id, err := opts.Journal.StartRun(ctx, network, namespace, opts.Command, opts.Now())
		if err != nil {
			e.log.Warn().Err(err).Msg("Journal unavailable")
		} else {
			e.runID = id
		}
	}
	return e, nil
}

// Close finishes the journal run and releases the lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	runID, outcome := e.runID, e.last
	e.runID = ""
	e.mu.Unlock()
	if runID != "" {
		if err := e.opts.Journal.FinishRun(context.Background(), runID, string(outcome), e.opts.Now()); err != nil {
			e.log.Warn().Err(err).Msg("Journal finish failed")
		}
	}
	return e.lock.Unlock()
}

// Created reports whether the namespace has never been saved.
func (e *Engine) Created() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fresh
}

// Snapshot returns a deep copy of the current document.
func (e *Engine) Snapshot() *api.FleetConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Clone()
}

// InventoryPath is where inventories for this fleet are rendered.
func (e *Engine) InventoryPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.InventoryPath(e.cfg.NamespaceNetwork)
}

// Hosts returns records for names in the given order, or every record
// sorted by name when names is empty.
func (e *Engine) Hosts(names []string) ([]api.InstanceRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(names) == 0 {
		return e.cfg.InstancesFor(""), nil
	}
	out := make([]api.InstanceRecord, 0, len(names))
	for _, n := range names {
		rec, ok := e.cfg.Instances[n]
		if !ok {
			return nil, fmt.Errorf("unknown node %q in %s", n, e.cfg.NamespaceNetwork)
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

// ProviderKinds lists providers that own instances or shared resources.
func (e *Engine) ProviderKinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := map[string]bool{}
	for _, rec := range e.cfg.Instances {
		seen[rec.Provider] = true
	}
	for kind, res := range e.cfg.SharedResources {
		if len(res) > 0 {
			seen[kind] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Update applies fn to the document and saves it. On error the document is
// left as it was.
func (e *Engine) Update(fn func(cfg *api.FleetConfig) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mutateLocked(fn)
}

func (e *Engine) mutateLocked(fn func(cfg *api.FleetConfig) error) error {
	next := e.cfg.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := e.store.Save(next); err != nil {
		return err
	}
	e.cfg = next
	e.fresh = false
	e.pending = false
	return nil
}

// Commit saves the default and seed changes Open made to an existing
// namespace. A namespace that was never saved stays unsaved.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pending || e.fresh {
		return nil
	}
	return e.mutateLocked(func(*api.FleetConfig) error { return nil })
}

// EnsureNodes creates every requested node that is not yet recorded. Each
// created node is saved before the next result is handled; a failed node
// does not stop its siblings.
func (e *Engine) EnsureNodes(ctx context.Context, d providers.Driver, src providers.ParamSources, names []string) (Summary, error) {
	kind := d.Kind()
	log := e.log.With().Str("provider", kind).Logger()
	sum := Summary{Outcome: OutcomeConverged, Failed: map[string]error{}}

	if providers.RequiresExistingNamespace(d) && e.Created() {
		return sum, &providers.NamespaceNotFoundError{Network: e.cfg.Network, Namespace: e.cfg.Namespace}
	}
	l := e.ledger(kind)
	if _, err := d.ConfigureParams(ctx, src, l); err != nil {
		return sum, err
	}
	if err := e.Commit(); err != nil {
		return sum, err
	}

	var missing []string
	e.mu.Lock()
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		if _, ok := e.cfg.Instances[n]; ok {
			sum.Existing = append(sum.Existing, n)
			continue
		}
		missing = append(missing, n)
	}
	e.mu.Unlock()
	if len(missing) == 0 {
		log.Info().Strs("nodes", sum.Existing).Msg("All requested nodes exist")
		return e.finish(sum), nil
	}

	if err := d.EnsurePrerequisites(ctx, l); err != nil {
		for _, n := range missing {
			sum.Failed[n] = err
		}
		return e.finish(sum), fmt.Errorf("ensure %s prerequisites: %w", kind, err)
	}

	var smu sync.Mutex
	create := func(ctx context.Context, name string) error {
		start := e.opts.Now()
		log.Info().Str("node", name).Msg("Creating node")
		rec, err := d.CreateInstance(ctx, name, l)
		e.opts.Metrics.ObserveSince(kind, "create", start)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("node", name).Msg("Node creation failed")
			e.opts.Metrics.NodeFailed(kind, "create")
			e.journal(kind, providers.EventInstanceFailed, name, err.Error())
			smu.Lock()
			sum.Failed[name] = err
			smu.Unlock()
			return nil
		}
		rec.NodeName = name
		rec.Provider = kind
		rec.Status = api.NodeActive
		rec.CreatedAt = e.opts.Now().UTC()
		seeded := false
		e.mu.Lock()
		err = e.mutateLocked(func(cfg *api.FleetConfig) error {
			cfg.Instances[name] = rec
			if cfg.SeedNetwork && cfg.SeedNode == "" {
				cfg.SeedNode = rec.PublicAddress
				seeded = true
			}
			return nil
		})
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("record node %s: %w", name, err)
		}
		log.Info().Str("node", name).Str("address", rec.PublicAddress).Str("instance_id", rec.InstanceID).Msg("Node active")
		if seeded {
			log.Info().Str("seed_node", rec.PublicAddress).Msg("Recorded seed node")
		}
		e.opts.Metrics.NodeCreated(kind)
		e.journal(kind, providers.EventInstanceCreated, name, rec.PublicAddress)
		smu.Lock()
		sum.Created = append(sum.Created, name)
		smu.Unlock()
		return nil
	}

	var runErr error
	if e.opts.Parallelism < 2 {
		for _, name := range missing {
			if runErr = ctx.Err(); runErr != nil {
				break
			}
			if runErr = create(ctx, name); runErr != nil {
				break
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Parallelism)
		for _, name := range missing {
			g.Go(func() error { return create(gctx, name) })
		}
		runErr = g.Wait()
	}
	sort.Strings(sum.Created)
	for _, n := range missing {
		if !slices.Contains(sum.Created, n) && sum.Failed[n] == nil && runErr != nil {
			sum.Failed[n] = runErr
		}
	}
	e.mu.Lock()
	e.opts.Metrics.SetFleetSize(kind, len(e.cfg.InstancesFor(kind)))
	e.mu.Unlock()
	return e.finish(sum), runErr
}

// DestroyNodes terminates the requested nodes this driver owns. Once the
// driver owns no instances its shared resources are torn down. Calling it
// with no names resumes an incomplete teardown.
func (e *Engine) DestroyNodes(ctx context.Context, d providers.Driver, src providers.ParamSources, names []string) (Summary, error) {
	kind := d.Kind()
	log := e.log.With().Str("provider", kind).Logger()
	sum := Summary{Outcome: OutcomeConverged, Failed: map[string]error{}}

	l := e.ledger(kind)
	if _, err := d.ConfigureParams(ctx, src, l); err != nil {
		return sum, err
	}
	if err := e.Commit(); err != nil {
		return sum, err
	}

	e.mu.Lock()
	owned := map[string]api.InstanceRecord{}
	for _, rec := range e.cfg.InstancesFor(kind) {
		owned[rec.NodeName] = rec
	}
	seed := e.cfg.SeedNode
	e.mu.Unlock()

	var targets []string
	for _, n := range names {
		rec, ok := owned[n]
		if !ok {
			sum.Unknown = append(sum.Unknown, n)
			continue
		}
		if slices.Contains(targets, n) {
			continue
		}
		targets = append(targets, n)
		if seed != "" && rec.PublicAddress == seed {
			log.Warn().Str("node", n).Str("seed_node", seed).
				Msg("Destroying the seed node; seed_node is left unchanged and must be reassigned by hand")
		}
	}
	if len(sum.Unknown) > 0 {
		log.Warn().Strs("nodes", sum.Unknown).Msg("Ignoring nodes not owned by this provider")
	}

	if len(targets) > 0 {
		ok, err := d.DestroyInstances(ctx, targets, l)
		if err != nil {
			return e.finish(sum), fmt.Errorf("destroy %s instances: %w", kind, err)
		}
		e.mu.Lock()
		for _, n := range targets {
			if _, still := e.cfg.Instances[n]; still {
				sum.Failed[n] = errors.New("termination not confirmed")
				e.opts.Metrics.NodeFailed(kind, "destroy")
			} else {
				sum.Destroyed = append(sum.Destroyed, n)
				e.opts.Metrics.NodeDestroyed(kind)
			}
		}
		e.mu.Unlock()
		if !ok {
			log.Warn().Int("failed", len(sum.Failed)).Msg("Some instances were not destroyed")
		}
	}

	e.mu.Lock()
	remaining := len(e.cfg.InstancesFor(kind))
	shared := len(e.cfg.SharedResources[kind])
	e.mu.Unlock()
	e.opts.Metrics.SetFleetSize(kind, remaining)

	if remaining == 0 && shared > 0 {
		log.Info().Int("resources", shared).Msg("No instances left, tearing down shared resources")
		done, err := d.DestroySharedResources(ctx, l)
		if err != nil {
			return e.finish(sum), fmt.Errorf("destroy %s shared resources: %w", kind, err)
		}
		if !done {
			sum.Outcome = OutcomeTeardownIncomplete
		}
	}
	return e.finish(sum), nil
}

func (e *Engine) finish(sum Summary) Summary {
	if sum.Outcome == OutcomeConverged && len(sum.Failed) > 0 {
		sum.Outcome = OutcomePartial
	}
	e.mu.Lock()
	e.last = sum.Outcome
	e.mu.Unlock()
	return sum
}

// journal must not be called with e.mu held.
func (e *Engine) journal(provider, kind, subject, detail string) {
	e.mu.Lock()
	runID := e.runID
	e.mu.Unlock()
	if runID == "" {
		return
	}
	err := e.opts.Journal.Record(context.Background(), Entry{
		RunID:    runID,
		At:       e.opts.Now(),
		Provider: provider,
		Kind:     kind,
		Subject:  subject,
		Detail:   detail,
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("Journal write failed")
	}
}
