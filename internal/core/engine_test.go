package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/providers/providertest"
	"github.com/3cpo-dev/cloudworkers/internal/state"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC) }

func openEngine(t *testing.T, store *state.Store, opts OpenOptions) *Engine {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	e, err := Open(context.Background(), store, "lynx", "alpha", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func seeded(on bool) *bool { return &on }

func TestEnsureNodesScenarioWithSeed(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{SeedNetwork: seeded(true)})
	d := providertest.NewDriver("cloud", "network")

	sum, err := e.EnsureNodes(context.Background(), d, providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverged, sum.Outcome)
	assert.Equal(t, []string{"w1", "w2"}, sum.Created)
	assert.Equal(t, []string{"configure", "prerequisites", "create:network", "instance:w1", "instance:w2"}, d.CallLog())

	saved, err := store.Load("lynx", "alpha")
	require.NoError(t, err)
	require.Len(t, saved.Instances, 2)
	assert.Equal(t, "192.0.2.1", saved.SeedNode)
	assert.Equal(t, "192.0.2.1", saved.Instances["w1"].PublicAddress)
	assert.Equal(t, "cloud", saved.Instances["w2"].Provider)
	assert.Equal(t, api.NodeActive, saved.Instances["w2"].Status)
	assert.Equal(t, "id-network", saved.SharedResources["cloud"]["network"])
}

func TestEnsureNodesWithoutSeed(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	_, err := e.EnsureNodes(context.Background(), providertest.NewDriver("cloud", "network"), providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)
	assert.Empty(t, e.Snapshot().SeedNode)
}

func TestEnsureNodesIsIdempotent(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	d := providertest.NewDriver("cloud", "network")
	ctx := context.Background()

	_, err := e.EnsureNodes(ctx, d, providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)
	before := e.Snapshot().Instances
	d.Reset()

	sum, err := e.EnsureNodes(ctx, d, providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)
	assert.Empty(t, sum.Created)
	assert.Equal(t, []string{"w1", "w2"}, sum.Existing)
	assert.Equal(t, []string{"configure"}, d.CallLog())
	assert.Equal(t, before, e.Snapshot().Instances)
}

func TestEnsureNodesPartialFailureResumes(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	d := providertest.NewDriver("cloud", "network")
	d.FailCreate["w2"] = errors.New("capacity")
	ctx := context.Background()
	names := []string{"w1", "w2", "w3"}

	sum, err := e.EnsureNodes(ctx, d, providers.ParamSources{}, names)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, sum.Outcome)
	assert.Equal(t, []string{"w1", "w3"}, sum.Created)
	assert.Equal(t, []string{"w2"}, sum.FailedNames())
	assert.Equal(t, "partially converged - rerun; created: w1, w3; failed: w2", sum.String())

	saved, err := store.Load("lynx", "alpha")
	require.NoError(t, err)
	assert.Contains(t, saved.Instances, "w1")
	assert.NotContains(t, saved.Instances, "w2")

	delete(d.FailCreate, "w2")
	d.Reset()
	sum, err = e.EnsureNodes(ctx, d, providers.ParamSources{}, names)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverged, sum.Outcome)
	assert.Equal(t, []string{"w2"}, sum.Created)
	assert.Equal(t, []string{"configure", "prerequisites", "instance:w2"}, d.CallLog())
}

func TestEnsureNodesParallel(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{Parallelism: 3})
	d := providertest.NewDriver("cloud", "network")
	names := []string{"w1", "w2", "w3", "w4", "w5"}

	sum, err := e.EnsureNodes(context.Background(), d, providers.ParamSources{}, names)
	require.NoError(t, err)
	assert.Equal(t, names, sum.Created)
	saved, err := store.Load("lynx", "alpha")
	require.NoError(t, err)
	assert.Len(t, saved.Instances, 5)
}

func TestMissingCredentialsMutatesNothing(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	d := providertest.NewDriver("cloud", "network")
	d.CredentialVar = "CLOUD_TOKEN"

	_, err := e.EnsureNodes(context.Background(), d, providers.ParamSources{}, []string{"w1"})
	var mc *providers.MissingCredentialsError
	require.ErrorAs(t, err, &mc)
	assert.False(t, store.Exists("lynx", "alpha"))
}

func TestMissingCredentialsLeavesExistingNamespaceUntouched(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ctx := context.Background()
	e := openEngine(t, store, OpenOptions{SeedNetwork: seeded(true)})
	_, err := e.EnsureNodes(ctx, providertest.NewDriver("cloud"), providers.ParamSources{}, []string{"w1"})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	before, err := store.Load("lynx", "alpha")
	require.NoError(t, err)

	e2 := openEngine(t, store, OpenOptions{
		SeedNetwork:      seeded(false),
		DefaultOverrides: map[string]string{api.DefaultImage: "nucypher/nucypher:v8"},
	})
	assert.Equal(t, "nucypher/nucypher:v8", e2.Snapshot().Defaults[api.DefaultImage])
	d := providertest.NewDriver("cloud")
	d.CredentialVar = "CLOUD_TOKEN"
	_, err = e2.EnsureNodes(ctx, d, providers.ParamSources{}, []string{"w2"})
	var mc *providers.MissingCredentialsError
	require.ErrorAs(t, err, &mc)
	_, err = e2.DestroyNodes(ctx, d, providers.ParamSources{}, []string{"w1"})
	require.ErrorAs(t, err, &mc)

	after, err := store.Load("lynx", "alpha")
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Equal(t, before.SeedNode, after.SeedNode)
	assert.True(t, after.SeedNetwork)
	assert.Equal(t, "nucypher/nucypher:latest", after.Defaults[api.DefaultImage])
}

func TestCommitSavesPendingDefaults(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	require.NoError(t, e.Commit())
	assert.False(t, store.Exists("lynx", "alpha"))
	_, err := e.EnsureNodes(context.Background(), providertest.NewDriver("cloud"), providers.ParamSources{}, []string{"w1"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2 := openEngine(t, store, OpenOptions{DefaultOverrides: map[string]string{api.DefaultGasStrategy: "--gas-strategy fast"}})
	saved, err := store.Load("lynx", "alpha")
	require.NoError(t, err)
	assert.Empty(t, saved.Defaults[api.DefaultGasStrategy])

	require.NoError(t, e2.Commit())
	saved, err = store.Load("lynx", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "--gas-strategy fast", saved.Defaults[api.DefaultGasStrategy])
}

func TestOpenConfigDefaultsRankBetweenOverridesAndBuiltins(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{
		ConfigDefaults: map[string]string{
			api.DefaultImage:     "nucypher/nucypher:v7",
			api.DefaultSentryDSN: "https://sentry.example/1",
		},
		DefaultOverrides: map[string]string{api.DefaultSentryDSN: "https://sentry.example/2"},
	})
	defaults := e.Snapshot().Defaults
	assert.Equal(t, "nucypher/nucypher:v7", defaults[api.DefaultImage])
	assert.Equal(t, "https://sentry.example/2", defaults[api.DefaultSentryDSN])
	assert.Equal(t, "/root/.local/share/geth/.ethereum/lynx/geth.ipc", defaults[api.DefaultBlockchainProvider])
}

func TestExistingOnlyDriverOnUnknownNamespace(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	d := providertest.NewDriver(providers.KindGeneric)
	d.ExistingOnly = true

	_, err := e.EnsureNodes(context.Background(), d, providers.ParamSources{}, []string{"box"})
	var nf *providers.NamespaceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Empty(t, d.CallLog())
	assert.False(t, store.Exists("lynx", "alpha"))

	_, err = Open(context.Background(), store, "lynx", "beta", OpenOptions{MustExist: true})
	require.ErrorAs(t, err, &nf)
}

func TestDestroyOneOfTwoKeepsSharedResources(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	d := providertest.NewDriver("cloud", "network")
	ctx := context.Background()
	_, err := e.EnsureNodes(ctx, d, providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)
	d.Reset()

	sum, err := e.DestroyNodes(ctx, d, providers.ParamSources{}, []string{"w1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, sum.Destroyed)
	assert.Equal(t, []string{"configure", "destroy:w1"}, d.CallLog())

	snap := e.Snapshot()
	assert.NotContains(t, snap.Instances, "w1")
	assert.Contains(t, snap.Instances, "w2")
	assert.Equal(t, "id-network", snap.SharedResources["cloud"]["network"])
}

func TestDestroyLastNodeTearsDownAndResumes(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	d := providertest.NewDriver("cloud", "network", "firewall")
	ctx := context.Background()
	_, err := e.EnsureNodes(ctx, d, providers.ParamSources{}, []string{"w1"})
	require.NoError(t, err)

	d.IncompleteTeardowns = 1
	d.Reset()
	sum, err := e.DestroyNodes(ctx, d, providers.ParamSources{}, []string{"w1", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTeardownIncomplete, sum.Outcome)
	assert.Equal(t, []string{"ghost"}, sum.Unknown)
	assert.Equal(t, []string{"configure", "destroy:w1", "teardown"}, d.CallLog())
	assert.Len(t, e.Snapshot().SharedResources["cloud"], 2)

	d.Reset()
	sum, err = e.DestroyNodes(ctx, d, providers.ParamSources{}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverged, sum.Outcome)
	assert.Equal(t, []string{"configure", "teardown", "delete:firewall", "delete:network"}, d.CallLog())
	saved, err := store.Load("lynx", "alpha")
	require.NoError(t, err)
	assert.Empty(t, saved.SharedResources)
}

func TestDestroyUnconfirmedTerminationIsPartial(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	d := providertest.NewDriver("cloud", "network")
	ctx := context.Background()
	_, err := e.EnsureNodes(ctx, d, providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)

	d.FailDestroy["w2"] = true
	d.Reset()
	sum, err := e.DestroyNodes(ctx, d, providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, sum.Outcome)
	assert.Equal(t, []string{"w1"}, sum.Destroyed)
	assert.Equal(t, []string{"w2"}, sum.FailedNames())
	assert.EqualError(t, sum.Failed["w2"], "termination not confirmed")
	assert.Equal(t, []string{"configure", "destroy:w1", "destroy:w2"}, d.CallLog())

	saved, err := store.Load("lynx", "alpha")
	require.NoError(t, err)
	assert.Contains(t, saved.Instances, "w2")
	assert.Equal(t, "id-network", saved.SharedResources["cloud"]["network"])

	delete(d.FailDestroy, "w2")
	d.Reset()
	sum, err = e.DestroyNodes(ctx, d, providers.ParamSources{}, []string{"w2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverged, sum.Outcome)
	assert.Equal(t, []string{"configure", "destroy:w2", "teardown", "delete:network"}, d.CallLog())
}

func TestDestroyIgnoresOtherProviders(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	a := providertest.NewDriver("cloud-a", "network")
	b := providertest.NewDriver("cloud-b", "network")
	ctx := context.Background()
	_, err := e.EnsureNodes(ctx, a, providers.ParamSources{}, []string{"a1"})
	require.NoError(t, err)
	_, err = e.EnsureNodes(ctx, b, providers.ParamSources{}, []string{"b1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cloud-a", "cloud-b"}, e.ProviderKinds())

	b.Reset()
	sum, err := e.DestroyNodes(ctx, b, providers.ParamSources{}, []string{"a1", "b1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, sum.Unknown)
	assert.Equal(t, []string{"configure", "destroy:b1", "teardown", "delete:network"}, b.CallLog())
	snap := e.Snapshot()
	assert.Contains(t, snap.Instances, "a1")
	assert.Contains(t, snap.SharedResources, "cloud-a")
}

func TestDestroySeedNodeLeavesSeed(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{SeedNetwork: seeded(true)})
	d := providertest.NewDriver("cloud")
	ctx := context.Background()
	_, err := e.EnsureNodes(ctx, d, providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)

	_, err = e.DestroyNodes(ctx, d, providers.ParamSources{}, []string{"w1"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", e.Snapshot().SeedNode)
}

func TestOpenAppliesDefaultsAndSeedToggle(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{SeedNetwork: seeded(true), DefaultOverrides: map[string]string{api.DefaultImage: "nucypher/nucypher:v7"}})
	_, err := e.EnsureNodes(context.Background(), providertest.NewDriver("cloud"), providers.ParamSources{}, []string{"w1"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2 := openEngine(t, store, OpenOptions{SeedNetwork: seeded(false)})
	snap := e2.Snapshot()
	assert.False(t, snap.SeedNetwork)
	assert.Empty(t, snap.SeedNode)
	assert.Equal(t, "nucypher/nucypher:v7", snap.Defaults[api.DefaultImage])
	assert.Equal(t, "/root/.local/share/geth/.ethereum/lynx/geth.ipc", snap.Defaults[api.DefaultBlockchainProvider])
	assert.False(t, e2.Created())
}

func TestHostsOrderAndUnknown(t *testing.T) {
	store := state.NewStore(t.TempDir())
	e := openEngine(t, store, OpenOptions{})
	_, err := e.EnsureNodes(context.Background(), providertest.NewDriver("cloud"), providers.ParamSources{}, []string{"w1", "w2"})
	require.NoError(t, err)

	hosts, err := e.Hosts([]string{"w2", "w1"})
	require.NoError(t, err)
	assert.Equal(t, "w2", hosts[0].NodeName)
	_, err = e.Hosts([]string{"w9"})
	require.ErrorContains(t, err, "unknown node")
	all, err := e.Hosts(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestJournalRecordsTransitions(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Ping(context.Background()))

	store := state.NewStore(dir)
	e := openEngine(t, store, OpenOptions{Journal: j, Command: "create"})
	_, err = e.EnsureNodes(context.Background(), providertest.NewDriver("cloud", "network"), providers.ParamSources{}, []string{"w1"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	entries, err := j.List(context.Background(), "lynx", "alpha", 10)
	require.NoError(t, err)
	var kinds []string
	for _, en := range entries {
		kinds = append(kinds, en.Kind+":"+en.Subject)
		assert.Equal(t, "create", en.Command)
	}
	assert.Equal(t, []string{"resource_created:network", "instance_created:w1"}, kinds)
}

func TestSecondOpenWaitsForLock(t *testing.T) {
	store := state.NewStore(t.TempDir())
	openEngine(t, store, OpenOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, store, "lynx", "alpha", OpenOptions{})
	require.Error(t, err)
}
