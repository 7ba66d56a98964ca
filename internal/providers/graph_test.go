package providers_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/providers/providertest"
)

type recorder struct {
	calls    []string
	failures map[string]int
}

func (r *recorder) step(kind string) providers.Step {
	return providers.Step{
		Kind: kind,
		Create: func(ctx context.Context, l providers.Ledger) (string, error) {
			r.calls = append(r.calls, "create:"+kind)
			return kind + "-id", nil
		},
		Delete: func(ctx context.Context, l providers.Ledger, id string) error {
			r.calls = append(r.calls, "delete:"+kind)
			if r.failures[kind] > 0 {
				r.failures[kind]--
				return fmt.Errorf("%s still in use", kind)
			}
			return nil
		},
	}
}

func newGraph(r *recorder, kinds ...string) providers.Graph {
	g := providers.Graph{Provider: "test", Log: zerolog.Nop()}
	for _, k := range kinds {
		g.Steps = append(g.Steps, r.step(k))
	}
	return g
}

func TestGraphEnsureIsIdempotent(t *testing.T) {
	r := &recorder{}
	g := newGraph(r, "network", "subnet", "firewall")
	l := providertest.NewLedger(t.TempDir(), "test")

	require.NoError(t, g.Ensure(context.Background(), l))
	require.NoError(t, g.Ensure(context.Background(), l))

	assert.Equal(t, []string{"create:network", "create:subnet", "create:firewall"}, r.calls)
	assert.Equal(t, "subnet-id", l.Resources["subnet"])
	assert.Equal(t, 3, l.Saves)
}

func TestGraphEnsureResumesAfterPartialChain(t *testing.T) {
	r := &recorder{}
	g := newGraph(r, "network", "subnet", "firewall")
	l := providertest.NewLedger(t.TempDir(), "test")
	l.Resources["network"] = "net-existing"

	require.NoError(t, g.Ensure(context.Background(), l))
	assert.Equal(t, []string{"create:subnet", "create:firewall"}, r.calls)
	assert.Equal(t, "net-existing", l.Resources["network"])
}

func TestGraphEnsureStopsOnFailure(t *testing.T) {
	g := providers.Graph{Provider: "test", Log: zerolog.Nop(), Steps: []providers.Step{
		{
			Kind:   "network",
			Create: func(context.Context, providers.Ledger) (string, error) { return "", errors.New("quota") },
			Delete: func(context.Context, providers.Ledger, string) error { return nil },
		},
		{
			Kind: "subnet",
			Create: func(context.Context, providers.Ledger) (string, error) {
				t.Fatal("subnet created after network failed")
				return "", nil
			},
			Delete: func(context.Context, providers.Ledger, string) error { return nil },
		},
	}}
	l := providertest.NewLedger(t.TempDir(), "test")
	err := g.Ensure(context.Background(), l)
	var apiErr *providers.ProviderAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "network", apiErr.Resource)
	assert.Empty(t, l.Resources)
}

func TestGraphTeardownReverseOrder(t *testing.T) {
	r := &recorder{}
	g := newGraph(r, "keypair", "vpc", "gateway", "route_table", "subnet", "security_group")
	l := providertest.NewLedger(t.TempDir(), "test")
	require.NoError(t, g.Ensure(context.Background(), l))
	r.calls = nil

	done, err := g.Teardown(context.Background(), l, providers.TeardownRetryConfig(3, 0))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{
		"delete:security_group", "delete:subnet", "delete:route_table",
		"delete:gateway", "delete:vpc", "delete:keypair",
	}, r.calls)
	assert.Empty(t, l.Resources)
}

func TestGraphTeardownRetriesThenSucceeds(t *testing.T) {
	r := &recorder{failures: map[string]int{"subnet": 2}}
	g := newGraph(r, "network", "subnet")
	l := providertest.NewLedger(t.TempDir(), "test")
	require.NoError(t, g.Ensure(context.Background(), l))

	done, err := g.Teardown(context.Background(), l, providers.TeardownRetryConfig(3, 0))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Contains(t, l.EventKinds(), "retry:subnet")
}

func TestGraphTeardownIncompleteIsResumable(t *testing.T) {
	r := &recorder{failures: map[string]int{"subnet": 5}}
	g := newGraph(r, "network", "subnet", "firewall")
	l := providertest.NewLedger(t.TempDir(), "test")
	require.NoError(t, g.Ensure(context.Background(), l))
	r.calls = nil

	done, err := g.Teardown(context.Background(), l, providers.TeardownRetryConfig(2, 0))
	require.NoError(t, err)
	assert.False(t, done)
	assert.NotContains(t, l.Resources, "firewall")
	assert.Contains(t, l.Resources, "subnet")
	assert.Contains(t, l.Resources, "network")
	assert.Equal(t, []string{"delete:firewall", "delete:subnet", "delete:subnet"}, r.calls)

	r.calls = nil
	r.failures["subnet"] = 0
	done, err = g.Teardown(context.Background(), l, providers.TeardownRetryConfig(2, 0))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"delete:subnet", "delete:network"}, r.calls)
}

func TestGraphValidate(t *testing.T) {
	r := &recorder{}
	g := newGraph(r, "network", "network")
	require.Error(t, g.Validate())
	require.Error(t, providers.Graph{Steps: []providers.Step{{Kind: "x"}}}.Validate())
}
