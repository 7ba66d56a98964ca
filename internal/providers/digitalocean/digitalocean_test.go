package digitalocean

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/godo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/providers/providertest"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

type fakeDroplets struct {
	mu       sync.Mutex
	created  []*godo.DropletCreateRequest
	gets     map[int]int
	deleted  []int
	missing  map[int]bool
	failName string
	nextID   int
	getErr   error
}

func newFakeDroplets() *fakeDroplets {
	return &fakeDroplets{gets: map[int]int{}, missing: map[int]bool{}, nextID: 100}
}

func (f *fakeDroplets) Create(_ context.Context, req *godo.DropletCreateRequest) (*godo.Droplet, *godo.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Name == f.failName {
		return nil, nil, errors.New("422 size unavailable")
	}
	f.created = append(f.created, req)
	f.nextID++
	return &godo.Droplet{ID: f.nextID, Name: req.Name, Status: "new"}, nil, nil
}

func (f *fakeDroplets) Get(_ context.Context, id int) (*godo.Droplet, *godo.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets[id]++
	if f.getErr != nil {
		return nil, nil, f.getErr
	}
	d := &godo.Droplet{ID: id, Status: "new"}
	if f.gets[id] >= 3 {
		d.Status = "active"
		d.Networks = &godo.Networks{V4: []godo.NetworkV4{
			{IPAddress: "10.10.0.5", Type: "private"},
			{IPAddress: "192.0.2.50", Type: "public"},
		}}
	}
	return d, nil, nil
}

func (f *fakeDroplets) Delete(_ context.Context, id int) (*godo.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[id] {
		return &godo.Response{Response: &http.Response{StatusCode: http.StatusNotFound}}, errors.New("404 not found")
	}
	f.deleted = append(f.deleted, id)
	return &godo.Response{Response: &http.Response{StatusCode: http.StatusNoContent}}, nil
}

func configured(t *testing.T, fake *fakeDroplets) (*Provider, *providertest.Ledger) {
	t.Helper()
	p := New(Options{PollInterval: time.Millisecond, NewClient: func(string) DropletsAPI { return fake }})
	l := providertest.NewLedger(t.TempDir(), providers.KindDigitalOcean)
	env := providers.Env{EnvToken: "dop_v1_test", EnvFingerprint: "aa:bb:cc"}
	_, err := p.ConfigureParams(context.Background(), providers.ParamSources{Env: env}, l)
	require.NoError(t, err)
	return p, l
}

func TestConfigureParamsMissingToken(t *testing.T) {
	p := New(Options{NewClient: func(string) DropletsAPI { return newFakeDroplets() }})
	l := providertest.NewLedger(t.TempDir(), providers.KindDigitalOcean)
	_, err := p.ConfigureParams(context.Background(), providers.ParamSources{Env: providers.Env{}}, l)
	var mc *providers.MissingCredentialsError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, EnvToken, mc.Variable)
	assert.Zero(t, l.Saves)
}

func TestConfigureParamsMissingFingerprint(t *testing.T) {
	p := New(Options{NewClient: func(string) DropletsAPI { return newFakeDroplets() }})
	l := providertest.NewLedger(t.TempDir(), providers.KindDigitalOcean)
	_, err := p.ConfigureParams(context.Background(), providers.ParamSources{Env: providers.Env{EnvToken: "t"}}, l)
	var mc *providers.MissingCredentialsError
	require.True(t, errors.As(err, &mc))
	assert.Equal(t, EnvFingerprint, mc.Variable)
}

func TestConfigureParamsDefaultsAndPersistence(t *testing.T) {
	_, l := configured(t, newFakeDroplets())
	require.NotNil(t, l.Stored)
	assert.Equal(t, "SFO3", l.Stored.Region)
	assert.Equal(t, "aa:bb:cc", l.Stored.SSHKey)
	assert.Empty(t, l.Stored.Credential, "tokens are never persisted")
}

func TestCreateInstancePollsUntilActive(t *testing.T) {
	fake := newFakeDroplets()
	p, l := configured(t, fake)
	l.Defaults[api.DefaultBlockchainProvider] = "/root/.local/share/geth/.ethereum/lynx/geth.ipc"

	rec, err := p.CreateInstance(context.Background(), "alpha-lynx-1", l)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.50", rec.PublicAddress)
	assert.Equal(t, "101", rec.InstanceID)
	assert.Equal(t, 3, fake.gets[101])
	require.Len(t, fake.created, 1)
	assert.Equal(t, "s-2vcpu-4gb", fake.created[0].Size)
	assert.Equal(t, "ubuntu-20-04-x64", fake.created[0].Image.Slug)
	assert.Equal(t, []string{"lynx-alpha-2026-03-04"}, fake.created[0].Tags)
	assert.Contains(t, fake.created[0].UserData, "ufw allow 9151/tcp")
}

func TestCreateInstanceDeletesDropletWhenWaitFails(t *testing.T) {
	fake := newFakeDroplets()
	fake.getErr = errors.New("500 internal error")
	p, l := configured(t, fake)

	_, err := p.CreateInstance(context.Background(), "alpha-lynx-1", l)
	var apiErr *providers.ProviderAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "get droplet", apiErr.Op)
	assert.Equal(t, []int{101}, fake.deleted)
	assert.Empty(t, l.Records)
}

func TestCreateInstanceDeletesDropletOnCancel(t *testing.T) {
	fake := newFakeDroplets()
	p, l := configured(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.CreateInstance(ctx, "alpha-lynx-1", l)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{101}, fake.deleted)
}

func TestDropletSize(t *testing.T) {
	assert.Equal(t, "s-1vcpu-2gb", dropletSize("https://mainnet.infura.io/v3/x"))
	assert.Equal(t, "s-2vcpu-4gb", dropletSize("/data/geth.ipc"))
}

func TestCreateInstanceFailureIsProviderAPIError(t *testing.T) {
	fake := newFakeDroplets()
	fake.failName = "alpha-lynx-2"
	p, l := configured(t, fake)
	_, err := p.CreateInstance(context.Background(), "alpha-lynx-2", l)
	var apiErr *providers.ProviderAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "alpha-lynx-2", apiErr.Resource)
}

func TestDestroyInstancesTreatsMissingAsGone(t *testing.T) {
	fake := newFakeDroplets()
	fake.missing[7] = true
	p, l := configured(t, fake)
	l.AddInstance(api.InstanceRecord{NodeName: "w1", InstanceID: "7"})
	l.AddInstance(api.InstanceRecord{NodeName: "w2", InstanceID: "8"})
	l.AddInstance(api.InstanceRecord{NodeName: "w3", InstanceID: "9"})

	ok, err := p.DestroyInstances(context.Background(), []string{"w1", "w2"}, l)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{8}, fake.deleted)
	assert.Equal(t, []string{"w3"}, names(l.Instances()))

	done, err := p.DestroySharedResources(context.Background(), l)
	require.NoError(t, err)
	assert.True(t, done)
}

func names(recs []api.InstanceRecord) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.NodeName)
	}
	return out
}
