package digitalocean

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/digitalocean/godo"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

const (
	EnvToken       = "DIGITALOCEAN_ACCESS_TOKEN"
	EnvRegion      = "DIGITALOCEAN_REGION"
	EnvFingerprint = "DIGITAL_OCEAN_KEY_FINGERPRINT"

	defaultRegion = "SFO3"
	defaultImage  = "ubuntu-20-04-x64"
	sizeWithChain = "s-2vcpu-4gb"
	sizeLight     = "s-1vcpu-2gb"
	defaultUser   = "root"
)

// firewallPorts are opened on the droplet by its first-boot script.
var firewallPorts = []string{"22", "9151", "9101"}

// DropletsAPI is the part of godo.DropletsService the driver uses.
type DropletsAPI interface {
	Create(ctx context.Context, req *godo.DropletCreateRequest) (*godo.Droplet, *godo.Response, error)
	Get(ctx context.Context, id int) (*godo.Droplet, *godo.Response, error)
	Delete(ctx context.Context, id int) (*godo.Response, error)
}

type Options struct {
	Region         string
	KeyFingerprint string
	Image          string
	PollInterval   time.Duration
	NewClient      func(token string) DropletsAPI
}

// Provider creates droplets. It has no shared resources: the SSH key is
// registered out of band and referenced by fingerprint.
type Provider struct {
	opts     Options
	log      zerolog.Logger
	mu       sync.Mutex
	droplets DropletsAPI
	params   api.ProviderParams
}

func New(opts Options) *Provider {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.NewClient == nil {
		opts.NewClient = newGodoClient
	}
	return &Provider{opts: opts, log: telemetry.Component("digitalocean")}
}

func newGodoClient(token string) DropletsAPI {
	hc := providers.NewHTTPClient(providers.DefaultRetryConfig(), 5, 60*time.Second)
	hc.Transport = &bearer{token: token, base: hc.Transport}
	return godo.NewClient(hc).Droplets
}

// bearer authenticates every API request with the access token.
type bearer struct {
	token string
	base  http.RoundTripper
}

func (b *bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(r)
}

func (p *Provider) Kind() string { return providers.KindDigitalOcean }

func (p *Provider) ConfigureParams(ctx context.Context, src providers.ParamSources, l providers.Ledger) (api.ProviderParams, error) {
	token := providers.First(src.Explicit.Credential, src.Env.Get(EnvToken))
	if token == "" {
		return api.ProviderParams{}, &providers.MissingCredentialsError{
			Provider: p.Kind(),
			Variable: EnvToken,
			Hint:     "create a personal access token and export " + EnvToken,
		}
	}
	persisted, _ := l.Params()
	params := api.ProviderParams{
		Region:     providers.First(src.Explicit.Region, persisted.Region, src.Env.Get(EnvRegion), p.opts.Region, defaultRegion),
		SSHKey:     providers.First(src.Explicit.SSHKey, persisted.SSHKey, src.Env.Get(EnvFingerprint), p.opts.KeyFingerprint),
		Image:      providers.First(src.Explicit.Image, persisted.Image, p.opts.Image, defaultImage),
		Credential: token,
	}
	if params.SSHKey == "" {
		return api.ProviderParams{}, &providers.MissingCredentialsError{
			Provider: p.Kind(),
			Variable: EnvFingerprint,
			Hint:     "register an SSH key with DigitalOcean and pass its fingerprint via --ssh-key or " + EnvFingerprint,
		}
	}
	if err := providers.ValidateParams(p.Kind(), params); err != nil {
		return api.ProviderParams{}, err
	}
	if err := l.SaveParams(params); err != nil {
		return api.ProviderParams{}, err
	}
	p.mu.Lock()
	p.droplets, p.params = p.opts.NewClient(token), params
	p.mu.Unlock()
	p.log.Info().Str("region", params.Region).Msg("Resolved DigitalOcean parameters")
	return params, nil
}

func (p *Provider) client() (DropletsAPI, api.ProviderParams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.droplets == nil {
		return nil, api.ProviderParams{}, errors.New("digitalocean: ConfigureParams must run first")
	}
	return p.droplets, p.params, nil
}

// EnsurePrerequisites is a no-op.
func (p *Provider) EnsurePrerequisites(context.Context, providers.Ledger) error { return nil }

// DestroySharedResources is a no-op.
func (p *Provider) DestroySharedResources(context.Context, providers.Ledger) (bool, error) {
	return true, nil
}

// dropletSize is larger when nodes run their own chain client over IPC.
func dropletSize(blockchainProvider string) string {
	if strings.Contains(blockchainProvider, "geth.ipc") {
		return sizeWithChain
	}
	return sizeLight
}

func (p *Provider) CreateInstance(ctx context.Context, nodeName string, l providers.Ledger) (api.InstanceRecord, error) {
	droplets, params, err := p.client()
	if err != nil {
		return api.InstanceRecord{}, err
	}
	d, _, err := droplets.Create(ctx, &godo.DropletCreateRequest{
		Name:     nodeName,
		Region:   params.Region,
		Size:     dropletSize(l.Default(api.DefaultBlockchainProvider)),
		Image:    godo.DropletCreateImage{Slug: params.Image},
		SSHKeys:  []godo.DropletCreateSSHKey{{Fingerprint: params.SSHKey}},
		Tags:     []string{l.NamespaceNetwork()},
		UserData: providers.WorkerUserData(nodeName, firewallPorts),
	})
	if err != nil {
		return api.InstanceRecord{}, providers.APIError(p.Kind(), "create droplet", nodeName, err)
	}
	p.log.Info().Str("node", nodeName).Int("droplet_id", d.ID).Msg("Droplet created, waiting until active")

	var address string
	err = providers.PollUntil(ctx, p.opts.PollInterval, func(ctx context.Context) (bool, error) {
		cur, _, err := droplets.Get(ctx, d.ID)
		if err != nil {
			return false, providers.APIError(p.Kind(), "get droplet", strconv.Itoa(d.ID), err)
		}
		if cur.Status != "active" {
			p.log.Debug().Str("node", nodeName).Str("status", cur.Status).Msg("Waiting for droplet")
			return false, nil
		}
		ip, err := cur.PublicIPv4()
		if err != nil || ip == "" {
			return false, nil
		}
		address = ip
		return true, nil
	})
	if err != nil {
		p.abandon(ctx, droplets, nodeName, d.ID)
		return api.InstanceRecord{}, err
	}
	return api.InstanceRecord{
		NodeName:      nodeName,
		Provider:      p.Kind(),
		PublicAddress: address,
		InstanceID:    strconv.Itoa(d.ID),
		DeployAttrs:   []api.DeployAttr{{Key: api.AttrDefaultUser, Value: defaultUser}},
	}, nil
}

// abandon deletes a droplet that never became active.
func (p *Provider) abandon(ctx context.Context, droplets DropletsAPI, nodeName string, id int) {
	err := providers.Cleanup(ctx, func(ctx context.Context) error {
		resp, err := droplets.Delete(ctx, id)
		if notFound(resp) {
			return nil
		}
		return err
	})
	if err != nil {
		p.log.Error().Err(err).Str("node", nodeName).Int("droplet_id", id).
			Msg("Droplet never became active and could not be deleted; delete it by hand")
		return
	}
	p.log.Warn().Str("node", nodeName).Int("droplet_id", id).Msg("Droplet never became active, deleted")
}

func (p *Provider) DestroyInstances(ctx context.Context, nodeNames []string, l providers.Ledger) (bool, error) {
	droplets, _, err := p.client()
	if err != nil {
		return false, err
	}
	owned := map[string]api.InstanceRecord{}
	for _, rec := range l.Instances() {
		owned[rec.NodeName] = rec
	}
	ok := true
	for _, name := range nodeNames {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		rec, found := owned[name]
		if !found {
			continue
		}
		id, err := strconv.Atoi(rec.InstanceID)
		if err != nil {
			p.log.Error().Str("node", name).Str("instance_id", rec.InstanceID).Msg("Malformed droplet id")
			ok = false
			continue
		}
		resp, err := droplets.Delete(ctx, id)
		if err != nil && !notFound(resp) {
			p.log.Error().Err(err).Str("node", name).Int("droplet_id", id).Msg("Droplet deletion failed")
			ok = false
			continue
		}
		if err := l.ForgetInstance(name); err != nil {
			return false, err
		}
		p.log.Info().Str("node", name).Int("droplet_id", id).Msg("Droplet deleted")
		l.Emit(providers.Event{Kind: providers.EventInstanceDeleted, Subject: name, Detail: rec.InstanceID})
	}
	return ok, nil
}

func notFound(resp *godo.Response) bool {
	return resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound
}
