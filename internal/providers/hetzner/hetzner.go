// Package hetzner drives Hetzner Cloud servers through hcloud-go.
package hetzner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	gssh "github.com/3cpo-dev/cloudworkers/internal/ssh"
	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

const (
	EnvToken    = "HCLOUD_TOKEN"
	EnvLocation = "HCLOUD_LOCATION"

	ResSSHKey   = "ssh_key"
	ResNetwork  = "network"
	ResFirewall = "firewall"

	defaultLocation   = "fsn1"
	defaultServerType = "cx22"
	defaultImage      = "ubuntu-22.04"
	defaultUser       = "root"
	keyFileExt        = "hcloudkey"
	networkRange      = "10.0.0.0/16"
	subnetRange       = "10.0.1.0/24"
	networkZone       = "eu-central"
	statusRunning     = "running"
)

// FirewallPorts are opened to the world on the fleet firewall.
var FirewallPorts = []string{"22", "9151", "9101"}

type Options struct {
	Location     string
	ServerType   string
	Image        string
	PollInterval time.Duration
	Teardown     providers.RetryConfig
	NewClient    func(token string) API
}

type Provider struct {
	opts   Options
	log    zerolog.Logger
	mu     sync.Mutex
	api    API
	params api.ProviderParams
}

func New(opts Options) *Provider {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Teardown.MaxRetries == 0 {
		opts.Teardown = providers.TeardownRetryConfig(10, 10*time.Second)
	}
	if opts.NewClient == nil {
		opts.NewClient = newRealClient
	}
	return &Provider{opts: opts, log: telemetry.Component("hetzner")}
}

func (p *Provider) Kind() string { return providers.KindHetzner }

// ConfigureParams resolves location, server type and image. The token is
// never persisted.
func (p *Provider) ConfigureParams(ctx context.Context, src providers.ParamSources, l providers.Ledger) (api.ProviderParams, error) {
	token := providers.First(src.Explicit.Credential, src.Env.Get(EnvToken))
	if token == "" {
		return api.ProviderParams{}, &providers.MissingCredentialsError{
			Provider: p.Kind(),
			Variable: EnvToken,
			Hint:     "create an API token in the Hetzner Cloud console and export " + EnvToken,
		}
	}
	persisted, _ := l.Params()
	params := api.ProviderParams{
		Region:       providers.First(src.Explicit.Region, persisted.Region, src.Env.Get(EnvLocation), p.opts.Location, defaultLocation),
		InstanceType: providers.First(src.Explicit.InstanceType, persisted.InstanceType, p.opts.ServerType, defaultServerType),
		Image:        providers.First(src.Explicit.Image, persisted.Image, p.opts.Image, defaultImage),
		Credential:   token,
	}
	if err := providers.ValidateParams(p.Kind(), params); err != nil {
		return api.ProviderParams{}, err
	}
	if err := l.SaveParams(params); err != nil {
		return api.ProviderParams{}, err
	}
	p.mu.Lock()
	p.api, p.params = p.opts.NewClient(token), params
	p.mu.Unlock()
	p.log.Info().Str("location", params.Region).Str("server_type", params.InstanceType).Msg("Resolved Hetzner parameters")
	return params, nil
}

func (p *Provider) client() (API, api.ProviderParams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.api == nil {
		return nil, api.ProviderParams{}, errors.New("hetzner: ConfigureParams must run first")
	}
	return p.api, p.params, nil
}

func (p *Provider) graph(c API) providers.Graph {
	labels := func(l providers.Ledger) map[string]string {
		return map[string]string{"fleet": l.NamespaceNetwork()}
	}
	return providers.Graph{
		Provider: p.Kind(),
		Log:      p.log,
		Steps: []providers.Step{
			{
				Kind: ResSSHKey,
				Create: func(ctx context.Context, l providers.Ledger) (string, error) {
					pub, err := gssh.GenerateEd25519Keypair(l.KeyPath(keyFileExt), l.NamespaceNetwork())
					if err != nil {
						return "", err
					}
					id, err := c.CreateSSHKey(ctx, l.NamespaceNetwork(), pub, labels(l))
					if err != nil {
						return "", err
					}
					return strconv.FormatInt(id, 10), nil
				},
				Delete: func(ctx context.Context, l providers.Ledger, id string) error {
					n, err := parseID(id)
					if err != nil {
						return err
					}
					if err := c.DeleteSSHKey(ctx, n); err != nil {
						return err
					}
					return gssh.RemoveKeyFile(l.KeyPath(keyFileExt))
				},
			},
			{
				Kind: ResNetwork,
				Create: func(ctx context.Context, l providers.Ledger) (string, error) {
					id, err := c.CreateNetwork(ctx, l.NamespaceNetwork(), networkRange, subnetRange, networkZone, labels(l))
					if err != nil {
						return "", err
					}
					return strconv.FormatInt(id, 10), nil
				},
				Delete: func(ctx context.Context, _ providers.Ledger, id string) error {
					n, err := parseID(id)
					if err != nil {
						return err
					}
					return c.DeleteNetwork(ctx, n)
				},
			},
			{
				Kind: ResFirewall,
				Create: func(ctx context.Context, l providers.Ledger) (string, error) {
					id, err := c.CreateFirewall(ctx, "workers-"+l.NamespaceNetwork(), FirewallPorts, labels(l))
					if err != nil {
						return "", err
					}
					return strconv.FormatInt(id, 10), nil
				},
				Delete: func(ctx context.Context, _ providers.Ledger, id string) error {
					n, err := parseID(id)
					if err != nil {
						return err
					}
					return c.DeleteFirewall(ctx, n)
				},
			},
		},
	}
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed hetzner id %q", id)
	}
	return n, nil
}

func (p *Provider) EnsurePrerequisites(ctx context.Context, l providers.Ledger) error {
	c, _, err := p.client()
	if err != nil {
		return err
	}
	return p.graph(c).Ensure(ctx, l)
}

func (p *Provider) DestroySharedResources(ctx context.Context, l providers.Ledger) (bool, error) {
	c, _, err := p.client()
	if err != nil {
		return false, err
	}
	return p.graph(c).Teardown(ctx, l, p.opts.Teardown)
}

func (p *Provider) CreateInstance(ctx context.Context, nodeName string, l providers.Ledger) (api.InstanceRecord, error) {
	c, params, err := p.client()
	if err != nil {
		return api.InstanceRecord{}, err
	}
	ids := map[string]int64{}
	for _, kind := range []string{ResSSHKey, ResNetwork, ResFirewall} {
		raw, ok := l.Resource(kind)
		if !ok {
			return api.InstanceRecord{}, errors.New("hetzner: shared resources missing; prerequisites must be ensured first")
		}
		if ids[kind], err = parseID(raw); err != nil {
			return api.InstanceRecord{}, err
		}
	}
	id, err := c.CreateServer(ctx, ServerSpec{
		Name:       strings.ToLower(nodeName),
		ServerType: params.InstanceType,
		Image:      params.Image,
		Location:   params.Region,
		SSHKeyID:   ids[ResSSHKey],
		NetworkID:  ids[ResNetwork],
		FirewallID: ids[ResFirewall],
		Labels:     map[string]string{"fleet": l.NamespaceNetwork(), "node": nodeName},
		UserData:   providers.WorkerUserData(strings.ToLower(nodeName), FirewallPorts),
	})
	if err != nil {
		return api.InstanceRecord{}, providers.APIError(p.Kind(), "create server", nodeName, err)
	}
	p.log.Info().Str("node", nodeName).Int64("server_id", id).Msg("Server created, waiting until running")

	var address string
	err = providers.PollUntil(ctx, p.opts.PollInterval, func(ctx context.Context) (bool, error) {
		status, ip, found, err := c.ServerState(ctx, id)
		if err != nil {
			return false, providers.APIError(p.Kind(), "get server", strconv.FormatInt(id, 10), err)
		}
		if !found {
			return false, providers.APIError(p.Kind(), "get server", strconv.FormatInt(id, 10), errors.New("server disappeared"))
		}
		if status != statusRunning || ip == "" {
			p.log.Debug().Str("node", nodeName).Str("status", status).Msg("Waiting for server")
			return false, nil
		}
		address = ip
		return true, nil
	})
	if err != nil {
		p.abandon(ctx, c, nodeName, id)
		return api.InstanceRecord{}, err
	}
	return api.InstanceRecord{
		NodeName:      nodeName,
		Provider:      p.Kind(),
		PublicAddress: address,
		InstanceID:    strconv.FormatInt(id, 10),
		DeployAttrs: []api.DeployAttr{
			{Key: api.AttrDefaultUser, Value: defaultUser},
			{Key: api.AttrSSHKeyPath, Value: l.KeyPath(keyFileExt)},
		},
	}, nil
}

// abandon deletes a server that never reached running.
func (p *Provider) abandon(ctx context.Context, c API, nodeName string, id int64) {
	err := providers.Cleanup(ctx, func(ctx context.Context) error { return c.DeleteServer(ctx, id) })
	if err != nil {
		p.log.Error().Err(err).Str("node", nodeName).Int64("server_id", id).
			Msg("Server never became ready and could not be deleted; delete it by hand")
		return
	}
	p.log.Warn().Str("node", nodeName).Int64("server_id", id).Msg("Server never became ready, deleted")
}

func (p *Provider) DestroyInstances(ctx context.Context, nodeNames []string, l providers.Ledger) (bool, error) {
	c, _, err := p.client()
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
		id, err := parseID(rec.InstanceID)
		if err != nil {
			p.log.Error().Err(err).Str("node", name).Msg("Cannot delete server")
			ok = false
			continue
		}
		if err := c.DeleteServer(ctx, id); err != nil {
			p.log.Error().Err(err).Str("node", name).Int64("server_id", id).Msg("Server deletion failed")
			ok = false
			continue
		}
		if err := l.ForgetInstance(name); err != nil {
			return false, err
		}
		p.log.Info().Str("node", name).Int64("server_id", id).Msg("Server deleted")
		l.Emit(providers.Event{Kind: providers.EventInstanceDeleted, Subject: name, Detail: rec.InstanceID})
	}
	return ok, nil
}
