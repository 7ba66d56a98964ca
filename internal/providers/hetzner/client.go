package hetzner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
)

// API is the set of Hetzner Cloud calls the driver makes. realClient
// implements it on top of hcloud-go; tests use a fake.
type API interface {
	CreateSSHKey(ctx context.Context, name, publicKey string, labels map[string]string) (int64, error)
	DeleteSSHKey(ctx context.Context, id int64) error
	CreateNetwork(ctx context.Context, name, ipRange, subnetRange, zone string, labels map[string]string) (int64, error)
	DeleteNetwork(ctx context.Context, id int64) error
	CreateFirewall(ctx context.Context, name string, tcpPorts []string, labels map[string]string) (int64, error)
	DeleteFirewall(ctx context.Context, id int64) error
	CreateServer(ctx context.Context, spec ServerSpec) (int64, error)
	// ServerState returns status and public IPv4; found is false once the server is gone.
	ServerState(ctx context.Context, id int64) (status, ipv4 string, found bool, err error)
	DeleteServer(ctx context.Context, id int64) error
}

type ServerSpec struct {
	Name       string
	ServerType string
	Image      string
	Location   string
	SSHKeyID   int64
	NetworkID  int64
	FirewallID int64
	Labels     map[string]string
	UserData   string
}

type realClient struct {
	client *hcloud.Client
}

func newRealClient(token string) API {
	httpClient := providers.NewHTTPClient(providers.DefaultRetryConfig(), 5, 60*time.Second)
	return &realClient{client: hcloud.NewClient(
		hcloud.WithToken(token),
		hcloud.WithHTTPClient(httpClient),
		hcloud.WithApplication("cloudworkers", ""),
	)}
}

func isNotFound(err error) bool {
	var herr hcloud.Error
	return errors.As(err, &herr) && herr.Code == hcloud.ErrorCodeNotFound
}

func ignoreNotFound(err error) error {
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *realClient) CreateSSHKey(ctx context.Context, name, publicKey string, labels map[string]string) (int64, error) {
	key, _, err := c.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{Name: name, PublicKey: publicKey, Labels: labels})
	if err != nil {
		return 0, err
	}
	return key.ID, nil
}

func (c *realClient) DeleteSSHKey(ctx context.Context, id int64) error {
	_, err := c.client.SSHKey.Delete(ctx, &hcloud.SSHKey{ID: id})
	return ignoreNotFound(err)
}

func (c *realClient) CreateNetwork(ctx context.Context, name, ipRange, subnetRange, zone string, labels map[string]string) (int64, error) {
	_, ipNet, err := net.ParseCIDR(ipRange)
	if err != nil {
		return 0, fmt.Errorf("invalid network range: %w", err)
	}
	_, subNet, err := net.ParseCIDR(subnetRange)
	if err != nil {
		return 0, fmt.Errorf("invalid subnet range: %w", err)
	}
	network, _, err := c.client.Network.Create(ctx, hcloud.NetworkCreateOpts{
		Name:    name,
		IPRange: ipNet,
		Subnets: []hcloud.NetworkSubnet{{
			Type:        hcloud.NetworkSubnetTypeCloud,
			IPRange:     subNet,
			NetworkZone: hcloud.NetworkZone(zone),
		}},
		Labels: labels,
	})
	if err != nil {
		return 0, err
	}
	return network.ID, nil
}

func (c *realClient) DeleteNetwork(ctx context.Context, id int64) error {
	_, err := c.client.Network.Delete(ctx, &hcloud.Network{ID: id})
	return ignoreNotFound(err)
}

func (c *realClient) CreateFirewall(ctx context.Context, name string, tcpPorts []string, labels map[string]string) (int64, error) {
	_, anyV4, _ := net.ParseCIDR("0.0.0.0/0")
	_, anyV6, _ := net.ParseCIDR("::/0")
	rules := make([]hcloud.FirewallRule, 0, len(tcpPorts))
	for _, port := range tcpPorts {
		rules = append(rules, hcloud.FirewallRule{
			Description: hcloud.Ptr("worker port " + port),
			Direction:   hcloud.FirewallRuleDirectionIn,
			Protocol:    hcloud.FirewallRuleProtocolTCP,
			Port:        hcloud.Ptr(port),
			SourceIPs:   []net.IPNet{*anyV4, *anyV6},
		})
	}
	res, _, err := c.client.Firewall.Create(ctx, hcloud.FirewallCreateOpts{Name: name, Rules: rules, Labels: labels})
	if err != nil {
		return 0, err
	}
	if err := c.client.Action.WaitFor(ctx, res.Actions...); err != nil {
		return 0, fmt.Errorf("wait for firewall: %w", err)
	}
	return res.Firewall.ID, nil
}

func (c *realClient) DeleteFirewall(ctx context.Context, id int64) error {
	_, err := c.client.Firewall.Delete(ctx, &hcloud.Firewall{ID: id})
	return ignoreNotFound(err)
}

func (c *realClient) CreateServer(ctx context.Context, spec ServerSpec) (int64, error) {
	serverType, _, err := c.client.ServerType.Get(ctx, spec.ServerType)
	if err != nil {
		return 0, fmt.Errorf("get server type: %w", err)
	}
	if serverType == nil {
		return 0, fmt.Errorf("server type not found: %s", spec.ServerType)
	}
	image, _, err := c.client.Image.GetForArchitecture(ctx, spec.Image, serverType.Architecture)
	if err != nil {
		return 0, fmt.Errorf("get image: %w", err)
	}
	if image == nil {
		return 0, fmt.Errorf("image not found: %s", spec.Image)
	}
	location, _, err := c.client.Location.Get(ctx, spec.Location)
	if err != nil {
		return 0, fmt.Errorf("get location: %w", err)
	}
	if location == nil {
		return 0, fmt.Errorf("location not found: %s", spec.Location)
	}
	res, _, err := c.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: serverType,
		Image:      image,
		Location:   location,
		SSHKeys:    []*hcloud.SSHKey{{ID: spec.SSHKeyID}},
		Networks:   []*hcloud.Network{{ID: spec.NetworkID}},
		Firewalls:  []*hcloud.ServerCreateFirewall{{Firewall: hcloud.Firewall{ID: spec.FirewallID}}},
		Labels:     spec.Labels,
		UserData:   spec.UserData,
	})
	if err != nil {
		return 0, err
	}
	return res.Server.ID, nil
}

func (c *realClient) ServerState(ctx context.Context, id int64) (string, string, bool, error) {
	server, _, err := c.client.Server.GetByID(ctx, id)
	if err != nil {
		return "", "", false, err
	}
	if server == nil {
		return "", "", false, nil
	}
	ip := ""
	if v4 := server.PublicNet.IPv4.IP; v4 != nil && !v4.IsUnspecified() {
		ip = server.PublicNet.IPv4.IP.String()
	}
	return string(server.Status), ip, true, nil
}

func (c *realClient) DeleteServer(ctx context.Context, id int64) error {
	_, _, err := c.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	return ignoreNotFound(err)
}
