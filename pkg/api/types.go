package api

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is written into every persisted fleet document.
const SchemaVersion = 1

// Fleet default keys that can be overridden per host.
const (
	DefaultBlockchainProvider = "blockchain_provider"
	DefaultImage              = "nucypher_image"
	DefaultSentryDSN          = "sentry_dsn"
	DefaultGasStrategy        = "gas_strategy"
)

// Deploy attribute keys understood by inventory rendering.
const (
	AttrDefaultUser = "default_user"
	AttrSSHKeyPath  = "ssh_key_path"
	AttrSSHPort     = "ssh_port"
)

// Secret keys generated once per namespace.
const (
	SecretKeyringPassword = "keyring_password"
	SecretEthPassword     = "eth_password"
)

type NodeStatus string

const (
	NodeActive     NodeStatus = "active"
	NodeConfigured NodeStatus = "configured"
)

// DeployAttr is one ordered key/value needed to reach a host.
type DeployAttr struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// ProviderParams holds the resolved, persisted settings of one driver.
// Credential carries secrets resolved from the environment and is never written to disk.
type ProviderParams struct {
	Region       string            `json:"region,omitempty" yaml:"region" validate:"required"`
	Profile      string            `json:"profile,omitempty" yaml:"profile"`
	SSHKey       string            `json:"ssh_key,omitempty" yaml:"ssh_key"`
	InstanceType string            `json:"instance_type,omitempty" yaml:"instance_type"`
	Image        string            `json:"image,omitempty" yaml:"image"`
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra"`
	Credential   string            `json:"-" yaml:"-"`
}

// InstanceRecord is the persisted view of one node.
type InstanceRecord struct {
	NodeName      string            `json:"node_name"`
	Provider      string            `json:"provider"`
	PublicAddress string            `json:"public_address"`
	InstanceID    string            `json:"instance_id,omitempty"`
	Status        NodeStatus        `json:"status"`
	DeployAttrs   []DeployAttr      `json:"deploy_attrs,omitempty"`
	HostVars      map[string]string `json:"host_vars,omitempty"`
	Captured      map[string]string `json:"captured,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ConfiguredAt  *time.Time        `json:"configured_at,omitempty"`
}

// Attr returns the deploy attribute value for key.
func (r InstanceRecord) Attr(key string) (string, bool) {
	for _, a := range r.DeployAttrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SSHCommand renders the ssh invocation that reaches this host.
func (r InstanceRecord) SSHCommand() string {
	user, ok := r.Attr(AttrDefaultUser)
	if !ok || user == "" {
		user = "root"
	}
	parts := []string{"ssh", fmt.Sprintf("%s@%s", user, r.PublicAddress)}
	if key, ok := r.Attr(AttrSSHKeyPath); ok && key != "" {
		parts = append(parts, "-i", key)
	}
	if port, ok := r.Attr(AttrSSHPort); ok && port != "" && port != "22" {
		parts = append(parts, "-p", port)
	}
	return strings.Join(parts, " ")
}

// Clone returns a deep copy so callers never alias persisted maps.
func (r InstanceRecord) Clone() InstanceRecord {
	out := r
	out.DeployAttrs = append([]DeployAttr(nil), r.DeployAttrs...)
	out.HostVars = cloneMap(r.HostVars)
	out.Captured = cloneMap(r.Captured)
	if r.ConfiguredAt != nil {
		t := *r.ConfiguredAt
		out.ConfiguredAt = &t
	}
	return out
}

// FleetConfig is the single persisted document for a (network, namespace) pair.
type FleetConfig struct {
	SchemaVersion    int                          `json:"schema_version"`
	Revision         uint64                       `json:"revision"`
	Namespace        string                       `json:"namespace"`
	Network          string                       `json:"network"`
	NamespaceNetwork string                       `json:"namespace_network"`
	CreatedAt        time.Time                    `json:"created_at"`
	Secrets          map[string]string            `json:"secrets"`
	ProviderParams   map[string]ProviderParams    `json:"provider_params,omitempty"`
	SharedResources  map[string]map[string]string `json:"shared_resources,omitempty"`
	SeedNetwork      bool                         `json:"seed_network"`
	SeedNode         string                       `json:"seed_node,omitempty"`
	Defaults         map[string]string            `json:"defaults,omitempty"`
	Instances        map[string]InstanceRecord    `json:"instances"`
}

// InstancesFor returns the records owned by provider, sorted by node name.
func (c *FleetConfig) InstancesFor(provider string) []InstanceRecord {
	var out []InstanceRecord
	for _, name := range c.NodeNames() {
		if rec := c.Instances[name]; provider == "" || rec.Provider == provider {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// NodeNames returns all node names in stable order.
func (c *FleetConfig) NodeNames() []string {
	names := make([]string, 0, len(c.Instances))
	for n := range c.Instances {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the fleet document.
func (c *FleetConfig) Clone() *FleetConfig {
	out := *c
	out.Secrets = cloneMap(c.Secrets)
	out.Defaults = cloneMap(c.Defaults)
	out.ProviderParams = make(map[string]ProviderParams, len(c.ProviderParams))
	for k, p := range c.ProviderParams {
		p.Extra = cloneMap(p.Extra)
		out.ProviderParams[k] = p
	}
	out.SharedResources = make(map[string]map[string]string, len(c.SharedResources))
	for k, m := range c.SharedResources {
		out.SharedResources[k] = cloneMap(m)
	}
	out.Instances = make(map[string]InstanceRecord, len(c.Instances))
	for k, r := range c.Instances {
		out.Instances[k] = r.Clone()
	}
	return &out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
