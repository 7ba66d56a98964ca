package configure

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Inventory is an Ansible YAML inventory with a single "all" group. Hosts
// are keyed by public address.
type Inventory struct {
	All Group `yaml:"all"`
}

type Group struct {
	Vars  map[string]string            `yaml:"vars"`
	Hosts map[string]map[string]string `yaml:"hosts"`
}

// Host variables with a fixed meaning.
const (
	VarUser     = "ansible_user"
	VarKeyFile  = "ansible_ssh_private_key_file"
	VarPort     = "ansible_port"
	VarNodeName = "node_name"
)

// RenderInventory builds the inventory for names from persisted records.
func RenderInventory(cfg *api.FleetConfig, names []string, extra map[string]string) (*Inventory, error) {
	vars := map[string]string{
		"namespace":         cfg.Namespace,
		"network":           cfg.Network,
		"namespace_network": cfg.NamespaceNetwork,
		"seed_node":         cfg.SeedNode,
	}
	for k, v := range cfg.Secrets {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	inv := &Inventory{All: Group{Vars: vars, Hosts: map[string]map[string]string{}}}
	for _, name := range names {
		rec, ok := cfg.Instances[name]
		if !ok {
			return nil, fmt.Errorf("unknown node %q", name)
		}
		if rec.PublicAddress == "" {
			return nil, fmt.Errorf("node %q has no public address", name)
		}
		host := map[string]string{VarNodeName: name, VarPort: "22", VarUser: "root"}
		for k, v := range rec.HostVars {
			host[k] = v
		}
		for _, a := range rec.DeployAttrs {
			switch a.Key {
			case api.AttrDefaultUser:
				host[VarUser] = a.Value
			case api.AttrSSHKeyPath:
				host[VarKeyFile] = a.Value
			case api.AttrSSHPort:
				host[VarPort] = a.Value
			default:
				host[a.Key] = a.Value
			}
		}
		inv.All.Hosts[rec.PublicAddress] = host
	}
	return inv, nil
}

// WriteInventory replaces the file at path. It holds secrets, so the mode is 0600.
func WriteInventory(path string, inv *Inventory) error {
	b, err := yaml.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir inventory dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".inventory-*.yml")
	if err != nil {
		return fmt.Errorf("create inventory: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close inventory: %w", err)
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace inventory: %w", err)
	}
	return nil
}

func LoadInventory(path string) (*Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}
	return &inv, nil
}

// HostVars returns group vars overlaid with the host's own vars.
func (inv *Inventory) HostVars(address string) map[string]string {
	out := make(map[string]string, len(inv.All.Vars)+len(inv.All.Hosts[address]))
	for k, v := range inv.All.Vars {
		out[k] = v
	}
	for k, v := range inv.All.Hosts[address] {
		out[k] = v
	}
	return out
}

// Addresses returns host addresses in sorted order.
func (inv *Inventory) Addresses() []string { return sortedKeys(inv.All.Hosts) }
