package state

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// ErrNotFound is returned by Load when no document exists for the pair.
var ErrNotFound = errors.New("fleet config not found")

const configDirName = "worker-configs"

// Store persists one JSON document per (network, namespace) under root.
type Store struct {
	root string
	// LockWait bounds Lock; zero means DefaultLockWait.
	LockWait time.Duration
}

func NewStore(root string) *Store { return &Store{root: root} }

// Dir is the directory holding fleet documents and generated artifacts.
func (s *Store) Dir() string { return filepath.Join(s.root, configDirName) }

// Path returns <root>/worker-configs/<network>/<namespace>/<network>-<namespace>.json.
func (s *Store) Path(network, namespace string) string {
	return filepath.Join(s.Dir(), network, namespace, fmt.Sprintf("%s-%s.json", network, namespace))
}

// InventoryPath is where the per-run host inventory is rendered.
func (s *Store) InventoryPath(namespaceNetwork string) string {
	return filepath.Join(s.Dir(), namespaceNetwork+".inventory.yml")
}

// KeyPath is where a driver keeps a private key it generated for the fleet.
func (s *Store) KeyPath(namespaceNetwork, suffix string) string {
	return filepath.Join(s.Dir(), namespaceNetwork+"."+suffix)
}

func (s *Store) Exists(network, namespace string) bool {
	_, err := os.Stat(s.Path(network, namespace))
	return err == nil
}

// RequireExists fails with a NamespaceNotFoundError when the pair was never created.
func (s *Store) RequireExists(network, namespace string) error {
	if !s.Exists(network, namespace) {
		return &providers.NamespaceNotFoundError{Network: network, Namespace: namespace}
	}
	return nil
}

// Load reads the fleet document. Missing documents yield ErrNotFound.
func (s *Store) Load(network, namespace string) (*api.FleetConfig, error) {
	path := s.Path(network, namespace)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read fleet config: %w", err)
	}
	var cfg api.FleetConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse fleet config %s: %w", path, err)
	}
	if cfg.Namespace != namespace || cfg.Network != network {
		return nil, fmt.Errorf("fleet config %s belongs to %s/%s", path, cfg.Network, cfg.Namespace)
	}
	normalize(&cfg)
	return &cfg, nil
}

// Init builds a fresh document with newly generated secrets. It is not saved.
func Init(network, namespace string, now time.Time) (*api.FleetConfig, error) {
	if network == "" || namespace == "" {
		return nil, errors.New("network and namespace are required")
	}
	cfg := &api.FleetConfig{
		SchemaVersion:    api.SchemaVersion,
		Namespace:        namespace,
		Network:          network,
		NamespaceNetwork: fmt.Sprintf("%s-%s-%s", network, namespace, now.UTC().Format("2006-01-02")),
		CreatedAt:        now.UTC(),
		Secrets:          map[string]string{},
	}
	for _, key := range []string{api.SecretKeyringPassword, api.SecretEthPassword} {
		v, err := generateSecret()
		if err != nil {
			return nil, err
		}
		cfg.Secrets[key] = v
	}
	normalize(cfg)
	return cfg, nil
}

// LoadOrInit returns the existing document or a fresh unsaved one.
func (s *Store) LoadOrInit(network, namespace string, now time.Time) (*api.FleetConfig, bool, error) {
	cfg, err := s.Load(network, namespace)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	cfg, err = Init(network, namespace, now)
	return cfg, true, err
}

// Save writes cfg atomically: a temp file in the same directory is synced
// and renamed over the target, so readers see the old or the new document.
func (s *Store) Save(cfg *api.FleetConfig) error {
	path := s.Path(cfg.Network, cfg.Namespace)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	cfg.SchemaVersion = api.SchemaVersion
	cfg.Revision++
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		cfg.Revision--
		return fmt.Errorf("encode fleet config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".fleet-*.json")
	if err != nil {
		cfg.Revision--
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func(e error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		cfg.Revision--
		return e
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		return cleanup(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return cleanup(fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		cfg.Revision--
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		cfg.Revision--
		return fmt.Errorf("replace fleet config: %w", err)
	}
	return nil
}

// Namespaces lists namespaces that have a saved document for network.
func (s *Store) Namespaces(network string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Dir(), network))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if s.Exists(network, e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func normalize(cfg *api.FleetConfig) {
	if cfg.Secrets == nil {
		cfg.Secrets = map[string]string{}
	}
	if cfg.ProviderParams == nil {
		cfg.ProviderParams = map[string]api.ProviderParams{}
	}
	if cfg.SharedResources == nil {
		cfg.SharedResources = map[string]map[string]string{}
	}
	if cfg.Defaults == nil {
		cfg.Defaults = map[string]string{}
	}
	if cfg.Instances == nil {
		cfg.Instances = map[string]api.InstanceRecord{}
	}
}

func generateSecret() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
