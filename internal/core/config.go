package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
)

// LoadConfig reads YAML configuration over the defaults. If path is empty it
// resolves config.yaml in ConfigDir; a missing file there yields defaults.
// Provider tokens are never read from YAML; drivers take them from the env.
func LoadConfig(path string) (providers.Config, error) {
	cfg := providers.DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DataDir()
	}
	if cfg.SSH.KnownHosts == "" {
		cfg.SSH.KnownHosts = filepath.Join(cfg.StateDir, "known_hosts")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
