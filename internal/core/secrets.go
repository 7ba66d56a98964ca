package core

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/cloudworkers/internal/providers"
)

// ConfigDir returns $XDG_CONFIG_HOME/cloudworkers or ~/.config/cloudworkers.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "cloudworkers")
}

// DataDir returns $XDG_DATA_HOME/cloudworkers or ~/.local/share/cloudworkers.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "cloudworkers")
}

// LoadSecretsEnv reads KEY=VALUE pairs from path, or from secrets.env in
// ConfigDir when path is empty. Lines starting with # are ignored and a
// missing file is not an error.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), "secrets.env")
	}
	out := map[string]string{}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if k, v, ok := strings.Cut(line, "="); ok {
			out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return out, s.Err()
}

// SnapshotEnv merges secrets with the process environment. Non-empty
// environment values win.
func SnapshotEnv(secrets map[string]string, environ []string) providers.Env {
	env := providers.Env{}
	for k, v := range secrets {
		env[k] = v
	}
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && v != "" {
			env[k] = v
		}
	}
	return env
}
