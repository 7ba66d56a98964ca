package providers

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Config is the tool configuration read from config.yaml.
type Config struct {
	StateDir      string            `yaml:"state_dir"`
	Executor      string            `yaml:"executor" validate:"omitempty,oneof=ansible ssh"`
	Playbooks     string            `yaml:"playbooks"`
	AnsibleBinary string            `yaml:"ansible_binary"`
	PollInterval  time.Duration     `yaml:"poll_interval" validate:"gte=0"`
	Parallelism   int               `yaml:"parallelism" validate:"gte=0,lte=64"`
	MetricsFile   string            `yaml:"metrics_file"`
	Journal       string            `yaml:"journal"`
	LockWait      time.Duration     `yaml:"lock_wait" validate:"gte=0"`
	Defaults      map[string]string `yaml:"defaults"`
	SSH           struct {
		KnownHosts     string        `yaml:"known_hosts"`
		KeyFile        string        `yaml:"key_file"`
		ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
		ReadyTimeout   time.Duration `yaml:"ready_timeout" validate:"gte=0"`
	} `yaml:"ssh"`
	Teardown struct {
		Retries int           `yaml:"retries" validate:"gte=0"`
		Delay   time.Duration `yaml:"delay" validate:"gte=0"`
	} `yaml:"teardown"`
	AWS struct {
		Profile      string            `yaml:"profile"`
		Region       string            `yaml:"region"`
		InstanceType string            `yaml:"instance_type"`
		AMIs         map[string]string `yaml:"amis"`
	} `yaml:"aws"`
	DigitalOcean struct {
		Region         string `yaml:"region"`
		KeyFingerprint string `yaml:"key_fingerprint"`
		Image          string `yaml:"image"`
	} `yaml:"digitalocean"`
	Hetzner struct {
		Location   string `yaml:"location"`
		ServerType string `yaml:"server_type"`
		Image      string `yaml:"image"`
	} `yaml:"hetzner"`
}

// DefaultConfig returns the settings used when no config file exists.
func DefaultConfig() Config {
	var c Config
	c.Executor = "ansible"
	c.Playbooks = "deploy/ansible/worker"
	c.AnsibleBinary = "ansible-playbook"
	c.PollInterval = 5 * time.Second
	c.Parallelism = 1
	c.LockWait = 10 * time.Second
	c.SSH.ConnectTimeout = 15 * time.Second
	c.SSH.ReadyTimeout = 5 * time.Minute
	c.Teardown.Retries = 10
	c.Teardown.Delay = 10 * time.Second
	return c
}

// TeardownRetry returns the fixed-backoff policy for shared resource deletion.
func (c Config) TeardownRetry() RetryConfig {
	return TeardownRetryConfig(c.Teardown.Retries, c.Teardown.Delay)
}

var validate = validator.New()

// Validate checks the tool configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ValidateParams checks a resolved ProviderParams value.
func ValidateParams(kind string, p api.ProviderParams) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%s params: %w", kind, err)
	}
	return nil
}
