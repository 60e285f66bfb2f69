package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ResourceDefaults are applied to a submission when the user leaves a
// field unset.
type ResourceDefaults struct {
	Partition string `yaml:"partition"`
	CPUs      int    `yaml:"cpus"`
	GPUs      int    `yaml:"gpus"`
	Memory    string `yaml:"memory"`
	TimeLimit string `yaml:"time_limit"`
	Venv      string `yaml:"venv"`
}

type Config struct {
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	User          string   `yaml:"user"`
	IdentityFiles []string `yaml:"identity_files"` // probed in order; empty means the standard ~/.ssh candidates
	ScratchRoot   string   `yaml:"scratch_root"`
	ResultsDir    string   `yaml:"results_dir"`
	LedgerPath    string   `yaml:"ledger_path"`

	Defaults ResourceDefaults `yaml:"defaults"`
}

// DefaultPath returns ~/.hpcrun.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hpcrun.yaml"), nil
}

// Load reads the config file at path, or the default path when path is
// empty. A missing default file yields a zero config with defaults
// applied, so `hpcrun config init` can run before any file exists.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg to path, or the default path when path is empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return yaml.NewEncoder(f).Encode(cfg)
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ScratchRoot == "" {
		c.ScratchRoot = "/scratch.hpc"
	}
	if c.ResultsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.ResultsDir = filepath.Join(home, ".hpcrun", "results")
		}
	}
	if c.LedgerPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.LedgerPath = filepath.Join(home, ".hpcrun", "ledger.db")
		}
	}
	if c.Defaults.Partition == "" {
		c.Defaults.Partition = "compute"
	}
	if c.Defaults.CPUs == 0 {
		c.Defaults.CPUs = 1
	}
	if c.Defaults.Memory == "" {
		c.Defaults.Memory = "4G"
	}
	if c.Defaults.TimeLimit == "" {
		c.Defaults.TimeLimit = "01:00:00"
	}
}

// Validate checks the fields every remote operation depends on.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.User == "" {
		return fmt.Errorf("config: user is required")
	}
	return nil
}

// Addr returns the host:port dial address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
