package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
// JSON files are accepted as well since JSON is a subset of YAML.
func Load(globalPath, projectPath string) (*SwarmConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultPaths returns the conventional global and project config locations.
// Global: ~/.swarm/config.yaml
// Project: .swarm/config.yaml (relative to cwd)
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".swarm", "config.yaml"), filepath.Join(".swarm", "config.yaml"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*SwarmConfig, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile decodes a config file over base. Scalars and nested sections
// only change where the file sets them; provider entries are replaced per key
// and remember the file they came from.
func mergeConfigFile(base *SwarmConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if doc.Kind == 0 {
		// Empty file
		return nil
	}

	var keys struct {
		Providers map[string]yaml.Node `yaml:"providers"`
	}
	if err := doc.Decode(&keys); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if base.Providers == nil {
		base.Providers = make(map[string]ProviderConfig)
	}
	if err := doc.Decode(base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for name := range keys.Providers {
		p := base.Providers[name]
		p.Source = path
		base.Providers[name] = p
	}

	return nil
}

// Validate checks invariants the rest of the system relies on.
func (c *SwarmConfig) Validate() error {
	if c.Pool.Command == "" {
		return fmt.Errorf("pool.command must not be empty")
	}
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be positive, got %d", c.Pool.MaxWorkers)
	}
	if c.Scheduler.Concurrency < 0 {
		return fmt.Errorf("scheduler.concurrency must not be negative, got %d", c.Scheduler.Concurrency)
	}
	for name, p := range c.Providers {
		if (p.Command == "") == (p.URL == "") {
			return fmt.Errorf("provider %q: exactly one of command or url must be set", name)
		}
	}
	return nil
}
