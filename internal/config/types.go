package config

import "time"

// PoolConfig describes the worker executable and the bounds of the worker pool.
type PoolConfig struct {
	Command        string            `yaml:"command"`                // Executable launched once per task attempt
	Args           []string          `yaml:"args,omitempty"`         // Arguments passed to every worker process
	Env            map[string]string `yaml:"env,omitempty"`          // Extra environment for worker processes
	Dir            string            `yaml:"dir,omitempty"`          // Working directory (default: cwd)
	MaxWorkers     int               `yaml:"max_workers"`            // Hard cap on live workers
	DefaultTimeout time.Duration     `yaml:"default_timeout"`        // Used when a task has no timeout of its own
	GracePeriod    time.Duration     `yaml:"grace_period,omitempty"` // SIGTERM -> SIGKILL escalation window
}

// SchedulerConfig controls the coordinator run loop.
type SchedulerConfig struct {
	Concurrency    int           `yaml:"concurrency,omitempty"`      // 0 means pool maximum
	RetryBaseDelay time.Duration `yaml:"retry_base_delay,omitempty"` // First retry delay, doubled per attempt
	TasksFile      string        `yaml:"tasks_file,omitempty"`       // Task list read by cmd/swarm
}

// ProviderConfig defines how to reach one capability provider.
// Exactly one of Command or URL is expected to be set.
type ProviderConfig struct {
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// Capabilities are declared up front so catalogues list them before launch.
	Capabilities  []string      `yaml:"capabilities,omitempty"`
	LaunchTimeout time.Duration `yaml:"launch_timeout,omitempty"`
	CallTimeout   time.Duration `yaml:"call_timeout,omitempty"`

	// Source is the file this definition was loaded from ("default" for built-ins).
	Source string `yaml:"-"`
}

// CapabilityConfig tunes the provider lifecycle manager.
type CapabilityConfig struct {
	LaunchFailureThreshold uint32        `yaml:"launch_failure_threshold,omitempty"` // 0 disables the launch breaker
	BreakerCooldown        time.Duration `yaml:"breaker_cooldown,omitempty"`

	// GatewayAddr is where workers reach providers over MCP. Empty picks a
	// free loopback port.
	GatewayAddr string `yaml:"gateway_addr,omitempty"`
}

// PersistenceConfig locates the run history database.
type PersistenceConfig struct {
	Path string `yaml:"path,omitempty"` // Empty disables run history
}

// LoggingConfig selects log level and destination.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn, error
	Dir   string `yaml:"dir,omitempty"`   // Empty logs to stderr
}

// SwarmConfig is the top-level configuration.
type SwarmConfig struct {
	Pool        PoolConfig                `yaml:"pool"`
	Scheduler   SchedulerConfig           `yaml:"scheduler"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Capability  CapabilityConfig          `yaml:"capability"`
	Persistence PersistenceConfig         `yaml:"persistence"`
	Logging     LoggingConfig             `yaml:"logging"`
}
