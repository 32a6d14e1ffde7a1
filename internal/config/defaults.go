package config

import "time"

// Built-in defaults for pool and scheduler knobs.
const (
	DefaultMaxWorkers      = 4
	DefaultTaskTimeout     = 10 * time.Minute
	DefaultGracePeriod     = 5 * time.Second
	DefaultRetryBaseDelay  = 2 * time.Second
	DefaultLaunchTimeout   = 30 * time.Second
	DefaultCallTimeout     = 2 * time.Minute
	DefaultBreakerCooldown = 30 * time.Second
)

// DefaultConfig returns the default configuration: a shell-driven worker pool and no providers.
func DefaultConfig() *SwarmConfig {
	return &SwarmConfig{
		Pool: PoolConfig{
			Command:        "sh",
			Args:           []string{"-s"},
			MaxWorkers:     DefaultMaxWorkers,
			DefaultTimeout: DefaultTaskTimeout,
			GracePeriod:    DefaultGracePeriod,
		},
		Scheduler: SchedulerConfig{
			RetryBaseDelay: DefaultRetryBaseDelay,
		},
		Providers: map[string]ProviderConfig{},
		Capability: CapabilityConfig{
			BreakerCooldown: DefaultBreakerCooldown,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
