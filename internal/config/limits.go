package config

import "time"

// SandboxConfig bounds untrusted skill execution.
type SandboxConfig struct {
	TimeLimit     string `yaml:"time_limit"`
	MemoryLimitMB int64  `yaml:"memory_limit_mb"`
	MaxWorkers    int64  `yaml:"max_workers"`
}

// DefaultSandbox returns the stock sandbox limits.
func DefaultSandbox() SandboxConfig {
	return SandboxConfig{
		TimeLimit:     "5s",
		MemoryLimitMB: 256,
		MaxWorkers:    4,
	}
}

// GetTimeLimit returns the sandbox time limit as a duration.
func (s SandboxConfig) GetTimeLimit() time.Duration {
	d, err := time.ParseDuration(s.TimeLimit)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// IoTConfig configures the smart-device policy.
type IoTConfig struct {
	Allowlist            map[string][]string `yaml:"allowlist"`
	ConfirmationRequired []string            `yaml:"confirmation_required"`
	MaxActionsPerSession int                 `yaml:"max_actions_per_session"`
	MaxBatchSize         int                 `yaml:"max_batch_size"`
	MaxDeferredActions   int                 `yaml:"max_deferred_actions"`
}

// DefaultIoT returns the stock device-policy limits with an empty allowlist.
func DefaultIoT() IoTConfig {
	return IoTConfig{
		Allowlist:            map[string][]string{},
		MaxActionsPerSession: 10,
		MaxBatchSize:         5,
		MaxDeferredActions:   25,
	}
}
