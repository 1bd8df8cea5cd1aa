package killservice

import (
	"orchestrator/internal/config"
	"time"
)

// Config holds the kill-service's tunable parameters.
type Config struct {
	// KillChunkSize bounds the number of concurrent in-flight kills.
	KillChunkSize int
	// KillRetryTimeout is the minimum age before an in-flight entry is
	// retried.
	KillRetryTimeout time.Duration
	// KillRetryMax is the attempt budget before force-expunge. nil
	// means unbounded retries.
	KillRetryMax *int
}

const (
	defaultKillChunkSize    = 50
	defaultKillRetryTimeout = 10 * time.Second
)

// LoadConfigFromEnv loads kill-service configuration from environment
// variables, following internal/config's GetEnv/GetIntEnv/GetDurationEnv
// convention. KILL_RETRY_MAX unset or empty means unbounded retries.
func LoadConfigFromEnv() Config {
	cfg := Config{
		KillChunkSize:    config.GetIntEnv("KILL_CHUNK_SIZE", defaultKillChunkSize),
		KillRetryTimeout: config.GetDurationEnv("KILL_RETRY_TIMEOUT", defaultKillRetryTimeout),
	}
	if raw := config.GetEnv("KILL_RETRY_MAX", ""); raw != "" {
		max := config.GetIntEnv("KILL_RETRY_MAX", 0)
		cfg.KillRetryMax = &max
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.KillChunkSize <= 0 {
		c.KillChunkSize = defaultKillChunkSize
	}
	if c.KillRetryTimeout <= 0 {
		c.KillRetryTimeout = defaultKillRetryTimeout
	}
	return c
}
