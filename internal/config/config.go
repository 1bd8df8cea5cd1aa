// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	SidecarImage      string        // Sidecar image for all orchestrators

	KillStorePath       string // SQLite DSN/path for the kill service's force-expunge record store
	KillAuditURL        string // Callback destination for instance-terminated audit events (empty disables)
	KillAuditSigningKey string // HMAC signing key for audit events
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:                GetEnv("PORT", "8080"),
		MetricsPort:         GetEnv("METRICS_PORT", "9090"),
		APIKey:              GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait:   GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		SidecarImage:        GetEnv("SIDECAR_IMAGE", "job-sidecar:latest"),
		KillStorePath:       GetEnv("KILL_STORE_PATH", "kill-service.db"),
		KillAuditURL:        GetEnv("KILL_AUDIT_URL", ""),
		KillAuditSigningKey: GetSecretFile(GetEnv("KILL_AUDIT_SIGNING_KEY_FILE", "")),
	}
}
