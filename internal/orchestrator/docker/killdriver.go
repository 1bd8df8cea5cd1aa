package docker

import (
	"context"
	"log/slog"
	"orchestrator/internal/killservice"
	"time"

	"github.com/docker/docker/client"
)

// KillDriver implements killservice.DriverHandle against a live Docker
// daemon connection. It is constructed from the same *client.Client the
// job orchestrator already owns, so job scheduling and job termination
// share a single Docker connection.
type KillDriver struct {
	client *client.Client
}

// NewKillDriver wraps an existing Docker client as a kill-service
// DriverHandle.
func NewKillDriver(c *client.Client) *KillDriver {
	return &KillDriver{client: c}
}

// KillTask sends SIGTERM to the container identified by driverTaskID.
// Best-effort: a missing container, an already-stopped container, or a
// daemon error are all swallowed and logged at warn — the kill-service
// core treats this call as fire-and-forget and relies on its own retry
// loop to make further progress.
func (d *KillDriver) KillTask(ctx context.Context, driverTaskID string) {
	killCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.client.ContainerKill(killCtx, driverTaskID, "SIGTERM"); err != nil {
		slog.Warn("kill driver: container kill failed",
			"containerId", driverTaskID, "error", err)
	}
}

var _ killservice.DriverHandle = (*KillDriver)(nil)
