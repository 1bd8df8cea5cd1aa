package killservice

import "context"

// DriverHandle is the outbound capability to the cluster scheduler
// driver (C3). Delivery is unreliable from the core's point of view:
// KillTask is best-effort, its return value is not awaited by the
// mailbox loop, and a nil DriverHandle means "no driver configured" —
// the core skips driver calls silently in that case.
type DriverHandle interface {
	// KillTask asks the driver to terminate the task identified by
	// driverTaskID. Implementations must not block the caller for
	// longer than their own internal timeout; KillServiceCore invokes
	// this fire-and-forget in its own goroutine regardless.
	KillTask(ctx context.Context, driverTaskID string)
}
