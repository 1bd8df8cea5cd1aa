package docker

import (
	"context"
	"orchestrator/internal/job"
	"orchestrator/internal/killservice"
)

// jobTask is the single task a job contributes to its instance snapshot.
// This orchestrator schedules one worker container per job, so a job's
// instance snapshot always has exactly one task.
type jobTask struct {
	id       killservice.TaskId
	terminal bool
}

func (t jobTask) TaskId() killservice.TaskId { return t.id }
func (t jobTask) IsTerminal() bool           { return t.terminal }

// jobInstance adapts a job.Status into a killservice.Instance snapshot.
// It never tracks "gone"/"unknown"/"dropped"/"unreachable" conditions
// distinctly from the status already reported by the Docker daemon: a
// job whose container the daemon itself cannot find makes Status return
// an inspect error (and List skip the job), not a separate lost condition,
// so IsGone/IsUnknown/IsDropped/IsUnreachable/IsUnreachableInactive are
// always false here and isLost falls through to the force-expunge path
// only via handleRetryTick's attempt budget, never via this snapshot.
type jobInstance struct {
	status      job.Status
	containerID string
	unreachable bool
}

func (ji *jobInstance) InstanceId() killservice.InstanceId { return killservice.InstanceId(ji.status.ID) }

func (ji *jobInstance) TasksMap() map[killservice.TaskId]killservice.Task {
	tid := killservice.TaskId{
		InstanceId:   ji.InstanceId(),
		DriverTaskID: ji.containerID,
	}
	terminal := ji.status.State == job.StateCompleted ||
		ji.status.State == job.StateFailed ||
		ji.status.State == job.StateCancelled
	return map[killservice.TaskId]killservice.Task{
		tid: jobTask{id: tid, terminal: terminal},
	}
}

func (ji *jobInstance) IsGone() bool                { return false }
func (ji *jobInstance) IsUnknown() bool             { return false }
func (ji *jobInstance) IsDropped() bool             { return false }
func (ji *jobInstance) IsUnreachable() bool         { return ji.unreachable }
func (ji *jobInstance) IsUnreachableInactive() bool { return false }

// InstanceSnapshot builds a killservice.Instance for jobID as it
// currently stands, for use by callers of KillServiceCore.KillInstances.
// unreachable should be set by the caller when the daemon connection
// itself is failing (see (*Orchestrator).Ready), since that is a
// property of the connection, not of any one job's container state.
func (o *Orchestrator) InstanceSnapshot(ctx context.Context, jobID string, unreachable bool) (killservice.Instance, error) {
	status, err := o.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}

	js, _ := o.state.get(jobID)
	containerID := ""
	if js != nil {
		containerID = js.jobContainerID
	}

	return &jobInstance{status: *status, containerID: containerID, unreachable: unreachable}, nil
}

// InstanceSnapshots builds snapshots for every job the orchestrator
// currently tracks, in the order (*Orchestrator).List returns them.
func (o *Orchestrator) InstanceSnapshots(ctx context.Context, unreachable bool) ([]killservice.Instance, error) {
	statuses, err := o.List(ctx)
	if err != nil {
		return nil, err
	}

	instances := make([]killservice.Instance, 0, len(statuses))
	for _, status := range statuses {
		js, _ := o.state.get(status.ID)
		containerID := ""
		if js != nil {
			containerID = js.jobContainerID
		}
		instances = append(instances, &jobInstance{status: status, containerID: containerID, unreachable: unreachable})
	}
	return instances, nil
}

var _ killservice.Instance = (*jobInstance)(nil)
var _ killservice.Task = jobTask{}
