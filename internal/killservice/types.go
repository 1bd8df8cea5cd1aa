// Package killservice implements the instance termination core: a
// bounded, retrying kill-dispatch state machine driven by an
// asynchronous terminal-event stream.
package killservice

import "time"

// InstanceId identifies an instance to be killed. Opaque to the core.
type InstanceId string

// TaskId identifies a task belonging to an instance. DriverTaskID is
// the identifier the driver (e.g. the Docker daemon) understands.
type TaskId struct {
	InstanceId   InstanceId
	DriverTaskID string
}

// Task is a read-only view of a single task within an instance.
type Task interface {
	TaskId() TaskId
	IsTerminal() bool
}

// Instance is a read-only snapshot of a scheduling unit, supplied by the
// caller at kill-submission time. The core never mutates it and never
// fetches one itself.
type Instance interface {
	InstanceId() InstanceId
	TasksMap() map[TaskId]Task

	IsGone() bool
	IsUnknown() bool
	IsDropped() bool
	IsUnreachable() bool
	IsUnreachableInactive() bool
}

// isLost reports whether the driver can no longer make progress on this
// instance and a force-expunge should be issued instead of a kill.
func isLost(i Instance) bool {
	if i == nil {
		return false
	}
	return i.IsGone() || i.IsUnknown() || i.IsDropped() || i.IsUnreachable() || i.IsUnreachableInactive()
}

// InstanceCondition classifies the lifecycle state an InstanceChanged
// event reports. Mirrors the classification the surrounding scheduler
// uses for expungement.
type InstanceCondition int

const (
	ConditionRunning InstanceCondition = iota
	ConditionFinished
	ConditionFailed
	ConditionKilled
	ConditionError
	ConditionGone
	ConditionDropped
	ConditionUnreachable
	ConditionUnreachableFinal
	ConditionUnknown
)

// considerTerminal is the single source of truth for which instance
// conditions are terminal. The kill service's event filter classifies
// every InstanceChanged event through it; producers outside this package
// (the Docker orchestrator) publish a concrete condition and leave the
// classification to this function.
func considerTerminal(c InstanceCondition) bool {
	switch c {
	case ConditionFinished, ConditionFailed, ConditionKilled, ConditionError,
		ConditionGone, ConditionDropped, ConditionUnreachableFinal, ConditionUnknown:
		return true
	default:
		return false
	}
}

// ToKill is the core's bookkeeping entry for a single instance that has
// been asked to die. Owned exclusively by the KillServiceCore mailbox
// goroutine.
type ToKill struct {
	InstanceId    InstanceId
	TaskIds       []TaskId
	MaybeInstance Instance // nil on the "unknown task" path
	Attempts      int
	IssuedAt      time.Time // zero means "never issued"
}

func (e *ToKill) allTerminal() bool {
	return len(e.TaskIds) == 0
}

// clone returns a shallow copy safe for storing under a different table.
func (e *ToKill) clone() *ToKill {
	c := *e
	c.TaskIds = append([]TaskId(nil), e.TaskIds...)
	return &c
}
