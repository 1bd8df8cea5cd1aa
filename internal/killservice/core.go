package killservice

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
)

// mailboxSize bounds the number of pending submissions a caller can
// have outstanding before KillInstances/KillUnknownTaskById blocks.
// This is independent of killChunkSize, which bounds concurrent
// in-flight driver calls, not mailbox depth.
const mailboxSize = 1024

// MetricsRecorder is an optional interface for recording kill-service
// metrics, mirroring dispatcher.MetricsRecorder's "optional sink,
// caller may pass nil" convention.
type MetricsRecorder interface {
	RecordKillIssued(ctx context.Context, viaForceExpunge bool)
	RecordKillRetried(ctx context.Context)
	RecordKillForceExpunged(ctx context.Context)
	RecordKillCompleted(ctx context.Context)
	RecordKillInFlight(ctx context.Context, count int64)
}

type killInstancesMsg struct {
	instances []Instance
	watcher   *KillStreamWatcher
}

type killUnknownMsg struct {
	taskId TaskId
}

// KillServiceCore is the kill-dispatch state machine (C7). All table
// mutations happen inside the single goroutine run() owns; every public
// method only ever sends a message into that goroutine's mailbox.
type KillServiceCore struct {
	cfg      Config
	clock    Clock
	driver   DriverHandle // nil means "no driver configured"
	stateOps StateOpProcessor
	bus      *EventBus
	metrics  MetricsRecorder
	logger   *slog.Logger
	timer    *RetryTimer

	killCh    chan killInstancesMsg
	unknownCh chan killUnknownMsg
	eventSub  *Subscription

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopped   atomic.Bool

	pending  map[InstanceId]*ToKill
	inflight map[InstanceId]*ToKill
}

// New creates a KillServiceCore and starts its mailbox goroutine.
// driver may be nil; driver calls are skipped silently when absent.
func New(cfg Config, clock Clock, driver DriverHandle, stateOps StateOpProcessor, bus *EventBus, metrics MetricsRecorder) *KillServiceCore {
	c := &KillServiceCore{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		driver:    driver,
		stateOps:  stateOps,
		bus:       bus,
		metrics:   metrics,
		logger:    slog.With("component", "killservice"),
		timer:     NewRetryTimer(cfg.withDefaults().KillRetryTimeout),
		killCh:    make(chan killInstancesMsg, mailboxSize),
		unknownCh: make(chan killUnknownMsg, mailboxSize),
		eventSub:  bus.Subscribe(),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		pending:   make(map[InstanceId]*ToKill),
		inflight:  make(map[InstanceId]*ToKill),
	}
	go c.run()
	return c
}

// KillInstances registers a watcher for the submitted instances' ids,
// upserts each as a pending ToKill, and returns a Completion that
// resolves once every instance has reached a terminal event on the
// bus. The watcher subscribes before this call returns, so no terminal
// event racing with submission can be missed.
func (c *KillServiceCore) KillInstances(instances []Instance) *Completion {
	ids := make([]InstanceId, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.InstanceId())
	}
	watcher := NewKillStreamWatcher(c.bus, ids)

	select {
	case c.killCh <- killInstancesMsg{instances: instances, watcher: watcher}:
	case <-c.stopCh:
		watcher.Cancel()
	}
	return watcher.Completion()
}

// KillUnknownTaskById upserts a ToKill for a task whose instance
// snapshot is unavailable. Fire-and-forget: no watcher is registered.
func (c *KillServiceCore) KillUnknownTaskById(taskId TaskId) {
	select {
	case c.unknownCh <- killUnknownMsg{taskId: taskId}:
	case <-c.stopCh:
	}
}

// Stop cancels the retry timer, unsubscribes from the event bus, and
// logs a warning if either table is non-empty. No entries are flushed anywhere; the next
// process incarnation is expected to re-submit them. Idempotent.
func (c *KillServiceCore) Stop() {
	if c.stopped.Swap(true) {
		<-c.stoppedCh
		return
	}
	close(c.stopCh)
	<-c.stoppedCh
}

func (c *KillServiceCore) run() {
	defer close(c.stoppedCh)
	for {
		select {
		case <-c.stopCh:
			c.shutdown()
			return
		case msg := <-c.killCh:
			c.handleKillInstances(msg)
		case msg := <-c.unknownCh:
			c.handleKillUnknown(msg)
		case ev := <-c.eventSub.Events():
			c.handleEvent(ev)
		case <-c.timer.Ticks():
			c.handleRetryTick()
		}
	}
}

func (c *KillServiceCore) shutdown() {
	c.timer.Cancel()
	c.eventSub.Unsubscribe()
	if len(c.pending) > 0 || len(c.inflight) > 0 {
		c.logger.Warn("kill service stopping with residual entries",
			"pending", idsOf(c.pending), "inflight", idsOf(c.inflight))
	}
}

func idsOf(m map[InstanceId]*ToKill) []InstanceId {
	ids := make([]InstanceId, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// handleKillInstances registers the pending entries for a submitted
// batch; the watcher has already been registered by the caller-facing
// KillInstances method.
func (c *KillServiceCore) handleKillInstances(msg killInstancesMsg) {
	for _, inst := range msg.instances {
		taskIds := make([]TaskId, 0, len(inst.TasksMap()))
		for tid, task := range inst.TasksMap() {
			if !task.IsTerminal() {
				taskIds = append(taskIds, tid)
			}
		}
		sort.Slice(taskIds, func(i, j int) bool { return taskIds[i].DriverTaskID < taskIds[j].DriverTaskID })

		id := inst.InstanceId()
		delete(c.inflight, id)
		c.pending[id] = &ToKill{
			InstanceId:    id,
			TaskIds:       taskIds,
			MaybeInstance: inst,
		}
	}
	c.runDispatchPass()
}

func (c *KillServiceCore) handleKillUnknown(msg killUnknownMsg) {
	id := msg.taskId.InstanceId
	delete(c.inflight, id)
	c.pending[id] = &ToKill{
		InstanceId: id,
		TaskIds:    []TaskId{msg.taskId},
	}
	c.runDispatchPass()
}

func (c *KillServiceCore) handleEvent(ev Event) {
	if !ev.IsTerminal() {
		return
	}
	_, inPending := c.pending[ev.InstanceId]
	_, inInflight := c.inflight[ev.InstanceId]
	if !inPending && !inInflight {
		return
	}
	delete(c.pending, ev.InstanceId)
	delete(c.inflight, ev.InstanceId)
	c.recordInFlight()
	if c.metrics != nil {
		c.metrics.RecordKillCompleted(context.Background())
	}
	c.runDispatchPass()
}

func (c *KillServiceCore) handleRetryTick() {
	now := c.clock.Now()
	for _, id := range idsOf(c.inflight) {
		e := c.inflight[id]
		if now.Sub(e.IssuedAt) < c.cfg.KillRetryTimeout {
			continue
		}
		if c.cfg.KillRetryMax != nil && e.Attempts >= *c.cfg.KillRetryMax {
			c.forceExpungeAsync(id)
			if c.metrics != nil {
				c.metrics.RecordKillForceExpunged(context.Background())
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordKillRetried(context.Background())
		}
		c.issue(e)
	}
	c.armOrCancelTimer()
}

// runDispatchPass selects up to budget pending entries in deterministic
// (ascending instanceId) order and issues them.
func (c *KillServiceCore) runDispatchPass() {
	budget := c.cfg.KillChunkSize - len(c.inflight)
	if budget > 0 {
		ids := idsOf(c.pending)
		if budget < len(ids) {
			ids = ids[:budget]
		}
		for _, id := range ids {
			e := c.pending[id]
			delete(c.pending, id)
			c.issue(e)
		}
	}
	c.recordInFlight()
	c.armOrCancelTimer()
}

func (c *KillServiceCore) armOrCancelTimer() {
	if len(c.inflight) > 0 {
		c.timer.Setup()
	} else {
		c.timer.Cancel()
	}
}

// issue either force-expunges a lost or already-all-terminal entry,
// or best-effort kills each of its tasks,
// then moves it into in-flight with incremented attempts and a
// refreshed issuedAt.
func (c *KillServiceCore) issue(e *ToKill) {
	lost := isLost(e.MaybeInstance)
	viaForceExpunge := lost || e.allTerminal()
	if viaForceExpunge {
		c.forceExpungeAsync(e.InstanceId)
	} else {
		c.killTasksAsync(e.TaskIds)
	}
	if c.metrics != nil {
		c.metrics.RecordKillIssued(context.Background(), viaForceExpunge)
	}

	prevAttempts := 0
	if cur, ok := c.inflight[e.InstanceId]; ok {
		prevAttempts = cur.Attempts
	}
	next := e.clone()
	next.Attempts = prevAttempts + 1
	next.IssuedAt = c.clock.Now()
	c.inflight[e.InstanceId] = next
	delete(c.pending, e.InstanceId)
}

func (c *KillServiceCore) forceExpungeAsync(id InstanceId) {
	if c.stateOps == nil {
		c.logger.Warn("force-expunge requested but no state op processor configured", "instanceId", id)
		return
	}
	go c.stateOps.ForceExpunge(context.Background(), id)
}

func (c *KillServiceCore) killTasksAsync(taskIds []TaskId) {
	if c.driver == nil {
		return
	}
	for _, tid := range taskIds {
		go c.driver.KillTask(context.Background(), tid.DriverTaskID)
	}
}

func (c *KillServiceCore) recordInFlight() {
	if c.metrics != nil {
		c.metrics.RecordKillInFlight(context.Background(), int64(len(c.inflight)))
	}
}
