package killservice

import (
	"fmt"
	"log/slog"
	"orchestrator/internal/dispatcher"
	"orchestrator/pkg/cloudevent"
	"time"
)

// AuditNotifier is an outer collaborator, not part of the core: it
// wraps a KillServiceCore and a dispatcher.Dispatcher to publish an
// "orchestrator.instance.terminated" CloudEvent once a submitted batch
// of instances has fully resolved. The core itself subscribes to event
// kinds but never publishes anything; this wrapper type exists purely
// so operators get an audit trail of completed
// terminations without the core's contract changing.
type AuditNotifier struct {
	core        *KillServiceCore
	bus         *EventBus
	dispatcher  dispatcher.Dispatcher
	destination string
	signingKey  string
	source      string
	logger      *slog.Logger
}

// NewAuditNotifier creates an AuditNotifier. destination is the
// callback URL events are POSTed to; it may be empty, in which case
// KillAndNotify behaves exactly like core.KillInstances with no
// dispatch side effect.
func NewAuditNotifier(core *KillServiceCore, bus *EventBus, d dispatcher.Dispatcher, destination, signingKey string) *AuditNotifier {
	return &AuditNotifier{
		core:        core,
		bus:         bus,
		dispatcher:  d,
		destination: destination,
		signingKey:  signingKey,
		source:      "orchestrator/kill-service",
		logger:      slog.With("component", "killservice.audit"),
	}
}

// KillAndNotify submits instances for termination via the wrapped core
// and, independently of the core's own watcher, registers a second
// watcher on the same id set (multiple independent watchers on the same
// ids are supported) so it can publish a completion CloudEvent once
// every instance is terminal. Returns the core's own Completion so
// callers can still await termination directly if they want to.
func (a *AuditNotifier) KillAndNotify(instances []Instance) *Completion {
	ids := make([]InstanceId, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.InstanceId())
	}

	completion := a.core.KillInstances(instances)

	if a.destination != "" && a.dispatcher != nil {
		auditWatcher := NewKillStreamWatcher(a.bus, ids)
		start := time.Now()
		go a.awaitAndNotify(auditWatcher, ids, start)
	}

	return completion
}

// KillInstances satisfies the same call shape as
// (*KillServiceCore).KillInstances, so callers (e.g. the HTTP layer) can
// depend on an interface and not care whether audit notification is
// wired in.
func (a *AuditNotifier) KillInstances(instances []Instance) *Completion {
	return a.KillAndNotify(instances)
}

func (a *AuditNotifier) awaitAndNotify(w *KillStreamWatcher, ids []InstanceId, start time.Time) {
	<-w.Completion().Done()
	if !w.Completion().Resolved() {
		return
	}

	event := cloudevent.New(
		"orchestrator.instance.terminated",
		a.source,
		fmt.Sprintf("%d-instances", len(ids)),
		fmt.Sprintf("kill-%d", time.Now().UnixNano()),
		map[string]any{
			"instanceIds":    ids,
			"elapsedSeconds": time.Since(start).Seconds(),
		},
	)

	if err := a.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: a.destination,
		SigningKey:  a.signingKey,
	}); err != nil {
		a.logger.Warn("failed to dispatch termination audit event", "error", err)
	}
}
