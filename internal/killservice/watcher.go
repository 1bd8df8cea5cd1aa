package killservice

import "sync"

// KillStreamWatcher resolves a Completion exactly once every id in a
// fixed set has been observed terminal on the EventBus (C6). It
// subscribes synchronously at construction time so that no
// terminal event published after construction can be missed — the
// caller must not be able to observe "watcher created" before the
// watcher is actually listening.
type KillStreamWatcher struct {
	mu         sync.Mutex
	remaining  map[InstanceId]struct{}
	completion *Completion
	sub        *Subscription
}

// NewKillStreamWatcher registers a watcher for ids against bus. If ids
// is empty the Completion resolves immediately and no subscription is
// created.
func NewKillStreamWatcher(bus *EventBus, ids []InstanceId) *KillStreamWatcher {
	w := &KillStreamWatcher{
		remaining:  make(map[InstanceId]struct{}, len(ids)),
		completion: NewCompletion(),
	}
	for _, id := range ids {
		w.remaining[id] = struct{}{}
	}
	if len(w.remaining) == 0 {
		w.completion.resolve()
		return w
	}

	w.sub = bus.Subscribe()
	go w.run()
	return w
}

// Completion returns the one-shot handle that resolves when every
// watched id has been observed terminal.
func (w *KillStreamWatcher) Completion() *Completion {
	return w.completion
}

// Cancel releases the watcher's subscription without resolving its
// Completion. The kill itself is unaffected — cancellation only stops
// this caller from being notified.
func (w *KillStreamWatcher) Cancel() {
	w.completion.Cancel()
	if w.sub != nil {
		w.sub.Unsubscribe()
	}
}

func (w *KillStreamWatcher) run() {
	for ev := range w.sub.Events() {
		if !ev.IsTerminal() {
			continue
		}

		w.mu.Lock()
		delete(w.remaining, ev.InstanceId)
		empty := len(w.remaining) == 0
		w.mu.Unlock()

		if empty {
			w.completion.resolve()
			w.sub.Unsubscribe()
			return
		}
	}
}
