package killservice

import "sync"

// Completion is a one-shot, write-once handle a caller awaits or
// cancels. It resolves exactly once,
// and only after every instance in the watched set has been observed
// terminal; a cancelled Completion never resolves.
type Completion struct {
	mu        sync.Mutex
	done      chan struct{}
	cancelled bool
	resolved  bool
}

// NewCompletion creates an unresolved Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done returns a channel that closes when the Completion resolves or is
// cancelled. Callers distinguish the two with Resolved().
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Resolved reports whether the Completion resolved successfully (as
// opposed to having been cancelled, or still being pending).
func (c *Completion) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// resolve fulfils the Completion. No-op if already resolved or cancelled.
func (c *Completion) resolve() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved || c.cancelled {
		return
	}
	c.resolved = true
	close(c.done)
}

// Cancel releases the Completion without resolving it. Idempotent.
// Safe to call even if the Completion has already resolved (a no-op
// in that case).
func (c *Completion) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved || c.cancelled {
		return
	}
	c.cancelled = true
	close(c.done)
}
