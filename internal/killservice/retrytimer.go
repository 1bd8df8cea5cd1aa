package killservice

import (
	"sync"
	"time"
)

// ticker is the minimal interface RetryTimer needs from a periodic
// source. realTicker adapts time.Ticker to it; tests inject a fake.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func newRealTicker(d time.Duration) ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// RetryTimer is an armed/disarmed periodic tick source (C2). Arming
// schedules a periodic tick forwarded onto Ticks(); Setup is idempotent
// while already armed, Cancel is idempotent while already disarmed.
type RetryTimer struct {
	mu        sync.Mutex
	armed     bool
	interval  time.Duration
	cur       ticker
	stopCh    chan struct{}
	out       chan time.Time
	newTicker func(time.Duration) ticker
}

// NewRetryTimer creates a RetryTimer that ticks every interval once armed.
func NewRetryTimer(interval time.Duration) *RetryTimer {
	return &RetryTimer{
		interval:  interval,
		out:       make(chan time.Time, 1),
		newTicker: newRealTicker,
	}
}

// Ticks returns the channel the core should select on for retry ticks.
func (t *RetryTimer) Ticks() <-chan time.Time {
	return t.out
}

// Setup arms the timer if it is not already armed. No-op otherwise.
func (t *RetryTimer) Setup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return
	}
	t.armed = true
	t.cur = t.newTicker(t.interval)
	t.stopCh = make(chan struct{})
	go t.forward(t.cur, t.stopCh)
}

// Cancel disarms the timer if armed. No-op otherwise.
func (t *RetryTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return
	}
	t.armed = false
	t.cur.Stop()
	close(t.stopCh)
	t.cur = nil
	t.stopCh = nil
}

// Armed reports whether the timer is currently armed.
func (t *RetryTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *RetryTimer) forward(src ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case tick, ok := <-src.C():
			if !ok {
				return
			}
			select {
			case t.out <- tick:
			case <-stop:
				return
			}
		}
	}
}
