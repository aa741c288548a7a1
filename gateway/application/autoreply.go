package application

import (
	"sync"
	"time"
)

const DefaultAutoReplyWindow = 24 * time.Hour

// AutoReplier allows at most one automatic reply per instance within a
// rolling window.
type AutoReplier struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time

	// OnFire runs from Commit, once the reply was actually sent.
	OnFire func(instanceID string, at time.Time)
}

func NewAutoReplier(window time.Duration) *AutoReplier {
	if window <= 0 {
		window = DefaultAutoReplyWindow
	}
	return &AutoReplier{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Seed restores a persisted last-fired timestamp.
func (a *AutoReplier) Seed(instanceID string, at time.Time) {
	if at.IsZero() {
		return
	}
	a.mu.Lock()
	if cur, ok := a.last[instanceID]; !ok || at.After(cur) {
		a.last[instanceID] = at
	}
	a.mu.Unlock()
}

// Claim reserves the window for instanceID in memory only. The caller
// follows up with Commit after a successful send, or Restore with prev.
func (a *AutoReplier) Claim(instanceID string) (prev time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	prev, had := a.last[instanceID]
	if had && now.Sub(prev) < a.window {
		return prev, false
	}
	a.last[instanceID] = now
	return prev, true
}

// Commit makes a claimed window durable through OnFire.
func (a *AutoReplier) Commit(instanceID string) {
	at, ok := a.LastFired(instanceID)
	if !ok || a.OnFire == nil {
		return
	}
	a.OnFire(instanceID, at)
}

// Restore undoes a claim whose reply failed.
func (a *AutoReplier) Restore(instanceID string, prev time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev.IsZero() {
		delete(a.last, instanceID)
		return
	}
	a.last[instanceID] = prev
}

func (a *AutoReplier) LastFired(instanceID string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.last[instanceID]
	return at, ok
}

func (a *AutoReplier) Forget(instanceID string) {
	a.mu.Lock()
	delete(a.last, instanceID)
	a.mu.Unlock()
}
