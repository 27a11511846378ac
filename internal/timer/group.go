// Package timer centralizes the debounce, expiry and backoff timers of a
// session so that they can be cancelled together on logout.
package timer

import (
	"sync"
	"time"
)

// Group is a set of keyed one-shot timers. Scheduling a key that is already
// pending replaces the earlier timer.
type Group struct {
	mu     sync.Mutex
	timers map[string]*entry
	seq    uint64
	closed bool
}

type entry struct {
	t   *time.Timer
	seq uint64
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{timers: make(map[string]*entry)}
}

// Schedule runs fn after d under key, cancelling any pending timer for key.
// It reports false when the group has been stopped.
func (g *Group) Schedule(key string, d time.Duration, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if prev, ok := g.timers[key]; ok {
		prev.t.Stop()
	}

	g.seq++
	e := &entry{seq: g.seq}
	e.t = time.AfterFunc(d, func() {
		g.mu.Lock()
		cur, ok := g.timers[key]
		if !ok || cur.seq != e.seq {
			// replaced or cancelled after the timer already fired
			g.mu.Unlock()
			return
		}
		delete(g.timers, key)
		g.mu.Unlock()
		fn()
	})
	g.timers[key] = e
	return true
}

// Cancel stops the timer for key and reports whether one was pending.
func (g *Group) Cancel(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.timers[key]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(g.timers, key)
	return true
}

// Pending reports whether a timer is scheduled under key.
func (g *Group) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[key]
	return ok
}

// Len returns the number of pending timers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

// CancelAll stops every pending timer. The group stays usable.
func (g *Group) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, e := range g.timers {
		e.t.Stop()
		delete(g.timers, key)
	}
}

// Stop cancels every pending timer and rejects further scheduling.
func (g *Group) Stop() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.CancelAll()
}
