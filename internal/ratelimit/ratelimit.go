// Package ratelimit throttles sends to one per sender per interval.
// Rejected sends do not move the window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is the minimum gap between two accepted sends.
const DefaultInterval = 800 * time.Millisecond

type Limiter struct {
	clock    clockwork.Clock
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func New(clock clockwork.Clock, interval time.Duration) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Limiter{
		clock:    clock,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether senderID may send now and, if so, records the send.
func (l *Limiter) Allow(senderID string) bool {
	_, ok := l.Reserve(senderID)
	return ok
}

// Reserve is Allow for sends that can still fail. Calling cancel gives
// the window back, unless a later send has been recorded since.
func (l *Limiter) Reserve(senderID string) (cancel func(), ok bool) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	last, seen := l.last[senderID]
	if seen && now.Sub(last) < l.interval {
		return func() {}, false
	}
	l.last[senderID] = now
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.last[senderID].Equal(now) {
			if seen {
				l.last[senderID] = last
			} else {
				delete(l.last, senderID)
			}
		}
	}, true
}

// Forget drops the state kept for senderID.
func (l *Limiter) Forget(senderID string) {
	l.mu.Lock()
	delete(l.last, senderID)
	l.mu.Unlock()
}

// Prune drops entries whose window has already passed.
func (l *Limiter) Prune() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, last := range l.last {
		if now.Sub(last) >= l.interval {
			delete(l.last, id)
			n++
		}
	}
	return n
}
