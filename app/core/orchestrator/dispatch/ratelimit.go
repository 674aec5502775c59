package dispatch

import (
	"sync"
	"time"
)

// Limiter is a per-caller sliding-window dispatch gate. Each caller gets
// its own counter; the shared lock only guards map access, so callers
// never contend on each other's windows.
type Limiter struct {
	max    int
	window time.Duration
	nowFn  func() time.Time

	mu      sync.Mutex
	callers map[string]*callerWindow
}

type callerWindow struct {
	mu   sync.Mutex
	hits []time.Time
}

func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		max:     max,
		window:  window,
		nowFn:   time.Now,
		callers: make(map[string]*callerWindow),
	}
}

// Allow reports whether caller may dispatch now. A denial does not
// consume a slot; wait is how long until the oldest hit leaves the
// window, zero on admission.
func (l *Limiter) Allow(caller string) (bool, time.Duration) {
	cw := l.caller(caller)
	now := l.nowFn()

	cw.mu.Lock()
	defer cw.mu.Unlock()

	kept := cw.hits[:0]
	for _, h := range cw.hits {
		if now.Sub(h) < l.window {
			kept = append(kept, h)
		}
	}
	cw.hits = kept

	if len(cw.hits) < l.max {
		cw.hits = append(cw.hits, now)
		return true, 0
	}
	return false, cw.hits[0].Add(l.window).Sub(now)
}

func (l *Limiter) caller(id string) *callerWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	cw := l.callers[id]
	if cw == nil {
		cw = &callerWindow{}
		l.callers[id] = cw
	}
	return cw
}
