package dispatch

import "sync"

// lanes serialize dispatches per caller key in arrival order. enqueue
// never blocks, so a caller can reserve its turn synchronously and hand
// the actual work to a goroutine; wait then admits turns strictly in
// enqueue order. A bare mutex only gives mutual exclusion: two
// goroutines racing for it can swap a user's messages.
type lanes struct {
	mu    sync.Mutex
	tails map[string]*turn
}

// turn is one reserved slot in a lane. wait blocks until every earlier
// turn for the same key has been released.
type turn struct {
	key   string
	owner *lanes
	prev  *turn
	done  chan struct{}
}

func newLanes() *lanes {
	return &lanes{tails: make(map[string]*turn)}
}

// enqueue reserves the next turn for key without blocking.
func (l *lanes) enqueue(key string) *turn {
	t := &turn{key: key, owner: l, done: make(chan struct{})}
	l.mu.Lock()
	t.prev = l.tails[key]
	l.tails[key] = t
	l.mu.Unlock()
	return t
}

func (t *turn) wait() {
	if t.prev != nil {
		<-t.prev.done
		t.prev = nil
	}
}

// release ends the turn and admits the next waiter. The lane entry is
// dropped once nothing is queued behind it, so the map stays bounded
// by the set of users with work in flight.
func (t *turn) release() {
	t.owner.mu.Lock()
	if t.owner.tails[t.key] == t {
		delete(t.owner.tails, t.key)
	}
	t.owner.mu.Unlock()
	close(t.done)
}
