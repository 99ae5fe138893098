package shim

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Cond names one synchronization point between the foreground sequence and
// the service's notification callbacks.
type Cond int

const (
	CondRegistration Cond = iota
	CondLauncherReady
	CondLaunchComplete
	CondLauncherTerminated
	condCount
)

var condNames = map[Cond]string{
	CondRegistration:       "callback-registration",
	CondLauncherReady:      "launcher-ready",
	CondLaunchComplete:     "launch-complete",
	CondLauncherTerminated: "launcher-terminated",
}

func (c Cond) String() string {
	if s, ok := condNames[c]; ok {
		return s
	}
	return "unknown"
}

type namedCond struct {
	mu     sync.Mutex
	cv     *sync.Cond
	posted bool
	gen    uint64 // bumped by every post; wakes whole parked cohorts
}

// Conditions is the enum-keyed table of named binary wait/post primitives.
// One foreground caller blocks in Wait while notification callbacks Post.
// A sticky termination flag satisfies every wait, present and future, so
// the foreground thread is never stranded once a peer is known dead.
type Conditions struct {
	log        *slog.Logger
	terminated atomic.Bool
	conds      [condCount]*namedCond
}

// NewConditions builds the condition table.
func NewConditions(log *slog.Logger) *Conditions {
	if log == nil {
		log = slog.Default()
	}
	cs := &Conditions{log: log}
	for i := range cs.conds {
		nc := &namedCond{}
		nc.cv = sync.NewCond(&nc.mu)
		cs.conds[i] = nc
	}
	return cs
}

// Wait blocks until the condition is posted or termination is flagged. A
// Post that happened before Wait satisfies it immediately; whoever
// observes the latch consumes it, so the condition can be reused. Waiters
// already parked when a Post arrives are released by the generation bump,
// whether or not another waiter got to the latch first.
func (cs *Conditions) Wait(c Cond) {
	nc := cs.conds[c]
	nc.mu.Lock()
	start := nc.gen
	for !nc.posted && nc.gen == start && !cs.terminated.Load() {
		cs.log.Debug("waiting for condition", "cond", c.String())
		nc.cv.Wait()
	}
	if nc.posted {
		nc.posted = false
	}
	nc.mu.Unlock()
	cs.log.Debug("condition satisfied", "cond", c.String())
}

// Post satisfies the condition for every currently parked waiter and, if
// none is parked, the next future one. Broadcast, not single-wake: a
// condition may have multiple logical waiters.
func (cs *Conditions) Post(c Cond) {
	nc := cs.conds[c]
	nc.mu.Lock()
	nc.posted = true
	nc.gen++
	nc.cv.Broadcast()
	nc.mu.Unlock()
	cs.log.Debug("condition posted", "cond", c.String())
}

// ReleaseAll posts every condition unconditionally. Invoked whenever peer
// termination is learned so no wait is stranded by out-of-order
// termination notifications.
func (cs *Conditions) ReleaseAll() {
	for c := Cond(0); c < condCount; c++ {
		cs.Post(c)
	}
}

// Terminate flags global termination and releases every condition. The
// flag is sticky: all subsequent waits return immediately.
func (cs *Conditions) Terminate() {
	cs.terminated.Store(true)
	cs.ReleaseAll()
}

// Terminated reports whether peer termination has been flagged.
func (cs *Conditions) Terminated() bool {
	return cs.terminated.Load()
}
