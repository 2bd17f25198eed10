package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAcquisitionTimeout distinguishes "the group stayed busy past the bounded
// wait" from a stage's own failure.
var ErrAcquisitionTimeout = errors.New("lease acquisition timed out")

// Coordinator enforces at most one active lease per named group. Waiters are
// admitted strictly in arrival order and a holder is never revoked by a newer
// request; newer requests queue.
type Coordinator struct {
	mu     sync.Mutex
	groups map[string]*group
}

type group struct {
	held  bool
	gen   uint64
	queue []*waiter
}

type waiter struct {
	granted chan uint64
}

// Lease is an admission token for one group. Release hands the group to the
// next waiter in FIFO order; releasing twice is a no-op.
type Lease struct {
	c     *Coordinator
	group string
	gen   uint64
	once  sync.Once
}

func NewCoordinator() *Coordinator {
	return &Coordinator{groups: make(map[string]*group)}
}

func (c *Coordinator) getGroup(name string) *group {
	g, ok := c.groups[name]
	if !ok {
		g = &group{}
		c.groups[name] = g
	}
	return g
}

// Acquire blocks until the caller holds the group, the context is cancelled,
// or the bounded wait expires (wait > 0). There is no default timeout:
// correctness over latency.
func (c *Coordinator) Acquire(ctx context.Context, name string, wait time.Duration) (*Lease, error) {
	c.mu.Lock()
	g := c.getGroup(name)
	if !g.held {
		g.held = true
		g.gen++
		gen := g.gen
		c.mu.Unlock()
		return &Lease{c: c, group: name, gen: gen}, nil
	}
	w := &waiter{granted: make(chan uint64, 1)}
	g.queue = append(g.queue, w)
	c.mu.Unlock()

	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case gen := <-w.granted:
		return &Lease{c: c, group: name, gen: gen}, nil
	case <-ctx.Done():
		return nil, c.abandon(name, w, ctx.Err())
	case <-timeout:
		return nil, c.abandon(name, w, ErrAcquisitionTimeout)
	}
}

// abandon removes a waiter that gave up. If the grant raced the give-up, the
// admission is passed straight to the next waiter so the queue never starves.
func (c *Coordinator) abandon(name string, w *waiter, cause error) error {
	c.mu.Lock()
	g := c.getGroup(name)
	for i, queued := range g.queue {
		if queued == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			c.mu.Unlock()
			return cause
		}
	}
	c.mu.Unlock()
	// Already granted: take the lease and immediately hand it on.
	gen := <-w.granted
	(&Lease{c: c, group: name, gen: gen}).Release()
	return cause
}

// Release must be called on every exit path of the guarded section.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.c.release(l.group, l.gen)
	})
}

func (c *Coordinator) release(name string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.getGroup(name)
	if !g.held || g.gen != gen {
		// A stale lease: the group was force-released while this holder ran.
		// The admission already moved on; nothing to hand over.
		return
	}
	c.grantNextLocked(g)
}

// ForceRelease is the operator escape hatch for a stuck group. It admits the
// next waiter (or frees the group) and invalidates the current holder's
// lease so its eventual Release cannot double-admit. Returns false if the
// group was not held.
func (c *Coordinator) ForceRelease(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok || !g.held {
		return false
	}
	c.grantNextLocked(g)
	return true
}

// grantNextLocked hands the group to the head of the queue, or marks it free.
// Caller holds c.mu.
func (c *Coordinator) grantNextLocked(g *group) {
	if len(g.queue) == 0 {
		g.held = false
		return
	}
	next := g.queue[0]
	g.queue = g.queue[1:]
	g.gen++
	next.granted <- g.gen
}

// Held reports whether a group currently has an active lease. Used by the
// status surface; not a synchronization primitive.
func (c *Coordinator) Held(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	return ok && g.held
}
