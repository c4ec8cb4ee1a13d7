// Package admission bounds how many jobs may run concurrently. Admitted ids
// are tracked in a set capped by a runtime-adjustable limit; everyone else
// waits in a FIFO queue until a release or a limit change promotes them.
package admission

import (
	"context"
	"sync"
	"time"
)

// avgJobDuration is the assumed average runtime of one job, used only for
// the estimated-wait figure reported to queued callers.
const avgJobDuration = 5 * time.Minute

// Controller serializes all admission state under one mutex; waiters
// suspend on a condition variable tied to that mutex so wake-ups never race
// with state changes.
type Controller struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	admitted map[string]time.Time
	waiting  []string
}

// NewController creates a Controller with the given concurrency limit
// (minimum 1).
func NewController(limit int) *Controller {
	if limit < 1 {
		limit = 1
	}
	c := &Controller{
		limit:    limit,
		admitted: make(map[string]time.Time),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until id holds an admission slot or ctx is cancelled.
// It returns immediately when id is already admitted or when capacity is
// free; otherwise id joins the tail of the wait queue. Waiting is unbounded:
// only a release, a limit change, or ctx cancellation ends it.
func (c *Controller) Acquire(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.admitted[id]; ok {
		return nil
	}
	if len(c.admitted) < c.limit {
		c.admitted[id] = time.Now()
		return nil
	}

	if !c.queuedLocked(id) {
		c.waiting = append(c.waiting, id)
	}

	// Wake this waiter when its context is cancelled; cond.Wait cannot
	// observe ctx on its own.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for {
		if _, ok := c.admitted[id]; ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.removeWaitingLocked(id)
			return err
		}
		c.cond.Wait()
	}
}

// Release drops id from the admitted set and the wait queue, then promotes
// queued ids in FIFO order until the set is full again. All suspended
// callers are woken so each can re-check its own admission.
func (c *Controller) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.admitted, id)
	c.removeWaitingLocked(id)
	c.promoteLocked()
	c.cond.Broadcast()
}

// UpdateLimit changes the concurrency limit at runtime (minimum 1) and
// promotes waiters into any newly available capacity.
func (c *Controller) UpdateLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limit = limit
	c.promoteLocked()
	c.cond.Broadcast()
}

// Status is a point-in-time snapshot of the controller, optionally including
// queue position data for one id.
type Status struct {
	Active        int           `json:"active"`
	Limit         int           `json:"limit"`
	QueueLength   int           `json:"queue_length"`
	Position      int           `json:"position,omitempty"` // 1-based; 0 when not queued
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
}

// StatusFor reports controller occupancy. When id is non-empty and currently
// waiting, the snapshot includes its 1-based queue position and an estimated
// wait derived from the average job duration.
func (c *Controller) StatusFor(id string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Active:      len(c.admitted),
		Limit:       c.limit,
		QueueLength: len(c.waiting),
	}
	if id == "" {
		return st
	}
	for i, waiting := range c.waiting {
		if waiting == id {
			st.Position = i + 1
			st.EstimatedWait = time.Duration(i+1) * avgJobDuration
			break
		}
	}
	return st
}

// Admitted reports whether id currently holds a slot.
func (c *Controller) Admitted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.admitted[id]
	return ok
}

// promoteLocked moves waiting ids into the admitted set, oldest first, until
// the set is full or the queue is empty. Caller must hold the mutex.
func (c *Controller) promoteLocked() {
	for len(c.waiting) > 0 && len(c.admitted) < c.limit {
		next := c.waiting[0]
		c.waiting = c.waiting[1:]
		c.admitted[next] = time.Now()
	}
}

func (c *Controller) queuedLocked(id string) bool {
	for _, w := range c.waiting {
		if w == id {
			return true
		}
	}
	return false
}

func (c *Controller) removeWaitingLocked(id string) {
	for i, w := range c.waiting {
		if w == id {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return
		}
	}
}
