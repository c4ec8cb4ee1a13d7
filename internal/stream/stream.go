// Package stream multicasts job progress and content events to live
// subscribers. Delivery is best-effort, at-most-once per connected
// subscriber; events published before a subscriber connects are never
// replayed.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/job"
)

// Event types published by the pipeline runner.
const (
	EventProgress          = "progress"
	EventContent           = "content"
	EventHistoryCompressed = "history_compressed"
	EventCompleted         = "completed"
	EventFailed            = "failed"
	EventStopped           = "stopped"
)

// Event is one message pushed to a job's subscribers.
type Event struct {
	Type         string    `json:"type"`
	Stage        job.Stage `json:"stage,omitempty"`
	SegmentIndex int       `json:"segment_index"`
	Content      string    `json:"content,omitempty"`
	Progress     float64   `json:"progress"`
	Message      string    `json:"message,omitempty"`
}

// DefaultBufferSize is the per-subscriber queue capacity.
const DefaultBufferSize = 64

// Subscription is one consumer's handle on a job's event feed. Read from C;
// the channel is closed when the subscriber is dropped or unsubscribed.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// Broadcaster fans events out to per-job subscriber sets. Its lock covers
// only the subscriber map; publishing never blocks on a consumer.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	bufSize int
	logger  *zap.Logger
}

// NewBroadcaster creates a Broadcaster with the given per-subscriber buffer
// size (DefaultBufferSize when <= 0).
func NewBroadcaster(bufSize int, logger *zap.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:    make(map[string]map[*Subscription]struct{}),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber for the job and returns its handle.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, b.bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call for
// a subscriber that was already dropped.
func (b *Broadcaster) Unsubscribe(jobID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(jobID, sub)
}

// Publish enqueues the event on every current subscriber of the job without
// blocking. A subscriber whose queue is full is dropped: a slow consumer
// must not stall the producer.
func (b *Broadcaster) Publish(jobID string, ev Event) {
	// Sends stay under the mutex: a channel is only ever closed while the
	// mutex is held, and the sends cannot block.
	b.mu.Lock()
	var slow []*Subscription
	for sub := range b.subs[jobID] {
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		b.dropLocked(jobID, sub)
	}
	b.mu.Unlock()

	if len(slow) > 0 {
		b.logger.Warn("dropped slow subscribers",
			zap.String("job_id", jobID),
			zap.Int("dropped", len(slow)),
			zap.String("event", ev.Type))
	}
}

// SubscriberCount returns the number of live subscribers for a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// dropLocked removes sub from the job's set and closes its channel. Caller
// must hold the mutex.
func (b *Broadcaster) dropLocked(jobID string, sub *Subscription) {
	set, ok := b.subs[jobID]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
}
