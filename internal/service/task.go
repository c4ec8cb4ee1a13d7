package service

import (
	"context"
	"sync"
)

// Task supervises one in-flight job run. It exposes completion and the
// run's terminal error instead of letting the goroutine's outcome vanish.
type Task struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newTask(jobID string, cancel context.CancelFunc) *Task {
	return &Task{jobID: jobID, cancel: cancel, done: make(chan struct{})}
}

// JobID returns the id of the supervised job.
func (t *Task) JobID() string {
	return t.jobID
}

// Done is closed when the run reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the run's terminal error. Valid after Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Stop requests cooperative cancellation of the run.
func (t *Task) Stop() {
	t.cancel()
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}
