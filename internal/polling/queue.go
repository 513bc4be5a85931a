package polling

import (
	"context"
	"errors"
	"time"

	"mcdaq/internal/coreerr"
)

var errQueueFull = errors.New("data queue put timed out after 30s")

const defaultQueueSize = 10000

// Queue is the bounded channel from polling workers to the buffer
// consumer: many writers, exactly one reader. Put blocks up to 30s and
// then fails the caller, back-pressuring the worker instead of silently
// dropping samples at this stage; Get blocks without timeout.
type Queue struct {
	ch chan Sample
}

// NewQueue builds a Queue with the given capacity, or 10,000 when
// capacity <= 0.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	return &Queue{ch: make(chan Sample, capacity)}
}

// Put pushes s onto the queue, blocking up to 30s. Returns BackPressure if
// the queue stayed full for the whole window, or the ctx's error if ctx is
// cancelled first — a worker's stop signal interrupts this suspension
// point.
func (q *Queue) Put(ctx context.Context, s Sample) error {
	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()
	select {
	case q.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return coreerr.BackPressure("queue_put", errQueueFull)
	}
}

// Get blocks without timeout until a sample is available or ctx is
// cancelled.
func (q *Queue) Get(ctx context.Context) (Sample, error) {
	select {
	case s := <-q.ch:
		return s, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// Len reports the number of samples currently queued (diagnostic only; the
// queue has no capacity-only observer beyond cap(ch)).
func (q *Queue) Len() int { return len(q.ch) }
