package pipeline

import (
	"sync"
	"time"

	"vigil/internal/errors"
)

// Job is one enqueued extraction request. DocumentID references the
// already-inserted document row; Input carries where the bytes live.
type Job struct {
	DocumentID string
	Input      Input
	EnqueuedAt time.Time
}

// Queue is the bounded hand-off between the poller and the pipeline
// workers. Crossing the high watermark latches the queue shut until it
// drains below the low watermark, which is the poller's back-pressure
// signal.
type Queue struct {
	ch        chan Job
	highWater int
	lowWater  int

	mu     sync.Mutex
	paused bool
}

// NewQueue sizes the channel at twice the high watermark so the latch
// engages before the channel itself can fill.
func NewQueue(highWater, lowWater int) *Queue {
	if highWater < 1 {
		highWater = 1
	}
	if lowWater < 0 || lowWater >= highWater {
		lowWater = highWater / 2
	}
	return &Queue{
		ch:        make(chan Job, highWater*2),
		highWater: highWater,
		lowWater:  lowWater,
	}
}

// Accepting reports whether enqueues are currently admitted, updating the
// watermark latch as a side effect.
func (q *Queue) Accepting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := len(q.ch)
	if q.paused {
		if depth <= q.lowWater {
			q.paused = false
			return true
		}
		return false
	}
	if depth >= q.highWater {
		q.paused = true
		return false
	}
	return true
}

// Enqueue admits a job or reports saturation as a transient error.
func (q *Queue) Enqueue(job Job) error {
	if !q.Accepting() {
		return errors.Transient("pipeline queue above high water (%d)", q.highWater)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return errors.Transient("pipeline queue full")
	}
}

// Depth is the number of waiting jobs.
func (q *Queue) Depth() int { return len(q.ch) }

// Paused reports whether the high-water latch is engaged.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) jobs() <-chan Job { return q.ch }
