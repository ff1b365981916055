// Package admission implements the bounded FIFO of pending jobs with a
// per-caller cap.
package admission

import (
	"sync"
	"time"

	"renderq/internal/job"
	"renderq/internal/pkg/errors"
)

// Rejection reasons, checked in this order.
var (
	ErrQueueFull         = errors.New(errors.CodeQueueFull, "queue is full")
	ErrUserLimitExceeded = errors.New(errors.CodeUserLimitExceeded, "too many queued jobs for caller")
)

// Queue is a bounded FIFO. It only answers admission questions; whether a
// popped job may run is decided by the scheduler.
type Queue struct {
	mu      sync.Mutex
	items   []*job.Job
	perUser map[string]int
	maxSize int
	userCap int
}

// New creates a queue holding at most maxSize jobs and at most userCap jobs
// per caller.
func New(maxSize, userCap int) *Queue {
	return &Queue{
		perUser: make(map[string]int),
		maxSize: maxSize,
		userCap: userCap,
	}
}

// Admit appends j to the tail and moves it to Queued. It returns the new
// 1-indexed position of j.
func (q *Queue) Admit(j *job.Job, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return 0, ErrQueueFull.WithFields(map[string]any{"max_size": q.maxSize})
	}
	if q.perUser[j.CallerID] >= q.userCap {
		return 0, ErrUserLimitExceeded.WithFields(map[string]any{
			"caller_id": j.CallerID,
			"user_cap":  q.userCap,
		})
	}
	if err := j.Transition(job.StateQueued, now); err != nil {
		return 0, errors.Wrap(err, "admission.admit", "job cannot be queued")
	}

	q.items = append(q.items, j)
	q.perUser[j.CallerID]++
	return len(q.items), nil
}

// TakeNext pops the head, or returns nil when the queue is empty.
func (q *Queue) TakeNext() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	j := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.decLocked(j.CallerID)
	return j
}

// PositionOf returns the 1-indexed position of the caller's earliest queued
// job, or 0 if the caller has none. The answer is advisory.
func (q *Queue) PositionOf(callerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, j := range q.items {
		if j.CallerID == callerID {
			return i + 1
		}
	}
	return 0
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// CountFor returns how many jobs the caller has queued.
func (q *Queue) CountFor(callerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.perUser[callerID]
}

// Drain empties the queue and returns its former contents in FIFO order.
func (q *Queue) Drain() []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	q.perUser = make(map[string]int)
	return out
}

func (q *Queue) decLocked(callerID string) {
	if q.perUser[callerID] <= 1 {
		delete(q.perUser, callerID)
		return
	}
	q.perUser[callerID]--
}
