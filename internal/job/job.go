// Package job holds the rendering job model shared by admission, scheduling
// and the outer surfaces.
package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job.
type State string

const (
	// StateNew is the state of a job that has not been admitted yet.
	StateNew       State = ""
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// allowed lists the legal moves. Queued -> Failed is only used when the
// scheduler shuts down with jobs still waiting.
var allowed = map[State][]State{
	StateNew:     {StateQueued, StateRunning},
	StateQueued:  {StateRunning, StateFailed},
	StateRunning: {StateSucceeded, StateFailed, StateTimedOut},
}

// Payload is the opaque rendering request forwarded to the renderer.
type Payload map[string]any

// Artifact is the result of a successful render.
type Artifact struct {
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ObjectKey   string `json:"object_key,omitempty"`
	URL         string `json:"url,omitempty"`

	// Data holds the rendered bytes until they are persisted.
	Data []byte `json:"-"`
}

// Outcome is the terminal result delivered exactly once per job.
type Outcome struct {
	JobID    string        `json:"job_id"`
	CallerID string        `json:"caller_id"`
	State    State         `json:"state"`
	Artifact *Artifact     `json:"artifact,omitempty"`
	Message  string        `json:"message,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`

	// Err is the internal cause. It is logged, never shown to the caller.
	Err error `json:"-"`
}

// Job is one rendering request. Identity is (CallerID, SubmittedAt); ID is
// a convenience handle derived at creation.
type Job struct {
	ID          string
	CallerID    string
	SubmittedAt time.Time
	Payload     Payload

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	finishedAt time.Time
	message    string
	artifact   *Artifact

	done chan Outcome
}

// New creates a job in StateNew.
func New(callerID string, payload Payload, now time.Time) *Job {
	return &Job{
		ID:          "job_" + uuid.NewString(),
		CallerID:    callerID,
		SubmittedAt: now,
		Payload:     payload,
		done:        make(chan Outcome, 1),
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to next. It fails when the move is not a legal
// forward step, which also makes a second terminal transition a no-op error.
func (j *Job) Transition(next State, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	ok := false
	for _, s := range allowed[j.state] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("job %s: illegal transition %q -> %q", j.ID, j.state, next)
	}

	j.state = next
	switch {
	case next == StateRunning:
		j.startedAt = at
	case next.Terminal():
		j.finishedAt = at
	}
	return nil
}

// Finish moves the job to a terminal state and delivers out on Done. It
// returns false if the job had already finished, in which case nothing is
// delivered.
func (j *Job) Finish(out Outcome, at time.Time) bool {
	if !out.State.Terminal() {
		return false
	}
	if err := j.Transition(out.State, at); err != nil {
		return false
	}

	j.mu.Lock()
	j.message = out.Message
	j.artifact = out.Artifact
	j.mu.Unlock()

	out.JobID = j.ID
	out.CallerID = j.CallerID
	j.done <- out
	return true
}

// Done receives the terminal outcome once.
func (j *Job) Done() <-chan Outcome {
	return j.done
}

// Snapshot is a point-in-time copy used for history and APIs.
type Snapshot struct {
	ID          string     `json:"id"`
	CallerID    string     `json:"caller_id"`
	State       State      `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Message     string     `json:"message,omitempty"`
	ObjectKey   string     `json:"object_key,omitempty"`
}

// Snapshot copies the job's observable fields.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:          j.ID,
		CallerID:    j.CallerID,
		State:       j.state,
		SubmittedAt: j.SubmittedAt,
		Message:     j.message,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	if j.artifact != nil {
		s.ObjectKey = j.artifact.ObjectKey
	}
	return s
}
