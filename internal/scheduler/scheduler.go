// Package scheduler admits rendering jobs and runs them against the
// resource pool under a global concurrency cap.
//
// A submission first passes the per-caller rate limit. It then runs
// immediately when the queue is empty and a concurrency slot is free,
// otherwise it is admitted to the bounded FIFO. Queued jobs are started by a
// single dispatcher goroutine, woken after every completion and after every
// admission that found a free slot, which waits DispatchDelay before draining
// the queue up to the cap.
package scheduler

import (
	"context"
	"sync"
	"time"

	"renderq/internal/admission"
	"renderq/internal/job"
	"renderq/internal/notify"
	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/pool"
	"renderq/internal/ratelimit"
)

var (
	ErrRateLimited  = errors.New(errors.CodeRateLimited, "too many requests in window")
	ErrShuttingDown = errors.New(errors.CodeShuttingDown, "scheduler is shutting down")
)

// Caller-facing messages. Causes are logged, never sent.
const (
	MsgFailed       = "rendering failed, please try again"
	MsgTimedOut     = "rendering took too long and was abandoned"
	MsgShuttingDown = "the service is shutting down, please submit again later"
)

// Pool is the exclusive backend slot.
type Pool interface {
	Acquire(ctx context.Context) (pool.Handle, func(), error)
	Stats() pool.Stats
}

// Renderer produces an artifact for a job using a pooled handle.
type Renderer interface {
	Render(ctx context.Context, j *job.Job, h pool.Handle) (*job.Artifact, error)
}

// History records job snapshots. Writes are best-effort.
type History interface {
	Save(ctx context.Context, s job.Snapshot) error
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Limiter  *ratelimit.Window
	Queue    *admission.Queue
	Pool     Pool
	Renderer Renderer
	Notifier notify.Notifier
	History  History
}

// Options tunes a Scheduler.
type Options struct {
	MaxConcurrent     int
	MaxProcessingTime time.Duration
	DispatchDelay     time.Duration
	// SideEffectTimeout bounds each notification and history write.
	SideEffectTimeout time.Duration
	Logger            *logger.Logger
	Now               func() time.Time
}

// Scheduler owns every job from admission until its terminal state.
type Scheduler struct {
	deps Deps
	opts Options
	log  *logger.Logger

	// base is the parent context of every render. It is only cancelled when
	// Close gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running int
	peak    int
	closed  bool

	wake     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler and starts its dispatcher.
func New(deps Deps, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxProcessingTime <= 0 {
		opts.MaxProcessingTime = 30 * time.Second
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog(opts.Logger)
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		deps:     deps,
		opts:     opts,
		log:      opts.Logger.WithComponent("scheduler"),
		base:     base,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Receipt is returned by Submit.
type Receipt struct {
	JobID    string    `json:"job_id"`
	State    job.State `json:"state"`
	Position int       `json:"position,omitempty"`
	Ahead    int       `json:"ahead"`

	job *job.Job
}

// Wait blocks until the job reaches a terminal state or ctx is done. The
// outcome is delivered once; only one Wait per receipt returns it.
func (r *Receipt) Wait(ctx context.Context) (job.Outcome, error) {
	select {
	case out := <-r.job.Done():
		return out, nil
	case <-ctx.Done():
		return job.Outcome{}, ctx.Err()
	}
}

// Submit admits a job for callerID. It returns a rate-limit, admission or
// shutdown error synchronously; in that case no job exists.
func (s *Scheduler) Submit(ctx context.Context, callerID string, payload job.Payload) (*Receipt, error) {
	now := s.opts.Now()
	log := s.log.FromContext(ctx).WithCallerID(callerID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if !s.deps.Limiter.Allow(callerID) {
		s.mu.Unlock()
		log.Info("submission rate limited")
		return nil, ErrRateLimited.WithFields(map[string]any{
			"retry_after_ms": s.deps.Limiter.RetryAfter(callerID).Milliseconds(),
		})
	}
	s.deps.Limiter.Record(callerID)

	j := job.New(callerID, payload, now)

	if s.deps.Queue.Len() == 0 && s.running < s.opts.MaxConcurrent {
		if err := j.Transition(job.StateRunning, now); err != nil {
			s.mu.Unlock()
			return nil, errors.Wrap(err, "scheduler.submit", "job cannot start")
		}
		s.startLocked(j)
		s.mu.Unlock()

		log.WithJobID(j.ID).Info("job started on fast path")
		return &Receipt{JobID: j.ID, State: job.StateRunning, job: j}, nil
	}

	pos, err := s.deps.Queue.Admit(j, now)
	free := s.running < s.opts.MaxConcurrent
	s.mu.Unlock()

	if err != nil {
		log.Info("submission rejected", "code", string(errors.GetCode(err)))
		return nil, err
	}
	if free {
		s.kick()
	}

	log.WithJobID(j.ID).Info("job queued", "position", pos)
	s.save(j)
	return &Receipt{JobID: j.ID, State: job.StateQueued, Position: pos, Ahead: pos - 1, job: j}, nil
}

// QueryPosition returns the 1-indexed queue position of the caller's
// earliest queued job, or 0. It is advisory.
func (s *Scheduler) QueryPosition(callerID string) int {
	return s.deps.Queue.PositionOf(callerID)
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued         int        `json:"queued"`
	Running        int        `json:"running"`
	PeakRunning    int        `json:"peak_running"`
	MaxConcurrent  int        `json:"max_concurrent"`
	TrackedCallers int        `json:"tracked_callers"`
	Closed         bool       `json:"closed"`
	Pool           pool.Stats `json:"pool"`
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Queued:        s.deps.Queue.Len(),
		Running:       s.running,
		PeakRunning:   s.peak,
		MaxConcurrent: s.opts.MaxConcurrent,
		Closed:        s.closed,
	}
	s.mu.Unlock()

	st.TrackedCallers = s.deps.Limiter.Callers()
	st.Pool = s.deps.Pool.Stats()
	return st
}

// Close refuses new submissions, fails every queued job with a shutdown
// notice and waits for in-flight renders until ctx is done. Renders still
// running at that point get their context cancelled.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.loopDone

	drained := s.deps.Queue.Drain()
	for _, j := range drained {
		s.deliver(j, job.Outcome{
			State:   job.StateFailed,
			Message: MsgShuttingDown,
			Err:     ErrShuttingDown,
		})
	}
	if len(drained) > 0 {
		s.log.Info("failed queued jobs on shutdown", "count", len(drained))
	}

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return errors.Wrap(ctx.Err(), "scheduler.close", "in-flight renders did not finish")
	}
}

// startLocked accounts for j and runs it. Must hold s.mu.
func (s *Scheduler) startLocked(j *job.Job) {
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
	s.wg.Add(1)
	go s.execute(j)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		if s.opts.DispatchDelay > 0 {
			t := time.NewTimer(s.opts.DispatchDelay)
			select {
			case <-s.stop:
				t.Stop()
				return
			case <-t.C:
			}
		}

		s.dispatch()
	}
}

// dispatch starts queued jobs in FIFO order while the cap allows.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for s.running < s.opts.MaxConcurrent {
		j := s.deps.Queue.TakeNext()
		if j == nil {
			return
		}
		if err := j.Transition(job.StateRunning, s.opts.Now()); err != nil {
			s.log.WithJobID(j.ID).WithError(err).Error("dropping queued job in unexpected state")
			continue
		}
		s.startLocked(j)
	}
}

// deliver finishes j and sends its one notification. A job that already
// finished is left alone.
func (s *Scheduler) deliver(j *job.Job, out job.Outcome) {
	now := s.opts.Now()
	out.JobID = j.ID
	out.CallerID = j.CallerID
	if !j.Finish(out, now) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SideEffectTimeout)
	defer cancel()
	if err := s.deps.Notifier.Notify(ctx, notify.FromOutcome(out, now)); err != nil {
		s.log.WithJobID(j.ID).WithError(err).Warn("failed to notify caller")
	}
	s.save(j)
}

func (s *Scheduler) save(j *job.Job) {
	if s.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SideEffectTimeout)
	defer cancel()
	if err := s.deps.History.Save(ctx, j.Snapshot()); err != nil {
		s.log.WithJobID(j.ID).WithError(err).Warn("failed to record job history")
	}
}
