package scheduler

import (
	"fmt"
	"time"

	"renderq/internal/job"
	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/pool"
)

type renderResult struct {
	artifact *job.Artifact
	err      error
}

// execute runs one job to its terminal state. The caller-visible outcome is
// bounded by MaxProcessingTime; the concurrency slot is held until the
// render actually returns, which can be later.
func (s *Scheduler) execute(j *job.Job) {
	defer s.wg.Done()

	log := s.log.WithJobID(j.ID).WithCallerID(j.CallerID)
	s.save(j)

	start := s.opts.Now()
	done := s.render(j)

	timer := time.NewTimer(s.opts.MaxProcessingTime)
	defer timer.Stop()

	select {
	case res := <-done:
		s.complete(j, res, start, log)
	case <-timer.C:
		log.Warn("render exceeded deadline, abandoning result",
			"deadline_ms", s.opts.MaxProcessingTime.Milliseconds(),
		)
		s.deliver(j, job.Outcome{
			State:   job.StateTimedOut,
			Message: MsgTimedOut,
			Elapsed: s.opts.Now().Sub(start),
			Err:     errors.New(errors.CodeTimeout, "render deadline exceeded"),
		})

		res := <-done
		log.Info("abandoned render finished",
			"duration_ms", s.opts.Now().Sub(start).Milliseconds(),
			"failed", res.err != nil,
		)
	}

	s.mu.Lock()
	s.running--
	s.mu.Unlock()
	s.kick()
}

// render acquires the pool slot and renders in its own goroutine. The
// returned channel receives exactly one result, after the slot has been
// released, even if the renderer panics.
func (s *Scheduler) render(j *job.Job) <-chan renderResult {
	ch := make(chan renderResult, 1)
	ctx := logger.ContextWithCallerID(logger.ContextWithJobID(s.base, j.ID), j.CallerID)

	go func() {
		var res renderResult
		defer func() {
			if p := recover(); p != nil {
				res = renderResult{err: errors.Newf(errors.CodeRenderFailed, "renderer panicked: %v", p)}
			}
			ch <- res
		}()

		h, release, err := s.deps.Pool.Acquire(ctx)
		if err != nil {
			res.err = err
			return
		}
		defer release()

		res.artifact, res.err = s.deps.Renderer.Render(ctx, j, h)
	}()
	return ch
}

func (s *Scheduler) complete(j *job.Job, res renderResult, start time.Time, log *logger.Logger) {
	elapsed := s.opts.Now().Sub(start)

	if res.err == nil {
		log.Info("job succeeded", "duration_ms", elapsed.Milliseconds())
		s.deliver(j, job.Outcome{
			State:    job.StateSucceeded,
			Artifact: res.artifact,
			Elapsed:  elapsed,
		})
		return
	}

	switch {
	case errors.Is(res.err, pool.ErrInUse):
		log.WithError(res.err).Error("rendering backend busy while a concurrency slot was free, scheduler and pool are out of sync",
			"max_concurrent", s.opts.MaxConcurrent,
		)
	default:
		log.WithError(res.err).Error("job failed",
			"code", string(errors.GetCode(res.err)),
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	s.deliver(j, job.Outcome{
		State:   job.StateFailed,
		Message: MsgFailed,
		Elapsed: elapsed,
		Err:     failure(res.err),
	})
}

func failure(err error) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	return errors.WrapWithCode(err, errors.CodeRenderFailed, "scheduler.render", fmt.Sprintf("render failed: %v", err))
}
