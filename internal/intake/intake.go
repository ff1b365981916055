// Package intake feeds submissions from the chat layer into the scheduler
// and publishes the non-terminal reply for each one.
package intake

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"renderq/internal/job"
	"renderq/internal/notify"
	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/scheduler"
)

// Submission is the wire format on the intake list.
type Submission struct {
	CallerID string      `json:"caller_id"`
	Payload  job.Payload `json:"payload"`
}

// Decode parses and validates one raw submission.
func Decode(raw string) (Submission, error) {
	var s Submission
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Submission{}, errors.WrapWithCode(err, errors.CodeValidation, "intake.decode", "invalid submission json")
	}
	s.CallerID = strings.TrimSpace(s.CallerID)
	if s.CallerID == "" {
		return Submission{}, errors.ValidationField("caller_id", "caller_id is required")
	}
	return s, nil
}

// Source yields raw submissions.
type Source interface {
	Pop(ctx context.Context) (string, error)
}

// Submitter is the scheduler entry point.
type Submitter interface {
	Submit(ctx context.Context, callerID string, payload job.Payload) (*scheduler.Receipt, error)
}

type Deps struct {
	Source    Source
	Scheduler Submitter
	Notifier  notify.Notifier
	Log       *logger.Logger
	// RetryDelay is the pause after a failed pop.
	RetryDelay time.Duration
}

// Run consumes submissions until ctx is cancelled.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("intake")
	if d.RetryDelay <= 0 {
		d.RetryDelay = time.Second
	}

	log.Info("intake started")
	for {
		select {
		case <-ctx.Done():
			log.Info("intake context canceled, stopping")
			return nil
		default:
		}

		raw, err := d.Source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("intake stopping due to context cancellation")
				return nil
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.RetryDelay):
			}
			continue
		}
		if raw == "" {
			continue
		}

		Handle(ctx, d, log, raw)
	}
}

// Handle processes one raw submission.
func Handle(ctx context.Context, d Deps, log *logger.Logger, raw string) {
	sub, err := Decode(raw)
	if err != nil {
		log.WithError(err).Warn("dropping malformed submission")
		return
	}

	ctx = logger.ContextWithCallerID(ctx, sub.CallerID)
	r, err := d.Scheduler.Submit(ctx, sub.CallerID, sub.Payload)
	now := time.Now().UTC()

	var n notify.Notification
	switch {
	case err != nil:
		n = notify.Rejected(sub.CallerID, err, now)
	case r.State == job.StateQueued:
		n = notify.Notification{
			Kind:     notify.KindQueued,
			CallerID: sub.CallerID,
			JobID:    r.JobID,
			Position: r.Position,
			Ahead:    r.Ahead,
			At:       now,
		}
	default:
		log.WithCallerID(sub.CallerID).Debug("submission started immediately", "job_id", r.JobID)
		return
	}

	if nerr := d.Notifier.Notify(ctx, n); nerr != nil {
		log.WithCallerID(sub.CallerID).WithError(nerr).Warn("failed to send reply")
	}
}
