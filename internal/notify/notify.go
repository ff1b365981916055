// Package notify delivers job notifications to the chat layer.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"renderq/internal/job"
	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
)

// Kind identifies what a notification reports.
type Kind string

const (
	KindQueued    Kind = "queued"
	KindRejected  Kind = "rejected"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
	KindTimedOut  Kind = "timed_out"
)

// Notification is one message for one caller.
type Notification struct {
	Kind      Kind      `json:"kind"`
	CallerID  string    `json:"caller_id"`
	JobID     string    `json:"job_id,omitempty"`
	Position  int       `json:"position,omitempty"`
	Ahead     int       `json:"ahead,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	ObjectKey string    `json:"object_key,omitempty"`
	URL       string    `json:"url,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier is the reply sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// FromOutcome converts a terminal outcome into its notification.
func FromOutcome(out job.Outcome, at time.Time) Notification {
	n := Notification{
		CallerID: out.CallerID,
		JobID:    out.JobID,
		Message:  out.Message,
		At:       at,
	}
	switch out.State {
	case job.StateSucceeded:
		n.Kind = KindSucceeded
	case job.StateTimedOut:
		n.Kind = KindTimedOut
	default:
		n.Kind = KindFailed
	}
	if out.Err != nil {
		n.Code = string(errors.GetCode(out.Err))
	}
	if out.Artifact != nil {
		n.ObjectKey = out.Artifact.ObjectKey
		n.URL = out.Artifact.URL
	}
	return n
}

// Rejected builds the notification for an admission rejection.
func Rejected(callerID string, err error, at time.Time) Notification {
	return Notification{
		Kind:     KindRejected,
		CallerID: callerID,
		Code:     string(errors.GetCode(err)),
		Message:  RejectionMessage(err),
		At:       at,
	}
}

// RejectionMessage is the caller-facing text for an admission error.
func RejectionMessage(err error) string {
	switch errors.GetCode(err) {
	case errors.CodeRateLimited:
		return "too many requests, please wait a minute and try again"
	case errors.CodeUserLimitExceeded:
		return "you already have the maximum number of jobs waiting"
	case errors.CodeQueueFull:
		return "the queue is full, please try again later"
	case errors.CodeShuttingDown:
		return "the service is shutting down"
	default:
		return "request could not be accepted"
	}
}

// Redis publishes every notification as JSON on <prefix>:<callerId>.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis creates a Redis notifier.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// Channel returns the pub/sub channel for a caller.
func (r *Redis) Channel(callerID string) string {
	return r.prefix + ":" + callerID
}

// Notify implements Notifier.
func (r *Redis) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "notify.redis", "failed to encode notification")
	}
	if err := r.rdb.Publish(ctx, r.Channel(n.CallerID), body).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "notify.redis", "failed to publish notification")
	}
	return nil
}

// Log writes notifications to the structured log. It is the sink used when
// no chat layer is wired.
type Log struct {
	log *logger.Logger
}

// NewLog creates a log notifier.
func NewLog(log *logger.Logger) *Log {
	return &Log{log: log.WithComponent("notify")}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, n Notification) error {
	l.log.WithCallerID(n.CallerID).Info("notification",
		"kind", string(n.Kind),
		"job_id", n.JobID,
		"position", n.Position,
		"message", n.Message,
	)
	return nil
}

// Multi fans a notification out to several sinks and returns the first error.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
