// Package handlers implements the renderq HTTP endpoints.
package handlers

import (
	"context"

	"renderq/internal/job"
	"renderq/internal/pkg/logger"
	"renderq/internal/ports"
	"renderq/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	Submit(ctx context.Context, callerID string, payload job.Payload) (*scheduler.Receipt, error)
	QueryPosition(callerID string) int
	Stats() scheduler.Stats
}

// History lists past jobs. Optional.
type History interface {
	ListByCaller(ctx context.Context, callerID string, limit int) ([]job.Snapshot, error)
}

// Check is a named dependency probe for the deep health check.
type Check func(ctx context.Context) error

type Deps struct {
	Scheduler Scheduler
	History   History
	Store     ports.ArtifactStore
	Checks    map[string]Check
	Version   string
	Log       *logger.Logger
}

type Handler struct {
	sched   Scheduler
	history History
	store   ports.ArtifactStore
	checks  map[string]Check
	version string
	log     *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		sched:   d.Scheduler,
		history: d.History,
		store:   d.Store,
		checks:  d.Checks,
		version: d.Version,
		log:     log.WithComponent("httpapi"),
	}
}
