// Package reaper runs the periodic sweeps that expire rate-limit history and
// evict the idle rendering backend.
package reaper

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"renderq/internal/pkg/logger"
)

// Pruner drops rate-window entries older than the window.
type Pruner interface {
	Prune(now time.Time) int
}

// Evicter tears down the pooled handle once it has been idle too long.
type Evicter interface {
	EvictIdle(ctx context.Context, now time.Time) bool
}

// Config holds the two sweep intervals.
type Config struct {
	RateInterval time.Duration
	PoolInterval time.Duration
	Now          func() time.Time
}

// Reaper owns the sweep loops.
type Reaper struct {
	pruner  Pruner
	evicter Evicter
	cfg     Config
	log     *logger.Logger
}

// New creates a Reaper. Either collaborator may be nil, which disables that
// sweep.
func New(pruner Pruner, evicter Evicter, cfg Config, log *logger.Logger) *Reaper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Reaper{
		pruner:  pruner,
		evicter: evicter,
		cfg:     cfg,
		log:     log.WithComponent("reaper"),
	}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if r.pruner != nil && r.cfg.RateInterval > 0 {
		g.Go(func() error {
			return every(ctx, r.cfg.RateInterval, r.SweepRateWindows)
		})
	}
	if r.evicter != nil && r.cfg.PoolInterval > 0 {
		g.Go(func() error {
			return every(ctx, r.cfg.PoolInterval, r.SweepPool)
		})
	}

	r.log.Info("reaper started",
		"rate_interval_ms", r.cfg.RateInterval.Milliseconds(),
		"pool_interval_ms", r.cfg.PoolInterval.Milliseconds(),
	)
	err := g.Wait()
	r.log.Info("reaper stopped")
	return err
}

// SweepRateWindows prunes stale request timestamps once.
func (r *Reaper) SweepRateWindows(context.Context) {
	if n := r.pruner.Prune(r.cfg.Now()); n > 0 {
		r.log.Debug("pruned idle callers", "count", n)
	}
}

// SweepPool evicts the idle backend once, if it is due.
func (r *Reaper) SweepPool(ctx context.Context) {
	if r.evicter.EvictIdle(ctx, r.cfg.Now()) {
		r.log.Info("idle rendering backend evicted")
	}
}

func every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}
