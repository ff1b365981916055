// Package pool guards the single exclusive handle to the rendering backend.
//
// The slot moves Uninitialized -> Idle -> Busy -> Idle -> ... and returns to
// Uninitialized after idle eviction. Acquire never waits: a Busy slot means
// the scheduler and the pool disagree about concurrency, and the caller gets
// ErrInUse.
package pool

import (
	"context"
	"sync"
	"time"

	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
)

var (
	ErrInUse  = errors.New(errors.CodeResourceInUse, "rendering backend is in use")
	ErrClosed = errors.New(errors.CodeShuttingDown, "rendering backend pool is closed")
)

// State is the slot state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateIdle          State = "idle"
	StateBusy          State = "busy"
)

// Handle is a live backend instance.
type Handle interface {
	Close(ctx context.Context) error
}

// Reusable is implemented by handles that can detect they went bad. A handle
// reporting false is replaced on the next Acquire.
type Reusable interface {
	Reusable() bool
}

// Factory builds a new backend handle. It is the expensive step.
type Factory func(ctx context.Context) (Handle, error)

// Stats is a snapshot of pool counters.
type Stats struct {
	State           State     `json:"state"`
	Initializations int64     `json:"initializations"`
	Evictions       int64     `json:"evictions"`
	LastReleasedAt  time.Time `json:"last_released_at,omitempty"`
}

// Options configures a Pool.
type Options struct {
	InitTimeout time.Duration
	IdleTimeout time.Duration
	Logger      *logger.Logger
	Now         func() time.Time
}

// Pool is a single-slot resource pool.
type Pool struct {
	factory Factory
	opts    Options
	log     *logger.Logger

	mu             sync.Mutex
	state          State
	handle         Handle
	lastReleasedAt time.Time
	closed         bool
	closeOnRelease bool
	inits          int64
	evictions      int64
}

// New creates an uninitialized pool. Nothing is built until the first Acquire.
func New(factory Factory, opts Options) *Pool {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Pool{
		factory: factory,
		opts:    opts,
		log:     opts.Logger.WithComponent("pool"),
		state:   StateUninitialized,
	}
}

// Acquire returns the handle and a release func that must be called exactly
// once; extra calls are ignored. When the slot is Busy it returns ErrInUse
// immediately. A missing or unusable handle is rebuilt first, bounded by
// InitTimeout, while the slot is already marked Busy.
func (p *Pool) Acquire(ctx context.Context) (Handle, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if p.state == StateBusy {
		p.mu.Unlock()
		return nil, nil, ErrInUse
	}

	var stale, expired Handle
	var idleFor time.Duration
	switch {
	case p.handle != nil && !usable(p.handle):
		stale = p.handle
		p.handle = nil
	case p.handle != nil && p.state == StateIdle && p.idleExpiredLocked(p.opts.Now()):
		expired = p.handle
		idleFor = p.opts.Now().Sub(p.lastReleasedAt)
		p.handle = nil
		p.evictions++
	}
	p.state = StateBusy
	h := p.handle
	p.mu.Unlock()

	if stale != nil {
		p.log.Warn("replacing unusable backend handle")
		p.closeHandle(ctx, stale)
	}
	if expired != nil {
		p.log.Info("idle backend expired before acquire, reinitializing", "idle_ms", idleFor.Milliseconds())
		p.closeHandle(ctx, expired)
	}

	if h == nil {
		built, err := p.build(ctx)
		if err != nil {
			p.mu.Lock()
			p.state = StateUninitialized
			p.mu.Unlock()
			return nil, nil, err
		}
		h = built
		p.mu.Lock()
		p.handle = h
		p.inits++
		p.mu.Unlock()
	}

	var once sync.Once
	release := func() {
		once.Do(p.release)
	}
	return h, release, nil
}

func (p *Pool) build(ctx context.Context) (Handle, error) {
	initCtx := ctx
	if p.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, p.opts.InitTimeout)
		defer cancel()
	}

	start := p.opts.Now()
	h, err := p.factory(initCtx)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "pool.acquire", "failed to initialize rendering backend")
	}
	p.log.Info("rendering backend initialized", "duration_ms", p.opts.Now().Sub(start).Milliseconds())
	return h, nil
}

func (p *Pool) release() {
	p.mu.Lock()
	p.state = StateIdle
	p.lastReleasedAt = p.opts.Now()

	var teardown Handle
	if p.closeOnRelease {
		teardown = p.handle
		p.handle = nil
		p.state = StateUninitialized
	}
	p.mu.Unlock()

	if teardown != nil {
		p.closeHandle(context.Background(), teardown)
	}
}

// EvictIdle tears the handle down when the slot has been Idle for longer
// than IdleTimeout. It never touches a Busy slot and reports whether an
// eviction happened.
func (p *Pool) EvictIdle(ctx context.Context, now time.Time) bool {
	p.mu.Lock()
	if p.state != StateIdle || !p.idleExpiredLocked(now) {
		p.mu.Unlock()
		return false
	}
	h := p.handle
	idle := now.Sub(p.lastReleasedAt)
	p.handle = nil
	p.state = StateUninitialized
	p.evictions++
	p.mu.Unlock()

	p.log.Info("evicting idle rendering backend", "idle_ms", idle.Milliseconds())
	p.closeHandle(ctx, h)
	return true
}

// idleExpiredLocked reports whether an Idle handle has outlived IdleTimeout.
// A non-positive IdleTimeout keeps the handle forever.
func (p *Pool) idleExpiredLocked(now time.Time) bool {
	return p.opts.IdleTimeout > 0 && now.Sub(p.lastReleasedAt) > p.opts.IdleTimeout
}

// Close refuses further acquisitions and tears the handle down, right away
// when idle or at release when busy.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	if p.state == StateBusy {
		p.closeOnRelease = true
		p.mu.Unlock()
		p.log.Info("pool closed while busy, backend will be torn down on release")
		return nil
	}

	h := p.handle
	p.handle = nil
	p.state = StateUninitialized
	p.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Close(ctx); err != nil {
		return errors.Wrap(err, "pool.close", "failed to close rendering backend")
	}
	return nil
}

// State returns the current slot state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:           p.state,
		Initializations: p.inits,
		Evictions:       p.evictions,
		LastReleasedAt:  p.lastReleasedAt,
	}
}

func (p *Pool) closeHandle(ctx context.Context, h Handle) {
	if h == nil {
		return
	}
	if err := h.Close(ctx); err != nil {
		p.log.WithError(err).Warn("failed to close rendering backend handle")
	}
}

func usable(h Handle) bool {
	if r, ok := h.(Reusable); ok {
		return r.Reusable()
	}
	return true
}
