package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/internal/admission"
	"renderq/internal/job"
	"renderq/internal/notify"
	"renderq/internal/pkg/errors"
	"renderq/internal/pool"
	"renderq/internal/ratelimit"
)

// slotPool is a pool with several slots so the concurrency cap, not the
// pool, is what limits parallel renders.
type slotPool struct {
	mu    sync.Mutex
	slots int
	inUse int
	err   error
}

type nopHandle struct{}

func (nopHandle) Close(context.Context) error { return nil }

func (p *slotPool) Acquire(context.Context) (pool.Handle, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, nil, p.err
	}
	if p.inUse >= p.slots {
		return nil, nil, pool.ErrInUse
	}
	p.inUse++
	var once sync.Once
	return nopHandle{}, func() {
		once.Do(func() {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
		})
	}, nil
}

func (p *slotPool) Stats() pool.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse > 0 {
		return pool.Stats{State: pool.StateBusy}
	}
	return pool.Stats{State: pool.StateIdle}
}

func (p *slotPool) held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

type fakeRenderer struct {
	mu     sync.Mutex
	order  []string
	active int
	peak   int

	gate     chan struct{}
	openOnce sync.Once
	fn       func(j *job.Job) (*job.Artifact, error)
}

func newBlockingRenderer() *fakeRenderer {
	return &fakeRenderer{gate: make(chan struct{})}
}

func (r *fakeRenderer) open() {
	if r.gate != nil {
		r.openOnce.Do(func() { close(r.gate) })
	}
}

func (r *fakeRenderer) Render(ctx context.Context, j *job.Job, _ pool.Handle) (*job.Artifact, error) {
	r.mu.Lock()
	r.order = append(r.order, j.CallerID)
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.fn != nil {
		return r.fn(j)
	}
	return &job.Artifact{ContentType: "image/png", Size: 3, Data: []byte("png")}, nil
}

func (r *fakeRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) forJob(id string) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.got {
		if n.JobID == id {
			out = append(out, n)
		}
	}
	return out
}

type env struct {
	s        *Scheduler
	pool     *slotPool
	renderer *fakeRenderer
	notes    *recorder
}

func newEnv(t *testing.T, opts Options, r *fakeRenderer) *env {
	t.Helper()

	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxProcessingTime == 0 {
		opts.MaxProcessingTime = 5 * time.Second
	}
	if opts.DispatchDelay == 0 {
		opts.DispatchDelay = 5 * time.Millisecond
	}

	e := &env{
		pool:     &slotPool{slots: opts.MaxConcurrent},
		renderer: r,
		notes:    &recorder{},
	}
	e.s = New(Deps{
		Limiter:  ratelimit.New(3, time.Minute),
		Queue:    admission.New(100, 2),
		Pool:     e.pool,
		Renderer: r,
		Notifier: e.notes,
	}, opts)

	t.Cleanup(func() {
		r.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.s.Close(ctx)
	})
	return e
}

func wait(t *testing.T, r *Receipt) job.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := r.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestFastPathRunsImmediately(t *testing.T) {
	e := newEnv(t, Options{}, &fakeRenderer{})

	r, err := e.s.Submit(context.Background(), "alice", job.Payload{"text": "hi"})
	require.NoError(t, err)

	assert.Equal(t, job.StateRunning, r.State)
	assert.Zero(t, r.Position)

	out := wait(t, r)
	assert.Equal(t, job.StateSucceeded, out.State)
	require.NotNil(t, out.Artifact)
	assert.Equal(t, "image/png", out.Artifact.ContentType)

	require.Eventually(t, func() bool { return len(e.notes.forJob(r.JobID)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, notify.KindSucceeded, e.notes.forJob(r.JobID)[0].Kind)
}

func TestSixthJobIsQueuedWhenFiveAreRunning(t *testing.T) {
	e := newEnv(t, Options{MaxConcurrent: 5}, newBlockingRenderer())

	var receipts []*Receipt
	for i := 0; i < 5; i++ {
		r, err := e.s.Submit(context.Background(), fmt.Sprintf("caller-%d", i), nil)
		require.NoError(t, err)
		require.Equal(t, job.StateRunning, r.State)
		receipts = append(receipts, r)
	}

	sixth, err := e.s.Submit(context.Background(), "caller-5", nil)
	require.NoError(t, err)

	assert.Equal(t, job.StateQueued, sixth.State)
	assert.Equal(t, 1, sixth.Position)
	assert.Equal(t, 0, sixth.Ahead)
	assert.Equal(t, 1, e.s.QueryPosition("caller-5"))

	e.renderer.open()
	for _, r := range append(receipts, sixth) {
		assert.Equal(t, job.StateSucceeded, wait(t, r).State)
	}
	assert.Zero(t, e.s.QueryPosition("caller-5"))
}

func TestRunningNeverExceedsMaxConcurrent(t *testing.T) {
	r := &fakeRenderer{fn: func(*job.Job) (*job.Artifact, error) {
		time.Sleep(3 * time.Millisecond)
		return &job.Artifact{}, nil
	}}
	e := newEnv(t, Options{MaxConcurrent: 2, DispatchDelay: time.Millisecond}, r)

	var receipts []*Receipt
	for i := 0; i < 12; i++ {
		rc, err := e.s.Submit(context.Background(), fmt.Sprintf("caller-%d", i%6), nil)
		if err != nil {
			require.True(t, errors.IsAdmission(err), "unexpected error: %v", err)
			continue
		}
		receipts = append(receipts, rc)
	}
	require.NotEmpty(t, receipts)

	for _, rc := range receipts {
		wait(t, rc)
	}

	assert.LessOrEqual(t, e.s.Stats().PeakRunning, 2)
	r.mu.Lock()
	assert.LessOrEqual(t, r.peak, 2)
	r.mu.Unlock()
}

func TestTimedOutWithinDeadlineWhileSlotStaysHeld(t *testing.T) {
	const deadline = 50 * time.Millisecond
	e := newEnv(t, Options{MaxProcessingTime: deadline}, newBlockingRenderer())

	start := time.Now()
	r, err := e.s.Submit(context.Background(), "alice", nil)
	require.NoError(t, err)

	out := wait(t, r)
	elapsed := time.Since(start)

	assert.Equal(t, job.StateTimedOut, out.State)
	assert.Equal(t, MsgTimedOut, out.Message)
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline+time.Second)

	// render still running: the slot and the pool handle stay held
	assert.Equal(t, 1, e.s.Stats().Running)
	assert.Equal(t, 1, e.pool.held())

	queued, err := e.s.Submit(context.Background(), "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, job.StateQueued, queued.State)

	e.renderer.open()
	assert.Equal(t, job.StateSucceeded, wait(t, queued).State)
	require.Eventually(t, func() bool { return e.s.Stats().Running == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, e.pool.held())

	notes := e.notes.forJob(r.JobID)
	require.Len(t, notes, 1, "late result must not produce a second notification")
	assert.Equal(t, notify.KindTimedOut, notes[0].Kind)
}

func TestFailureMessageIsGeneric(t *testing.T) {
	r := &fakeRenderer{fn: func(*job.Job) (*job.Artifact, error) {
		return nil, stderrors.New("chromium: connection refused at 10.0.0.3:9222")
	}}
	e := newEnv(t, Options{}, r)

	rc, err := e.s.Submit(context.Background(), "alice", nil)
	require.NoError(t, err)

	out := wait(t, rc)
	assert.Equal(t, job.StateFailed, out.State)
	assert.Equal(t, MsgFailed, out.Message)
	assert.Equal(t, errors.CodeRenderFailed, errors.GetCode(out.Err))

	require.Eventually(t, func() bool { return len(e.notes.forJob(rc.JobID)) == 1 }, time.Second, 5*time.Millisecond)
	n := e.notes.forJob(rc.JobID)[0]
	assert.Equal(t, notify.KindFailed, n.Kind)
	assert.False(t, strings.Contains(n.Message, "10.0.0.3"))
}

func TestPanicDoesNotAffectOtherJobs(t *testing.T) {
	r := &fakeRenderer{fn: func(j *job.Job) (*job.Artifact, error) {
		if j.CallerID == "mallory" {
			panic("bad payload")
		}
		return &job.Artifact{}, nil
	}}
	e := newEnv(t, Options{}, r)

	bad, err := e.s.Submit(context.Background(), "mallory", nil)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, wait(t, bad).State)

	good, err := e.s.Submit(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, wait(t, good).State)

	require.Eventually(t, func() bool { return e.pool.held() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueuedJobsRunInFIFOOrder(t *testing.T) {
	e := newEnv(t, Options{}, newBlockingRenderer())

	callers := []string{"a", "b", "c", "d", "e"}
	var receipts []*Receipt
	for i, c := range callers {
		r, err := e.s.Submit(context.Background(), c, nil)
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, i, r.Position)
		}
		receipts = append(receipts, r)
	}

	e.renderer.open()
	for _, r := range receipts {
		wait(t, r)
	}

	assert.Equal(t, callers, e.renderer.rendered())
}

func TestFourthSubmissionInWindowIsRateLimited(t *testing.T) {
	e := newEnv(t, Options{}, &fakeRenderer{})

	for i := 0; i < 3; i++ {
		_, err := e.s.Submit(context.Background(), "alice", nil)
		require.NoError(t, err)
	}

	_, err := e.s.Submit(context.Background(), "alice", nil)

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, errors.GetFields(err), "retry_after_ms")

	_, err = e.s.Submit(context.Background(), "bob", nil)
	assert.NoError(t, err)
}

func TestUserLimitExceededIsReported(t *testing.T) {
	e := newEnv(t, Options{}, newBlockingRenderer())

	_, err := e.s.Submit(context.Background(), "other", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := e.s.Submit(context.Background(), "alice", nil)
		require.NoError(t, err)
	}

	_, err = e.s.Submit(context.Background(), "alice", nil)

	assert.ErrorIs(t, err, admission.ErrUserLimitExceeded)
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	e := newEnv(t, Options{}, newBlockingRenderer())

	running, err := e.s.Submit(context.Background(), "a", nil)
	require.NoError(t, err)
	q1, err := e.s.Submit(context.Background(), "b", nil)
	require.NoError(t, err)
	q2, err := e.s.Submit(context.Background(), "c", nil)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closed <- e.s.Close(ctx)
	}()

	for _, r := range []*Receipt{q1, q2} {
		out := wait(t, r)
		assert.Equal(t, job.StateFailed, out.State)
		assert.Equal(t, MsgShuttingDown, out.Message)
	}

	_, err = e.s.Submit(context.Background(), "d", nil)
	assert.ErrorIs(t, err, ErrShuttingDown)

	e.renderer.open()
	assert.Equal(t, job.StateSucceeded, wait(t, running).State)
	require.NoError(t, <-closed)
}

func TestCloseGivesUpAfterContext(t *testing.T) {
	e := newEnv(t, Options{MaxProcessingTime: time.Minute}, newBlockingRenderer())

	r, err := e.s.Submit(context.Background(), "a", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = e.s.Close(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// the render context is cancelled, so the job finishes as failed
	assert.Equal(t, job.StateFailed, wait(t, r).State)
}

func TestPoolInUseFailsJob(t *testing.T) {
	e := newEnv(t, Options{}, &fakeRenderer{})
	e.pool.err = pool.ErrInUse

	r, err := e.s.Submit(context.Background(), "alice", nil)
	require.NoError(t, err)

	out := wait(t, r)
	assert.Equal(t, job.StateFailed, out.State)
	assert.Equal(t, MsgFailed, out.Message)
	assert.ErrorIs(t, out.Err, pool.ErrInUse)
	assert.Empty(t, e.renderer.rendered())
}

func TestEveryJobGetsExactlyOneNotification(t *testing.T) {
	r := &fakeRenderer{fn: func(j *job.Job) (*job.Artifact, error) {
		if strings.HasSuffix(j.CallerID, "1") {
			return nil, stderrors.New("boom")
		}
		return &job.Artifact{}, nil
	}}
	e := newEnv(t, Options{MaxConcurrent: 2}, r)

	var receipts []*Receipt
	for i := 0; i < 8; i++ {
		rc, err := e.s.Submit(context.Background(), fmt.Sprintf("caller-%d", i), nil)
		require.NoError(t, err)
		receipts = append(receipts, rc)
	}
	for _, rc := range receipts {
		wait(t, rc)
	}

	for _, rc := range receipts {
		require.Eventually(t, func() bool { return len(e.notes.forJob(rc.JobID)) == 1 }, time.Second, 5*time.Millisecond)
	}
}

func TestStats(t *testing.T) {
	e := newEnv(t, Options{MaxConcurrent: 1}, newBlockingRenderer())

	_, err := e.s.Submit(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = e.s.Submit(context.Background(), "b", nil)
	require.NoError(t, err)

	st := e.s.Stats()
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 1, st.MaxConcurrent)
	assert.Equal(t, 2, st.TrackedCallers)
}
