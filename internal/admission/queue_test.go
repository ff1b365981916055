package admission

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/internal/job"
	"renderq/internal/pkg/errors"
)

func newJob(caller string) *job.Job {
	return job.New(caller, nil, time.Now())
}

func TestHundredAndFirstAdmitIsQueueFull(t *testing.T) {
	q := New(100, 2)
	for i := 0; i < 100; i++ {
		_, err := q.Admit(newJob(fmt.Sprintf("caller-%d", i)), time.Now())
		require.NoError(t, err)
	}

	_, err := q.Admit(newJob("late"), time.Now())

	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 100, q.Len())
}

func TestThirdJobForCallerIsUserLimitExceeded(t *testing.T) {
	q := New(100, 2)
	for i := 0; i < 2; i++ {
		_, err := q.Admit(newJob("alice"), time.Now())
		require.NoError(t, err)
	}

	j := newJob("alice")
	_, err := q.Admit(j, time.Now())

	assert.ErrorIs(t, err, ErrUserLimitExceeded)
	assert.Equal(t, errors.CodeUserLimitExceeded, errors.GetCode(err))
	assert.Equal(t, job.StateNew, j.State(), "rejected job must not be queued")
	assert.Equal(t, 2, q.CountFor("alice"))
}

func TestQueueFullBeatsUserLimit(t *testing.T) {
	q := New(2, 2)
	for i := 0; i < 2; i++ {
		_, err := q.Admit(newJob("alice"), time.Now())
		require.NoError(t, err)
	}

	_, err := q.Admit(newJob("alice"), time.Now())

	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestAdmitSetsQueuedAndReturnsPosition(t *testing.T) {
	q := New(10, 2)

	a := newJob("a")
	pos, err := q.Admit(a, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, job.StateQueued, a.State())

	pos, err = q.Admit(newJob("b"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
}

func TestTakeNextIsFIFO(t *testing.T) {
	q := New(10, 2)
	var admitted []*job.Job
	for _, caller := range []string{"a", "b", "a", "c"} {
		j := newJob(caller)
		_, err := q.Admit(j, time.Now())
		require.NoError(t, err)
		admitted = append(admitted, j)
	}

	for _, want := range admitted {
		assert.Same(t, want, q.TakeNext())
	}
	assert.Nil(t, q.TakeNext())
	assert.Zero(t, q.CountFor("a"))
}

func TestTakeNextFreesCallerSlot(t *testing.T) {
	q := New(10, 1)
	_, err := q.Admit(newJob("a"), time.Now())
	require.NoError(t, err)

	_, err = q.Admit(newJob("a"), time.Now())
	require.ErrorIs(t, err, ErrUserLimitExceeded)

	q.TakeNext()
	_, err = q.Admit(newJob("a"), time.Now())
	assert.NoError(t, err)
}

func TestPositionOf(t *testing.T) {
	q := New(10, 2)
	for _, caller := range []string{"a", "b", "c", "b"} {
		_, err := q.Admit(newJob(caller), time.Now())
		require.NoError(t, err)
	}

	tests := []struct {
		caller string
		want   int
	}{
		{"a", 1},
		{"b", 2},
		{"c", 3},
		{"nobody", 0},
	}
	for _, tt := range tests {
		t.Run(tt.caller, func(t *testing.T) {
			assert.Equal(t, tt.want, q.PositionOf(tt.caller))
		})
	}
}

func TestCapsHoldForAnyAdmitSequence(t *testing.T) {
	const maxSize, userCap = 7, 2
	q := New(maxSize, userCap)
	callers := []string{"a", "b", "c", "a", "a", "d", "b", "b", "e", "f", "g", "a"}

	for i := 0; i < 60; i++ {
		caller := callers[(i*5)%len(callers)]
		_, _ = q.Admit(newJob(caller), time.Now())
		if i%3 == 2 {
			q.TakeNext()
		}

		require.LessOrEqual(t, q.Len(), maxSize)
		for _, c := range callers {
			require.LessOrEqual(t, q.CountFor(c), userCap, "caller %s", c)
		}
	}
}

func TestDrain(t *testing.T) {
	q := New(10, 2)
	for _, caller := range []string{"a", "b"} {
		_, err := q.Admit(newJob(caller), time.Now())
		require.NoError(t, err)
	}

	drained := q.Drain()

	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].CallerID)
	assert.Zero(t, q.Len())
	assert.Zero(t, q.CountFor("a"))
}
