package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	waits []time.Duration
	err   error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

var errFlaky = errors.New("flaky")

func failTimes(n int) Op {
	return func(_ context.Context, attempt int) error {
		if attempt <= n {
			return errFlaky
		}
		return nil
	}
}

func TestRun_StateMachine(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	t.Run("done on first attempt", func(t *testing.T) {
		s := &recordingSleeper{}
		res := Run(context.Background(), policy, failTimes(0), WithSleeper(s))
		assert.Equal(t, Result{Attempts: 1, State: StateDone}, res)
		assert.Empty(t, s.waits)
	})

	t.Run("waits between attempts with growing backoff", func(t *testing.T) {
		s := &recordingSleeper{}
		var transitions []Transition
		res := Run(context.Background(), policy, failTimes(2),
			WithSleeper(s),
			WithObserver(func(tr Transition) { transitions = append(transitions, tr) }),
		)
		require.True(t, res.OK())
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, s.waits)

		var path []State
		for _, tr := range transitions {
			path = append(path, tr.To)
		}
		assert.Equal(t, []State{StateWait, StateAttempt, StateWait, StateAttempt, StateDone}, path)
	})

	t.Run("exhausted keeps the last error", func(t *testing.T) {
		res := Run(context.Background(), policy, failTimes(10), WithSleeper(&recordingSleeper{}))
		assert.Equal(t, StateExhausted, res.State)
		assert.Equal(t, 3, res.Attempts)
		assert.ErrorIs(t, res.Err, errFlaky)
	})

	t.Run("non-retryable error is permanent", func(t *testing.T) {
		s := &recordingSleeper{}
		res := Run(context.Background(), policy, failTimes(10),
			WithSleeper(s),
			WithRetryable(func(error) bool { return false }),
		)
		assert.Equal(t, StatePermanent, res.State)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, s.waits)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		s := &recordingSleeper{err: context.Canceled}
		res := Run(context.Background(), policy, failTimes(10), WithSleeper(s))
		assert.Equal(t, StateCancelled, res.State)
		assert.Equal(t, 1, res.Attempts)
		assert.ErrorIs(t, res.Err, errFlaky)
	})
}

func TestRun_TimerSleeperHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Run(ctx, Policy{MaxAttempts: 3, InitialInterval: time.Hour}, failTimes(10))
	assert.Equal(t, StateCancelled, res.State)
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, DefaultPolicy().InitialInterval, p.InitialInterval)
	assert.GreaterOrEqual(t, p.MaxInterval, p.InitialInterval)
	assert.Equal(t, 1, Once().normalized().MaxAttempts)
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateDone, StatePermanent, StateExhausted, StateCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StateAttempt.Terminal())
	assert.False(t, StateWait.Terminal())
}
