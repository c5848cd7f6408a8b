package tx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHooks struct {
	mu        sync.Mutex
	commits   []string
	rollbacks []string
}

func (h *recordingHooks) OnCommit(_ context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, id)
}

func (h *recordingHooks) OnRollback(_ context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbacks = append(h.rollbacks, id)
}

func fixedID(id string) Option {
	return WithIDGenerator(func() string { return id })
}

func TestRunInTx_CommitNotifiesAfterSuccess(t *testing.T) {
	hooks := &recordingHooks{}
	m := NewManager(WithHooks(hooks), fixedID("tx-1"))

	var seen string
	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		id, ok := ID(ctx)
		require.True(t, ok)
		seen = id
		assert.Empty(t, hooks.commits, "hooks run only after fn returns")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "tx-1", seen)
	assert.Equal(t, []string{"tx-1"}, hooks.commits)
	assert.Empty(t, hooks.rollbacks)
}

func TestRunInTx_ErrorRollsBack(t *testing.T) {
	hooks := &recordingHooks{}
	m := NewManager(WithHooks(hooks), fixedID("tx-1"))
	boom := errors.New("boom")

	err := m.RunInTx(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, hooks.commits)
	assert.Equal(t, []string{"tx-1"}, hooks.rollbacks)
}

func TestRunInTx_PanicRollsBackAndRepanics(t *testing.T) {
	hooks := &recordingHooks{}
	m := NewManager(WithHooks(hooks), fixedID("tx-1"))

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.RunInTx(context.Background(), func(context.Context) error { panic("kaboom") })
	})
	assert.Equal(t, []string{"tx-1"}, hooks.rollbacks)
}

func TestRunInTx_NestedCallJoinsOuter(t *testing.T) {
	hooks := &recordingHooks{}
	ids := []string{"outer", "inner"}
	n := 0
	m := NewManager(WithHooks(hooks), WithIDGenerator(func() string {
		id := ids[n]
		n++
		return id
	}))

	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		return m.RunInTx(ctx, func(ctx context.Context) error {
			id, _ := ID(ctx)
			assert.Equal(t, "outer", id)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer"}, hooks.commits)
}

func TestRunInTx_AppliesTimeout(t *testing.T) {
	m := NewManager(WithTimeout(time.Minute))
	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestRunInTx_CancelledContext(t *testing.T) {
	hooks := &recordingHooks{}
	m := NewManager(WithHooks(hooks))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.RunInTx(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Empty(t, hooks.commits)
	assert.Empty(t, hooks.rollbacks)
}
