package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/transports/memory"
	"auditlog/pkg/platform/retry"
	"auditlog/pkg/platform/sentinel"
)

func event(t *testing.T, user, action string) audit.Event {
	t.Helper()
	ev, err := audit.NewSecurity(user, "", action, "")
	require.NoError(t, err)
	return ev
}

func actions(events []audit.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

func newRegistry(t *testing.T, tr audit.Transport, opts ...Option) *Registry {
	t.Helper()
	r, err := New(tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func waitIdle(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestCommit_DeliversInEnqueueOrder(t *testing.T) {
	tr := memory.New()
	r := newRegistry(t, tr)

	for _, a := range []string{"E1", "E2", "E3"} {
		require.NoError(t, r.Enqueue("tx-1", event(t, "alice", a)))
	}
	assert.Equal(t, 3, r.Pending("tx-1"))
	assert.Zero(t, tr.Calls(), "nothing is delivered before commit")

	r.OnCommit(context.Background(), "tx-1")
	waitIdle(t, r)

	assert.Equal(t, []string{"E1", "E2", "E3"}, actions(tr.Events()))
	assert.Zero(t, r.Pending("tx-1"))
}

func TestRollback_DiscardsWithoutTransportCalls(t *testing.T) {
	tr := memory.New()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := newRegistry(t, tr, WithMetrics(m))

	require.NoError(t, r.Enqueue("tx-1", event(t, "alice", "E1")))
	require.NoError(t, r.Enqueue("tx-1", event(t, "alice", "E2")))
	r.OnRollback(context.Background(), "tx-1")
	r.OnCommit(context.Background(), "tx-1")
	waitIdle(t, r)

	assert.Zero(t, tr.Calls())
	assert.Zero(t, r.Pending("tx-1"))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.Discarded))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.Open))
}

func TestFlush_FailedEntryDoesNotBlockTheNext(t *testing.T) {
	tr := memory.New()
	tr.FailWith = func(ev audit.Event, _ int) error {
		if ev.Action == "E1" {
			return audit.NewPermanentError("memory", "rejected", 400, nil)
		}
		return nil
	}

	var (
		mu      sync.Mutex
		reports []FlushReport
	)
	r := newRegistry(t, tr, WithFlushHook(func(rep FlushReport) {
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
	}))

	require.NoError(t, r.Enqueue("tx-1", event(t, "alice", "E1")))
	require.NoError(t, r.Enqueue("tx-1", event(t, "alice", "E2")))
	r.OnCommit(context.Background(), "tx-1")
	waitIdle(t, r)

	assert.Equal(t, []string{"E2"}, actions(tr.Events()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.Equal(t, "tx-1", rep.TxID)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Entries, 2)
	assert.Equal(t, StatusFailed, rep.Entries[0].Status)
	assert.True(t, errors.Is(rep.Entries[0].LastError, audit.ErrTransportPermanent))
	assert.Equal(t, StatusSent, rep.Entries[1].Status)
	assert.Equal(t, 1, rep.Entries[1].Attempts)
}

type flakyTransport struct {
	*memory.Transport
}

func (flakyTransport) RetryPolicy() retry.Policy { return retry.Policy{MaxAttempts: 3} }

func TestFlush_RetriesTransientFailures(t *testing.T) {
	tr := flakyTransport{memory.New()}
	tr.FailWith = func(_ audit.Event, call int) error {
		if call == 1 {
			return audit.NewTransientError("memory", "busy", 503, nil)
		}
		return nil
	}
	r := newRegistry(t, tr, WithRetryOptions(retry.WithSleeper(retry.SleeperFunc(
		func(context.Context, time.Duration) error { return nil },
	))))

	require.NoError(t, r.Enqueue("tx-1", event(t, "alice", "E1")))
	r.OnCommit(context.Background(), "tx-1")
	waitIdle(t, r)

	assert.Equal(t, 2, tr.Calls())
	assert.Equal(t, []string{"E1"}, actions(tr.Events()))
}

func TestConcurrentTransactions_DeliverEachEventOnce(t *testing.T) {
	tr := memory.New()
	r := newRegistry(t, tr, WithConcurrency(4))

	const txs = 50
	var wg sync.WaitGroup
	for i := range txs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txID := fmt.Sprintf("tx-%d", i)
			user := fmt.Sprintf("user-%d", i)
			for _, a := range []string{"E1", "E2", "E3"} {
				assert.NoError(t, r.Enqueue(txID, event(t, user, a)))
			}
			if i%5 == 0 {
				r.OnRollback(context.Background(), txID)
				return
			}
			r.OnCommit(context.Background(), txID)
		}()
	}
	wg.Wait()
	waitIdle(t, r)

	assert.Len(t, tr.Events(), 40*3)
	for i := range txs {
		got := actions(tr.ListByUser(fmt.Sprintf("user-%d", i)))
		if i%5 == 0 {
			assert.Empty(t, got)
			continue
		}
		assert.Equal(t, []string{"E1", "E2", "E3"}, got, "tx-%d", i)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	r := newRegistry(t, memory.New(), WithMaxEntries(2))

	err := r.Enqueue("", event(t, "alice", "E1"))
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)

	require.NoError(t, r.Enqueue("tx-1", event(t, "alice", "E1")))
	require.NoError(t, r.Enqueue("tx-1", event(t, "alice", "E2")))
	err = r.Enqueue("tx-1", event(t, "alice", "E3"))
	assert.ErrorIs(t, err, sentinel.ErrLimitExceeded)
	assert.Equal(t, 2, r.Pending("tx-1"))
}

func TestDispatch_DeliversOutsideTransaction(t *testing.T) {
	tr := memory.New()
	r := newRegistry(t, tr)

	require.NoError(t, r.Dispatch(event(t, "alice", "E1")))
	waitIdle(t, r)
	assert.Equal(t, []string{"E1"}, actions(tr.Events()))
}

func TestClose(t *testing.T) {
	tr := memory.New()
	r, err := New(tr)
	require.NoError(t, err)

	require.NoError(t, r.Enqueue("open", event(t, "alice", "E1")))
	require.NoError(t, r.Enqueue("committed", event(t, "alice", "E2")))
	r.OnCommit(context.Background(), "committed")

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, []string{"E2"}, actions(tr.Events()), "running flushes finish, open outboxes are dropped")

	err = r.Enqueue("late", event(t, "alice", "E3"))
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.NoError(t, r.Close(context.Background()), "close is idempotent")
}

func TestClose_TimeoutCancelsRunningFlush(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := audit.TransportFunc(func(ctx context.Context, _ audit.Event) error {
		select {
		case <-ctx.Done():
			return audit.NewTransientError("func", "cancelled", 0, ctx.Err())
		case <-release:
			return nil
		}
	})
	r, err := New(blocking)
	require.NoError(t, err)

	require.NoError(t, r.Enqueue("tx-1", event(t, "alice", "E1")))
	r.OnCommit(context.Background(), "tx-1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = r.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
