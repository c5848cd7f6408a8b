//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/testutil/containers"
)

func TestStore_Integration(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()

	store, err := Open(ctx, pg.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "migrations must be re-runnable")

	ev, err := audit.NewCustom("foo", "alice", "t1", map[string]any{"bar": "baz"})
	require.NoError(t, err)

	t.Run("deliver is idempotent per event id", func(t *testing.T) {
		require.NoError(t, store.Deliver(ctx, ev))
		require.NoError(t, store.Deliver(ctx, ev))

		events, err := store.ListByUser(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, ev.ID, events[0].ID)
		assert.Equal(t, audit.KindCustom, events[0].Kind)
		assert.Equal(t, "foo", events[0].Name)
		assert.Equal(t, map[string]any{"bar": "baz"}, events[0].Extra())
	})

	t.Run("purge removes old events", func(t *testing.T) {
		n, err := store.Purge(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("missing table is a permanent error", func(t *testing.T) {
		_, err := store.DB().ExecContext(ctx, `DROP TABLE audit_log`)
		require.NoError(t, err)
		err = store.Deliver(ctx, ev)
		assert.ErrorIs(t, err, audit.ErrTransportPermanent)
	})
}
