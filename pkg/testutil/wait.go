package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Waiter is anything that can block until its background work is done,
// such as the outbox registry.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Drain waits up to five seconds for w to go idle.
func Drain(t *testing.T, w Waiter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx), "background work did not finish")
}
