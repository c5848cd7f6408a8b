package audit

import (
	"context"
	"sync/atomic"

	"auditlog/pkg/platform/retry"
)

// Transport delivers one Event to a sink. Implementations must be safe for
// concurrent use: outboxes of different transactions flush in parallel.
type Transport interface {
	Deliver(ctx context.Context, event Event) error
	Kind() string
}

// RetryPolicer is implemented by transports that want transient failures
// retried. Transports without it get exactly one attempt.
type RetryPolicer interface {
	RetryPolicy() retry.Policy
}

// PolicyFor returns the retry policy for t.
func PolicyFor(t Transport) retry.Policy {
	if p, ok := t.(RetryPolicer); ok {
		return p.RetryPolicy()
	}
	return retry.Once()
}

// Deliver sends event through t, retrying transient failures according to the
// transport's policy. It is the single delivery path used by both the outbox
// flush and immediate sends.
func Deliver(ctx context.Context, t Transport, event Event, opts ...retry.Option) retry.Result {
	ctx = context.WithValue(ctx, deliveryKey{}, &delivery{})
	opts = append([]retry.Option{retry.WithRetryable(IsRetryable)}, opts...)
	return retry.Run(ctx, PolicyFor(t), func(ctx context.Context, _ int) error {
		return t.Deliver(ctx, event)
	}, opts...)
}

type deliveryKey struct{}

// delivery is shared by every attempt of one Deliver run.
type delivery struct {
	authRefreshed atomic.Bool
}

// ClaimAuthRefresh reports whether the transport may refresh its credentials
// after a rejection. Within one Deliver run it is granted once across all
// attempts; a later rejection of the same event must be reported as terminal.
// Outside Deliver every call is granted.
func ClaimAuthRefresh(ctx context.Context) bool {
	d, ok := ctx.Value(deliveryKey{}).(*delivery)
	if !ok {
		return true
	}
	return d.authRefreshed.CompareAndSwap(false, true)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, event Event) error

func (f TransportFunc) Deliver(ctx context.Context, event Event) error { return f(ctx, event) }

func (f TransportFunc) Kind() string { return "func" }
