package testutil

import (
	"context"

	"auditlog/pkg/requestcontext"
)

// WithPrincipal sets the user and tenant the way the auth middleware does
// for authenticated requests. Empty values are skipped.
func WithPrincipal(ctx context.Context, user, tenant string) context.Context {
	if user != "" {
		ctx = requestcontext.WithUserID(ctx, user)
	}
	if tenant != "" {
		ctx = requestcontext.WithTenantID(ctx, tenant)
	}
	return ctx
}
