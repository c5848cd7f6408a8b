package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"auditlog/pkg/requestcontext"
)

// User is a statically configured demo principal.
type User struct {
	Password string
	Tenant   string
}

// RequireBasicAuth authenticates against users and stores the principal in the
// request context, where the audit gateway picks it up.
func RequireBasicAuth(users map[string]User, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			name, password, ok := r.BasicAuth()
			user, known := users[name]
			if !ok || !known || subtle.ConstantTimeCompare([]byte(password), []byte(user.Password)) != 1 {
				logger.WarnContext(ctx, "unauthorized access",
					"user", name,
					"request_id", requestcontext.RequestID(ctx),
				)
				w.Header().Set("WWW-Authenticate", `Basic realm="auditlog"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				if _, err := w.Write([]byte(`{"error":"unauthorized"}`)); err != nil {
					logger.ErrorContext(ctx, "failed to write unauthorized response",
						"error", err,
						"request_id", requestcontext.RequestID(ctx),
					)
				}
				return
			}

			ctx = requestcontext.WithUserID(ctx, name)
			ctx = requestcontext.WithTenantID(ctx, user.Tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestID copies chi's request id into requestcontext. It must run after
// chi's RequestID middleware.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
