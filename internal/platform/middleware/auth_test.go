package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"

	"auditlog/pkg/requestcontext"
)

func TestRequireBasicAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := map[string]User{"alice": {Password: "password", Tenant: "t1"}}

	var gotUser, gotTenant string
	h := RequireBasicAuth(users, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = requestcontext.UserID(r.Context())
		gotTenant = requestcontext.TenantID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid credentials set the principal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/testLog", nil)
		req.SetBasicAuth("alice", "password")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "alice", gotUser)
		assert.Equal(t, "t1", gotTenant)
	})

	for name, set := range map[string]func(*http.Request){
		"missing header": func(*http.Request) {},
		"wrong password": func(r *http.Request) { r.SetBasicAuth("alice", "nope") },
		"unknown user":   func(r *http.Request) { r.SetBasicAuth("mallory", "password") },
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/testLog", nil)
			set(req)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.JSONEq(t, `{"error":"unauthorized"}`, rr.Body.String())
		})
	}
}

func TestRequestID(t *testing.T) {
	var got string
	h := chimw.RequestID(RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = requestcontext.RequestID(r.Context())
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, got)
}
