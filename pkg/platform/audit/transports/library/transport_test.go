package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/retry"
)

// fakeService serves both the token endpoint and the ingestion API.
type fakeService struct {
	tokenCalls atomic.Int32
	posts      atomic.Int32
	tokenFails atomic.Bool

	mu      sync.Mutex
	paths   []string
	authz   []string
	bodies  [][]byte
	respond func(token string, post int32) int
}

func newFakeService(t *testing.T, respond func(token string, post int32) int) (*fakeService, *httptest.Server) {
	t.Helper()
	f := &fakeService{respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeService) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth/token" {
		n := f.tokenCalls.Add(1)
		if f.tokenFails.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"token-%d","token_type":"bearer","expires_in":3600}`, n)
		return
	}

	n := f.posts.Add(1)
	body, _ := io.ReadAll(r.Body)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.authz = append(f.authz, r.Header.Get("Authorization"))
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	w.WriteHeader(f.respond(token, n))
}

func newTestTransport(t *testing.T, srv *httptest.Server, opts ...Option) *Transport {
	t.Helper()
	tr, err := New(Credentials{
		URL:          srv.URL,
		Tenant:       "t1",
		ClientID:     "client",
		ClientSecret: "secret",
	}, append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	require.NoError(t, err)
	return tr
}

func noSleep() retry.Option {
	return retry.WithSleeper(retry.SleeperFunc(func(context.Context, time.Duration) error { return nil }))
}

func securityEvent(t *testing.T) audit.Event {
	t.Helper()
	ev, err := audit.NewSecurity("alice", "t1", "dummy", "dummy")
	require.NoError(t, err)
	return ev
}

func TestNew_ValidatesCredentials(t *testing.T) {
	_, err := New(Credentials{URL: "http://example.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client id")
	assert.Contains(t, err.Error(), "client secret")
}

func TestDeliver_PostsToKindEndpoint(t *testing.T) {
	svc, srv := newFakeService(t, func(string, int32) int { return http.StatusCreated })
	tr := newTestTransport(t, srv)

	cases := []struct {
		name string
		kind audit.Kind
		path string
	}{
		{"data access", audit.KindDataAccess, "/audit-log/oauth2/v2/data-accesses"},
		{"data modification", audit.KindDataModification, "/audit-log/oauth2/v2/data-modifications"},
		{"config change", audit.KindConfigChange, "/audit-log/oauth2/v2/configuration-changes"},
		{"security", audit.KindSecurity, "/audit-log/oauth2/v2/security-events"},
		{"custom", audit.KindCustom, "/audit-log/oauth2/v2/security-events"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := securityEvent(t)
			ev.Kind = tc.kind
			require.NoError(t, tr.Deliver(context.Background(), ev))

			svc.mu.Lock()
			defer svc.mu.Unlock()
			assert.Equal(t, tc.path, svc.paths[i])
			assert.Equal(t, "Bearer token-1", svc.authz[i])
		})
	}
	assert.EqualValues(t, 1, svc.tokenCalls.Load(), "token is cached across deliveries")
}

func TestDeliver_SendsWireJSON(t *testing.T) {
	svc, srv := newFakeService(t, func(string, int32) int { return http.StatusCreated })
	tr := newTestTransport(t, srv)

	ev := securityEvent(t)
	require.NoError(t, tr.Deliver(context.Background(), ev))

	var body map[string]any
	require.NoError(t, json.Unmarshal(svc.bodies[0], &body))
	assert.Equal(t, "alice", body["user"])
	assert.Equal(t, "dummy", body["action"])
	assert.Equal(t, "dummy", body["data"])
	assert.Equal(t, ev.ID, body["id"])
}

func TestDeliver_RefreshesOnceOn401(t *testing.T) {
	svc, srv := newFakeService(t, func(token string, _ int32) int {
		if token == "token-1" {
			return http.StatusUnauthorized
		}
		return http.StatusCreated
	})
	tr := newTestTransport(t, srv)

	require.NoError(t, tr.Deliver(context.Background(), securityEvent(t)))
	assert.EqualValues(t, 2, svc.tokenCalls.Load(), "initial token plus exactly one refresh")
	assert.EqualValues(t, 2, svc.posts.Load(), "original post plus exactly one retry")
	assert.Equal(t, "Bearer token-2", svc.authz[1])
}

func TestDeliver_Second401IsTerminal(t *testing.T) {
	svc, srv := newFakeService(t, func(string, int32) int { return http.StatusUnauthorized })
	tr := newTestTransport(t, srv)

	res := audit.Deliver(context.Background(), tr, securityEvent(t), noSleep())
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, audit.ErrTransportAuth))
	assert.Equal(t, retry.StatePermanent, res.State)
	assert.Equal(t, 1, res.Attempts, "auth failures are not retried by the backoff loop")
	assert.EqualValues(t, 2, svc.tokenCalls.Load())
	assert.EqualValues(t, 2, svc.posts.Load())
}

func TestDeliver_RefreshIsSharedAcrossRetryAttempts(t *testing.T) {
	svc, srv := newFakeService(t, func(_ string, post int32) int {
		switch post {
		case 1, 3:
			return http.StatusUnauthorized
		case 2:
			return http.StatusServiceUnavailable
		}
		return http.StatusCreated
	})
	tr := newTestTransport(t, srv)

	res := audit.Deliver(context.Background(), tr, securityEvent(t), noSleep())
	require.False(t, res.OK())
	assert.True(t, errors.Is(res.Err, audit.ErrTransportAuth))
	assert.Equal(t, retry.StatePermanent, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.EqualValues(t, 2, svc.tokenCalls.Load(), "initial token plus one refresh for the whole event")
	assert.EqualValues(t, 3, svc.posts.Load())
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	svc, srv := newFakeService(t, func(_ string, post int32) int {
		if post <= 2 {
			return http.StatusServiceUnavailable
		}
		return http.StatusCreated
	})
	tr := newTestTransport(t, srv)

	res := audit.Deliver(context.Background(), tr, securityEvent(t), noSleep())
	require.True(t, res.OK(), "error: %v", res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, svc.posts.Load())
	assert.EqualValues(t, 1, svc.tokenCalls.Load())
}

func TestDeliver_ExhaustsOnPersistentServerErrors(t *testing.T) {
	_, srv := newFakeService(t, func(string, int32) int { return http.StatusBadGateway })
	tr := newTestTransport(t, srv, WithRetryPolicy(retry.Policy{MaxAttempts: 3}))

	res := audit.Deliver(context.Background(), tr, securityEvent(t), noSleep())
	assert.Equal(t, retry.StateExhausted, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, errors.Is(res.Err, audit.ErrTransportTransient))
}

func TestDeliver_ClientErrorIsPermanent(t *testing.T) {
	svc, srv := newFakeService(t, func(string, int32) int { return http.StatusBadRequest })
	tr := newTestTransport(t, srv)

	res := audit.Deliver(context.Background(), tr, securityEvent(t), noSleep())
	assert.Equal(t, retry.StatePermanent, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, errors.Is(res.Err, audit.ErrTransportPermanent))

	var te *audit.TransportError
	require.True(t, errors.As(res.Err, &te))
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.EqualValues(t, 1, svc.posts.Load())
}

func TestDeliver_RejectedClientIsAuthError(t *testing.T) {
	svc, srv := newFakeService(t, func(string, int32) int { return http.StatusCreated })
	svc.tokenFails.Store(true)
	tr := newTestTransport(t, srv)

	err := tr.Deliver(context.Background(), securityEvent(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, audit.ErrTransportAuth))
	assert.EqualValues(t, 2, svc.tokenCalls.Load(), "token request is retried once")
	assert.EqualValues(t, 0, svc.posts.Load())
}

func TestCredentials_LogValueHidesSecret(t *testing.T) {
	creds := Credentials{URL: "https://audit.test", ClientID: "client", ClientSecret: "hunter2"}
	assert.NotContains(t, creds.LogValue().String(), "hunter2")
	assert.Equal(t, "https://audit.test/oauth/token", creds.tokenURL())
}
