// Package library delivers audit events to a remote audit-log service over
// HTTPS, authenticated with an OAuth2 client-credentials token.
package library

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/retry"
)

const transportName = "library"

// Credentials identify the audit-log service and the OAuth2 client.
type Credentials struct {
	URL          string
	TokenURL     string
	Tenant       string
	ClientID     string
	ClientSecret string
}

// LogValue keeps the secret out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("url", c.URL),
		slog.String("token_url", c.tokenURL()),
		slog.String("tenant", c.Tenant),
		slog.String("client_id", c.ClientID),
	)
}

func (c Credentials) tokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return strings.TrimRight(c.URL, "/") + "/oauth/token"
}

func (c Credentials) validate() error {
	var missing []string
	if c.URL == "" {
		missing = append(missing, "url")
	}
	if c.ClientID == "" {
		missing = append(missing, "client id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("audit log credentials missing %s", strings.Join(missing, ", "))
	}
	return nil
}

var endpoints = map[audit.Kind]string{
	audit.KindDataAccess:       "/audit-log/oauth2/v2/data-accesses",
	audit.KindDataModification: "/audit-log/oauth2/v2/data-modifications",
	audit.KindConfigChange:     "/audit-log/oauth2/v2/configuration-changes",
	audit.KindSecurity:         "/audit-log/oauth2/v2/security-events",
	audit.KindCustom:           "/audit-log/oauth2/v2/security-events",
}

// Transport posts events to the audit-log service.
type Transport struct {
	creds   Credentials
	client  *http.Client
	tokens  *TokenCache
	store   TokenStore
	source  TokenSource
	policy  retry.Policy
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// Option configures the Transport.
type Option func(*Transport)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithTokenStore shares tokens through a second-level cache.
func WithTokenStore(s TokenStore) Option {
	return func(t *Transport) {
		t.store = s
	}
}

// WithTokenSource replaces the client-credentials grant.
func WithTokenSource(s TokenSource) Option {
	return func(t *Transport) {
		t.source = s
	}
}

// WithRetryPolicy overrides the policy applied to transient failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(t *Transport) {
		t.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// New validates creds and builds the transport. No token is fetched until the
// first delivery.
func New(creds Credentials, opts ...Option) (*Transport, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		creds:  creds,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.DefaultPolicy(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer("auditlog/library"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.source == nil {
		t.source = NewClientCredentials(creds, t.client)
	}
	t.tokens = NewTokenCache(t.source, t.store)
	t.tokens.metrics = t.metrics
	t.tokens.logger = t.logger
	return t, nil
}

// Kind implements audit.Transport.
func (t *Transport) Kind() string { return transportName }

// RetryPolicy implements audit.RetryPolicer.
func (t *Transport) RetryPolicy() retry.Policy { return t.policy }

// Tokens exposes the token cache.
func (t *Transport) Tokens() *TokenCache { return t.tokens }

// Deliver posts event once. A 401 invalidates the token, refreshes it and
// retries exactly once; a second 401 is a terminal auth failure. Under
// audit.Deliver the single refresh is shared by all retry attempts of the event.
func (t *Transport) Deliver(ctx context.Context, event audit.Event) error {
	path, ok := endpoints[event.Kind]
	if !ok {
		return audit.NewPermanentError(transportName, fmt.Sprintf("no endpoint for kind %q", event.Kind), 0, nil)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return audit.NewPermanentError(transportName, "encode event", 0, err)
	}
	endpoint := strings.TrimRight(t.creds.URL, "/") + path

	ctx, span := t.tracer.Start(ctx, "audit.library.deliver", trace.WithAttributes(
		attribute.String("audit.kind", string(event.Kind)),
		attribute.String("audit.event_id", event.ID),
	))
	defer span.End()

	err = t.deliver(ctx, endpoint, body)
	t.metrics.observeDelivery(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	return err
}

func (t *Transport) deliver(ctx context.Context, endpoint string, body []byte) error {
	token, err := t.token(ctx)
	if err != nil {
		return err
	}

	status, err := t.post(ctx, endpoint, token, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if !audit.ClaimAuthRefresh(ctx) {
			return audit.NewAuthError(transportName, "token rejected again after refresh", status, nil)
		}
		t.metrics.incAuthRetry()
		t.logger.DebugContext(ctx, "audit log token rejected, refreshing")
		token, err = t.tokens.Refresh(ctx, token)
		if err != nil {
			return tokenError(err)
		}
		status, err = t.post(ctx, endpoint, token, body)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return audit.NewAuthError(transportName, "token rejected after refresh", status, nil)
		}
	}
	return classifyStatus(status)
}

// token returns a cached token, allowing one retry of a failed fetch.
func (t *Transport) token(ctx context.Context) (string, error) {
	token, err := t.tokens.Token(ctx)
	if err == nil {
		return token, nil
	}
	if ctx.Err() != nil {
		return "", audit.NewTransientError(transportName, "token request cancelled", 0, ctx.Err())
	}
	t.logger.WarnContext(ctx, "audit log token request failed, retrying once", "error", err)
	token, err = t.tokens.Token(ctx)
	if err != nil {
		return "", tokenError(err)
	}
	return token, nil
}

func (t *Transport) post(ctx context.Context, endpoint, token string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, audit.NewPermanentError(transportName, "build request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, audit.NewTransientError(transportName, "post event", 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return audit.NewTransientError(transportName, http.StatusText(status), status, nil)
	default:
		return audit.NewPermanentError(transportName, http.StatusText(status), status, nil)
	}
}

// tokenError maps a failed token fetch. An unreachable or failing token
// endpoint is transient; a rejected client is an auth failure.
func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if status >= 500 {
			return audit.NewTransientError(transportName, "token endpoint unavailable", status, err)
		}
		return audit.NewAuthError(transportName, "token request rejected", status, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return audit.NewTransientError(transportName, "token endpoint unreachable", 0, err)
	}
	return audit.NewAuthError(transportName, "token request failed", 0, err)
}
