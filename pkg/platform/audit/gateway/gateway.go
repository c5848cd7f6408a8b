// Package gateway is the public emission surface of the audit log.
//
// Log and Emit are deferred: the event is validated, queued in the outbox of
// the caller's transaction and delivered after commit. LogSync and Send are
// immediate: the caller blocks until the transport acknowledges, and a
// delivery failure fails the call. The compat operations (DataAccessLog,
// DataModificationLog, ConfigChangeLog, SecurityLog) use the deferred path
// when the outbox is enabled, the immediate path otherwise.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/outbox"
	"auditlog/pkg/platform/retry"
	"auditlog/pkg/platform/tx"
	"auditlog/pkg/requestcontext"
)

// Emitter is the audit logging contract handed to application code.
type Emitter interface {
	Log(ctx context.Context, intent audit.Intent) error
	Emit(ctx context.Context, intent audit.Intent) error
	LogSync(ctx context.Context, intent audit.Intent) error
	Send(ctx context.Context, intent audit.Intent) error
	DataAccessLog(ctx context.Context, intent audit.DataAccess) error
	DataModificationLog(ctx context.Context, intent audit.DataModification) error
	ConfigChangeLog(ctx context.Context, intent audit.ConfigChange) error
	SecurityLog(ctx context.Context, intent audit.Security) error
}

var _ Emitter = (*Service)(nil)

// Service routes built events to the outbox or straight to the transport.
type Service struct {
	outbox    *outbox.Registry
	transport audit.Transport
	useOutbox bool
	logger    *slog.Logger
	tracer    trace.Tracer
	retryOpts []retry.Option
	newID     func() string
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a logger for immediate-mode failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOutbox selects the delivery mode of the compat operations.
// The default is true (deferred).
func WithOutbox(enabled bool) Option {
	return func(s *Service) {
		s.useOutbox = enabled
	}
}

// WithTransport overrides the transport used by immediate sends. By default it
// is the outbox's transport.
func WithTransport(t audit.Transport) Option {
	return func(s *Service) {
		if t != nil {
			s.transport = t
		}
	}
}

// WithRetryOptions passes options to immediate-mode delivery runs.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(s *Service) {
		s.retryOpts = append(s.retryOpts, opts...)
	}
}

// WithIDGenerator replaces uuid-based event ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// New creates the gateway on top of an outbox registry.
func New(registry *outbox.Registry, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("outbox registry is required")
	}
	s := &Service{
		outbox:    registry,
		transport: registry.Transport(),
		useOutbox: true,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:    otel.Tracer("auditlog/gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, intent audit.Intent) (audit.Event, error) {
	if intent == nil {
		return audit.Event{}, &audit.MalformedEventError{Kind: audit.KindCustom, Fields: []string{"intent"}}
	}
	return intent.Build(audit.Defaults{
		Now:    requestcontext.Now(ctx),
		User:   requestcontext.UserID(ctx),
		Tenant: requestcontext.TenantID(ctx),
		NewID:  s.newID,
	})
}

// Log validates the intent and queues it for delivery after the surrounding
// transaction commits. Outside a transaction the event is scheduled at once.
// Only validation and outbox capacity errors are returned; delivery errors
// are logged by the outbox.
func (s *Service) Log(ctx context.Context, intent audit.Intent) error {
	event, err := s.build(ctx, intent)
	if err != nil {
		return err
	}
	if txID, ok := tx.ID(ctx); ok {
		return s.outbox.Enqueue(txID, event)
	}
	return s.outbox.Dispatch(event)
}

// Emit is Log under its newer name.
func (s *Service) Emit(ctx context.Context, intent audit.Intent) error {
	return s.Log(ctx, intent)
}

// LogSync validates the intent and delivers it before returning.
func (s *Service) LogSync(ctx context.Context, intent audit.Intent) error {
	event, err := s.build(ctx, intent)
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "audit.send", trace.WithAttributes(
		attribute.String("audit.kind", string(event.Kind)),
		attribute.String("audit.transport", s.transport.Kind()),
	))
	defer span.End()

	res := audit.Deliver(ctx, s.transport, event, s.retryOpts...)
	span.SetAttributes(attribute.Int("audit.attempts", res.Attempts))
	if !res.OK() {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "audit delivery failed")
		s.logger.ErrorContext(ctx, "audit event send failed",
			"event_id", event.ID,
			"kind", event.Kind,
			"transport", s.transport.Kind(),
			"attempts", res.Attempts,
			"category", audit.CategoryOf(res.Err),
			"error", res.Err,
		)
		return fmt.Errorf("send audit event: %w", res.Err)
	}
	return nil
}

// Send is LogSync under its newer name.
func (s *Service) Send(ctx context.Context, intent audit.Intent) error {
	return s.LogSync(ctx, intent)
}

func (s *Service) compat(ctx context.Context, intent audit.Intent) error {
	if s.useOutbox {
		return s.Log(ctx, intent)
	}
	return s.LogSync(ctx, intent)
}

// DataAccessLog records a read of personal data.
func (s *Service) DataAccessLog(ctx context.Context, intent audit.DataAccess) error {
	return s.compat(ctx, intent)
}

// DataModificationLog records a change of personal data.
func (s *Service) DataModificationLog(ctx context.Context, intent audit.DataModification) error {
	return s.compat(ctx, intent)
}

// ConfigChangeLog records a configuration change.
func (s *Service) ConfigChangeLog(ctx context.Context, intent audit.ConfigChange) error {
	return s.compat(ctx, intent)
}

// SecurityLog records a security event.
func (s *Service) SecurityLog(ctx context.Context, intent audit.Security) error {
	return s.compat(ctx, intent)
}
