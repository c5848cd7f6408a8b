// Package auditlog wires the emission stack from host configuration: the
// transport selected by kind, the outbox registry, the transaction manager
// driving it, and the gateway handed to application code.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"auditlog/internal/platform/config"
	redisclient "auditlog/internal/platform/redis"
	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/gateway"
	"auditlog/pkg/platform/audit/outbox"
	"auditlog/pkg/platform/audit/transports/console"
	"auditlog/pkg/platform/audit/transports/kafka"
	"auditlog/pkg/platform/audit/transports/library"
	"auditlog/pkg/platform/audit/transports/memory"
	"auditlog/pkg/platform/audit/transports/postgres"
	"auditlog/pkg/platform/retry"
	"auditlog/pkg/platform/tx"
)

// Stack is the assembled emission stack.
type Stack struct {
	Transport audit.Transport
	Outbox    *outbox.Registry
	Tx        *tx.Manager
	Gateway   *gateway.Service

	closers []func() error
}

// Option adjusts how the stack is built.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	registry  prometheus.Registerer
	console   io.Writer
	decorate  func(audit.Transport) audit.Transport
	retryOpts []retry.Option
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers outbox and transport metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithConsoleWriter redirects the console transport (default stderr).
func WithConsoleWriter(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithDecorator wraps the configured transport before the outbox and
// gateway see it.
func WithDecorator(fn func(audit.Transport) audit.Transport) Option {
	return func(o *options) { o.decorate = fn }
}

// WithRetryOptions passes options to every delivery run.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) { o.retryOpts = append(o.retryOpts, opts...) }
}

// New builds the stack described by cfg.
func New(ctx context.Context, cfg config.AuditLog, opts ...Option) (*Stack, error) {
	o := &options{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		console: os.Stderr,
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Stack{}
	t, err := s.transport(ctx, cfg, o)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	if o.decorate != nil {
		t = o.decorate(t)
	}
	s.Transport = t

	obOpts := []outbox.Option{
		outbox.WithLogger(o.logger),
		outbox.WithConcurrency(cfg.FlushConcurrency),
		outbox.WithMaxEntries(cfg.MaxEntriesPerTx),
		outbox.WithFlushTimeout(cfg.FlushTimeout),
		outbox.WithRetryOptions(o.retryOpts...),
	}
	if o.registry != nil {
		obOpts = append(obOpts, outbox.WithMetrics(outbox.NewMetrics(o.registry)))
	}
	s.Outbox, err = outbox.New(t, obOpts...)
	if err != nil {
		_ = s.close()
		return nil, err
	}

	s.Tx = tx.NewManager(tx.WithHooks(s.Outbox))
	s.Gateway, err = gateway.New(s.Outbox,
		gateway.WithLogger(o.logger),
		gateway.WithOutbox(cfg.Outbox),
		gateway.WithRetryOptions(o.retryOpts...),
	)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

func policyFrom(r config.Retry) retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.InitialInterval > 0 {
		p.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		p.MaxInterval = r.MaxInterval
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	return p
}

func (s *Stack) transport(ctx context.Context, cfg config.AuditLog, o *options) (audit.Transport, error) {
	switch cfg.Kind {
	case config.KindConsole, "":
		return console.New(console.WithWriter(o.console), console.WithLogger(o.logger)), nil

	case config.KindMemory:
		return memory.New(), nil

	case config.KindLibrary:
		libOpts := []library.Option{
			library.WithLogger(o.logger),
			library.WithRetryPolicy(policyFrom(cfg.Retry)),
		}
		if o.registry != nil {
			libOpts = append(libOpts, library.WithMetrics(library.NewMetrics(o.registry)))
		}
		rc, err := redisclient.New(ctx, cfg.RedisURL.Value())
		if err != nil {
			return nil, err
		}
		if rc != nil {
			s.closers = append(s.closers, rc.Close)
			libOpts = append(libOpts, library.WithTokenStore(library.NewRedisTokenStore(rc.Client, cfg.Credentials.ClientID)))
		}
		creds := library.Credentials{
			URL:          cfg.Credentials.URL,
			TokenURL:     cfg.Credentials.TokenURL,
			Tenant:       cfg.Credentials.Tenant,
			ClientID:     cfg.Credentials.ClientID,
			ClientSecret: cfg.Credentials.ClientSecret.Value(),
		}
		o.logger.InfoContext(ctx, "audit log delivering to remote service", "credentials", creds)
		return library.New(creds, libOpts...)

	case config.KindDatabase:
		store, err := postgres.Open(ctx, cfg.DatabaseURL.Value(), postgres.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case config.KindKafka:
		t, err := kafka.Dial(ctx, kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			CreateTopic: cfg.Kafka.CreateTopic,
		}, kafka.WithLogger(o.logger), kafka.WithRetryPolicy(policyFrom(cfg.Retry)))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { t.Close(); return nil })
		return t, nil
	}
	return nil, fmt.Errorf("unknown audit log kind %q", cfg.Kind)
}

// Close drains the outbox, then releases transport resources.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	if s.Outbox != nil {
		errs = append(errs, s.Outbox.Close(ctx))
	}
	errs = append(errs, s.close())
	return errors.Join(errs...)
}

func (s *Stack) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
