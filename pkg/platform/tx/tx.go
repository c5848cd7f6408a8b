// Package tx provides the transaction boundary that drives the audit outbox.
//
// RunInTx assigns every business transaction an id carried in the context.
// After the transaction ends, registered Hooks learn whether it committed or
// rolled back; the outbox registry is such a hook.
package tx

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	idKey    struct{}
	sqlTxKey struct{}
)

// WithID stores a transaction id in the context.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, idKey{}, id)
}

// ID extracts the active transaction id, if any.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idKey{}).(string)
	return id, ok && id != ""
}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, sqlTxKey{}, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx)
	return tx, ok
}

// Hooks are notified once per transaction, after it has ended.
type Hooks interface {
	OnCommit(ctx context.Context, txID string)
	OnRollback(ctx context.Context, txID string)
}

// Runner is the transactional boundary consumed by services.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// backend begins, commits and rolls back the underlying resource.
type backend interface {
	begin(ctx context.Context) (context.Context, func() error, func() error, error)
}

const defaultTxTimeout = 5 * time.Second

// Manager runs functions inside a transaction and notifies hooks.
type Manager struct {
	backend backend
	hooks   []Hooks
	timeout time.Duration
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithHooks registers commit/rollback listeners, called in registration order.
func WithHooks(hooks ...Hooks) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, hooks...)
	}
}

// WithTimeout bounds a transaction that has no deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithIDGenerator replaces uuid-based transaction ids.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func newManager(b backend, opts ...Option) *Manager {
	m := &Manager{
		backend: b,
		timeout: defaultTxTimeout,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewManager returns a Manager without an underlying resource: commit and
// rollback only drive the hooks. Useful for hosts whose state lives elsewhere
// and for tests.
func NewManager(opts ...Option) *Manager {
	return newManager(noopBackend{}, opts...)
}

// NewSQLManager wraps database/sql transactions. The *sql.Tx is available to
// stores through From.
func NewSQLManager(db *sql.DB, opts ...Option) *Manager {
	return newManager(sqlBackend{db: db}, opts...)
}

// RunInTx executes fn inside a transaction. A nested call joins the outer
// transaction. fn returning an error, or panicking, rolls back.
func (m *Manager) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ID(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}

	txCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	id := m.newID()
	txCtx = WithID(txCtx, id)
	txCtx, commit, rollback, err := m.backend.begin(txCtx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = rollback()
		m.notifyRollback(ctx, id)
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	m.notifyCommit(ctx, id)
	return nil
}

func (m *Manager) notifyCommit(ctx context.Context, id string) {
	for _, h := range m.hooks {
		h.OnCommit(ctx, id)
	}
}

func (m *Manager) notifyRollback(ctx context.Context, id string) {
	for _, h := range m.hooks {
		h.OnRollback(ctx, id)
	}
}

type noopBackend struct{}

func (noopBackend) begin(ctx context.Context) (context.Context, func() error, func() error, error) {
	nop := func() error { return nil }
	return ctx, nop, nop, nil
}

type sqlBackend struct {
	db *sql.DB
}

func (b sqlBackend) begin(ctx context.Context) (context.Context, func() error, func() error, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, nil, nil, err
	}
	return WithTx(ctx, tx), tx.Commit, tx.Rollback, nil
}
