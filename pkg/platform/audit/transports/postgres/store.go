// Package postgres persists audit events in a local audit_log table.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	audit "auditlog/pkg/platform/audit"
)

const transportName = "database"

// Store is an audit.Transport writing to PostgreSQL. Deliveries always use
// the pool, never a transaction found in ctx: an audit record of a send must
// survive a rollback of the surrounding business transaction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used for migration progress.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open connects with the pgx driver.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Kind implements audit.Transport.
func (s *Store) Kind() string { return transportName }

// Deliver inserts the event. Redelivery of the same event id is a no-op.
func (s *Store) Deliver(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return audit.NewPermanentError(transportName, "encode event", 0, err)
	}
	query := `
		INSERT INTO audit_log (id, kind, name, user_id, tenant, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Kind),
		event.Name,
		event.User,
		event.Tenant,
		event.Timestamp,
		payload,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

// ListByUser returns the events of user, oldest first.
func (s *Store) ListByUser(ctx context.Context, user string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, name, payload
		FROM audit_log
		WHERE user_id = $1
		ORDER BY occurred_at ASC, created_at ASC
	`, user)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			kind, name string
			payload    []byte
		)
		if err := rows.Scan(&kind, &name, &payload); err != nil {
			return nil, fmt.Errorf("scan audit_log row: %w", err)
		}
		var ev audit.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode audit_log payload: %w", err)
		}
		ev.Kind = audit.Kind(kind)
		ev.Name = name
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit_log: %w", err)
	}
	return events, nil
}

// Purge deletes events older than cutoff and returns how many were removed.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit_log: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// transientCodes are SQLSTATE values worth another attempt.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case transientCodes[code], len(code) == 5 && (code[:2] == "08" || code[:2] == "53"):
			return audit.NewTransientError(transportName, pgErr.Message, 0, err)
		case len(code) == 5 && code[:2] == "28":
			return audit.NewAuthError(transportName, pgErr.Message, 0, err)
		default:
			return audit.NewPermanentError(transportName, pgErr.Message, 0, err)
		}
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return audit.NewTransientError(transportName, "database unavailable", 0, err)
	}
	return audit.NewPermanentError(transportName, "insert event", 0, err)
}
