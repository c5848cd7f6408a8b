// Package outbox buffers audit events per business transaction and delivers
// them after the transaction commits.
//
// The Registry is an arena keyed by transaction id. Enqueue appends to the
// transaction's Outbox and never blocks. OnCommit detaches the Outbox and
// schedules a flush task that delivers entries strictly in enqueue order; the
// next entry is not attempted before the previous one is sent or failed.
// OnRollback detaches and drops the Outbox without a single transport call.
// Flushes of different transactions run concurrently.
package outbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/retry"
	"auditlog/pkg/platform/sentinel"
)

// Status is the delivery state of an Entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// Entry wraps an Event with delivery bookkeeping.
type Entry struct {
	Event     audit.Event
	Attempts  int
	Status    Status
	LastError error
}

// Outbox is the ordered buffer of one transaction.
type Outbox struct {
	txID      string
	entries   []*Entry
	createdAt time.Time
}

// TxID returns the owning transaction id.
func (o *Outbox) TxID() string { return o.txID }

// Entries returns a snapshot of the entries in enqueue order.
func (o *Outbox) Entries() []Entry {
	out := make([]Entry, len(o.entries))
	for i, e := range o.entries {
		out[i] = *e
	}
	return out
}

// FlushReport summarizes one completed flush.
type FlushReport struct {
	TxID     string
	Entries  []Entry
	Sent     int
	Failed   int
	Duration time.Duration
}

const (
	defaultConcurrency   = 8
	defaultMaxEntriesTx  = 10000
	defaultFlushDeadline = 2 * time.Minute
)

// Registry owns every open Outbox.
type Registry struct {
	mu     sync.Mutex
	boxes  map[string]*Outbox
	closed bool

	transport   audit.Transport
	logger      *slog.Logger
	metrics     *Metrics
	sem         *semaphore.Weighted
	maxEntries  int
	flushTTL    time.Duration
	retryOpts   []retry.Option
	onFlushed   func(FlushReport)
	baseCtx     context.Context
	cancelFlush context.CancelFunc

	// active counts scheduled flushes; idle is closed whenever it is zero.
	active int
	idle   chan struct{}
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets a logger for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithConcurrency bounds how many outboxes flush at the same time.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxEntries caps the number of events one transaction may buffer.
func WithMaxEntries(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// WithFlushTimeout bounds a single flush including retries.
func WithFlushTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.flushTTL = d
		}
	}
}

// WithRetryOptions passes options (sleeper, observer) to every delivery run.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(r *Registry) {
		r.retryOpts = append(r.retryOpts, opts...)
	}
}

// WithFlushHook registers a callback invoked after every flush.
func WithFlushHook(fn func(FlushReport)) Option {
	return func(r *Registry) {
		r.onFlushed = fn
	}
}

// New creates a Registry delivering to transport.
func New(transport audit.Transport, opts ...Option) (*Registry, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		boxes:       make(map[string]*Outbox),
		transport:   transport,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		sem:         semaphore.NewWeighted(defaultConcurrency),
		maxEntries:  defaultMaxEntriesTx,
		flushTTL:    defaultFlushDeadline,
		baseCtx:     ctx,
		cancelFlush: cancel,
		idle:        make(chan struct{}),
	}
	close(r.idle)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Transport returns the transport outboxes flush to.
func (r *Registry) Transport() audit.Transport { return r.transport }

// Enqueue appends event to the outbox of txID, creating it on first use.
func (r *Registry) Enqueue(txID string, event audit.Event) error {
	if txID == "" {
		return fmt.Errorf("enqueue audit event: no transaction id: %w", sentinel.ErrInvalidState)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("enqueue audit event: outbox closed: %w", sentinel.ErrUnavailable)
	}
	box, ok := r.boxes[txID]
	if !ok {
		box = &Outbox{txID: txID, createdAt: time.Now()}
		r.boxes[txID] = box
		r.metrics.setOpen(len(r.boxes))
	}
	if len(box.entries) >= r.maxEntries {
		return fmt.Errorf("enqueue audit event: transaction %s holds %d events: %w", txID, len(box.entries), sentinel.ErrLimitExceeded)
	}
	box.entries = append(box.entries, &Entry{Event: event, Status: StatusPending})
	r.metrics.incEnqueued()
	return nil
}

// Dispatch schedules event for background delivery outside any transaction,
// as a one-entry outbox that is committed at once.
func (r *Registry) Dispatch(event audit.Event) error {
	txID := "auto-" + uuid.NewString()
	if err := r.Enqueue(txID, event); err != nil {
		return err
	}
	r.OnCommit(context.Background(), txID)
	return nil
}

// Pending returns the number of buffered entries of an open transaction.
func (r *Registry) Pending(txID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if box, ok := r.boxes[txID]; ok {
		return len(box.entries)
	}
	return 0
}

// detach removes the outbox of txID from the arena. When the registry is
// still open the flush is counted as active under the same lock, so Wait
// never misses it.
func (r *Registry) detach(txID string) (box *Outbox, scheduled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.boxes[txID]
	if !ok {
		return nil, false
	}
	delete(r.boxes, txID)
	r.metrics.setOpen(len(r.boxes))
	if r.closed {
		return box, false
	}
	if r.active == 0 {
		r.idle = make(chan struct{})
	}
	r.active++
	return box, true
}

// OnCommit is called by the transaction manager after the transaction durably
// committed. It returns immediately; delivery happens in a flush task.
func (r *Registry) OnCommit(ctx context.Context, txID string) {
	box, scheduled := r.detach(txID)
	if box == nil {
		return
	}
	if !scheduled {
		r.logger.WarnContext(ctx, "audit outbox closed, dropping committed events",
			"tx_id", txID,
			"entries", len(box.entries),
		)
		r.metrics.addDiscarded(len(box.entries))
		return
	}

	go func() {
		defer r.done()
		r.flush(box)
	}()
}

// OnRollback drops the outbox of txID. No event of a rolled-back transaction
// is ever handed to the transport.
func (r *Registry) OnRollback(ctx context.Context, txID string) {
	r.mu.Lock()
	box, ok := r.boxes[txID]
	if ok {
		delete(r.boxes, txID)
		r.metrics.setOpen(len(r.boxes))
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.metrics.addDiscarded(len(box.entries))
	r.logger.DebugContext(ctx, "audit outbox discarded on rollback",
		"tx_id", txID,
		"entries", len(box.entries),
	)
}

func (r *Registry) flush(box *Outbox) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.baseCtx, r.flushTTL)
	defer cancel()

	report := FlushReport{TxID: box.txID}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		for _, e := range box.entries {
			e.Status = StatusFailed
			e.LastError = err
			r.metrics.incFailed()
		}
		r.logger.Error("audit outbox flush aborted",
			"tx_id", box.txID,
			"entries", len(box.entries),
			"error", err,
		)
		report.Failed = len(box.entries)
		r.finish(report, box, start)
		return
	}
	defer r.sem.Release(1)

	for _, e := range box.entries {
		e.Status = StatusInflight
		res := audit.Deliver(ctx, r.transport, e.Event, r.retryOpts...)
		e.Attempts = res.Attempts
		if res.OK() {
			e.Status = StatusSent
			report.Sent++
			r.metrics.incSent()
			continue
		}
		e.Status = StatusFailed
		e.LastError = res.Err
		report.Failed++
		r.metrics.incFailed()
		r.logger.Error("audit event delivery failed",
			"tx_id", box.txID,
			"event_id", e.Event.ID,
			"kind", e.Event.Kind,
			"transport", r.transport.Kind(),
			"attempts", res.Attempts,
			"state", res.State,
			"category", audit.CategoryOf(res.Err),
			"error", res.Err,
		)
	}
	r.finish(report, box, start)
}

func (r *Registry) finish(report FlushReport, box *Outbox, start time.Time) {
	report.Duration = time.Since(start)
	report.Entries = box.Entries()
	r.metrics.observeFlush(report.Duration.Seconds())
	if r.onFlushed != nil {
		r.onFlushed(report)
	}
}

func (r *Registry) done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	if r.active == 0 {
		close(r.idle)
	}
}

// Wait blocks until every scheduled flush has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, discards open (uncommitted) outboxes and waits
// for running flushes. If ctx expires first, running flushes are cancelled.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	open := 0
	for id, box := range r.boxes {
		open += len(box.entries)
		delete(r.boxes, id)
	}
	r.metrics.setOpen(0)
	r.mu.Unlock()
	r.metrics.addDiscarded(open)

	err := r.Wait(ctx)
	if err != nil {
		r.cancelFlush()
		_ = r.Wait(context.Background())
		return fmt.Errorf("close audit outbox: %w", err)
	}
	r.cancelFlush()
	return nil
}
