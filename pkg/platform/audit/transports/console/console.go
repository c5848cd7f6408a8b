// Package console writes audit events to the process's diagnostic output.
//
// Each event is one write: a marker line identifying the output as an audit-log
// emission, followed by the event's wire JSON indented over the next lines.
// Consumers locate the marker and parse everything after the first line break.
package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	audit "auditlog/pkg/platform/audit"
)

// Marker prefixes every emission.
const Marker = "[audit-log]"

// Transport is fire-and-forget: a failed write is logged and never retried,
// since there is no remote party to retry against.
type Transport struct {
	mu     sync.Mutex
	out    io.Writer
	logger *slog.Logger
}

// Option configures the Transport.
type Option func(*Transport)

// WithWriter overrides the default os.Stderr destination.
func WithWriter(w io.Writer) Option {
	return func(t *Transport) {
		if w != nil {
			t.out = w
		}
	}
}

// WithLogger sets a logger for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a console transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		out:    os.Stderr,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Kind implements audit.Transport.
func (t *Transport) Kind() string { return "console" }

// Format renders the marker line and the indented wire JSON.
func Format(event audit.Event) ([]byte, error) {
	body, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s - %s:\n", Marker, event.Name)
	b.Write(body)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Deliver writes the event. Write errors are logged and returned as permanent
// so callers in immediate mode still see the failure.
func (t *Transport) Deliver(ctx context.Context, event audit.Event) error {
	msg, err := Format(event)
	if err != nil {
		return audit.NewPermanentError(t.Kind(), "encode event", 0, err)
	}

	t.mu.Lock()
	_, err = t.out.Write(msg)
	t.mu.Unlock()
	if err != nil {
		t.logger.ErrorContext(ctx, "audit console write failed",
			"event_id", event.ID,
			"kind", event.Kind,
			"error", err,
		)
		return audit.NewPermanentError(t.Kind(), "write console", 0, err)
	}
	return nil
}

// Parse is the consumer side of Format: it finds the marker line and decodes
// the JSON that follows it.
func Parse(output []byte) (audit.Event, error) {
	idx := bytes.Index(output, []byte(Marker))
	if idx < 0 {
		return audit.Event{}, fmt.Errorf("no %s marker found", Marker)
	}
	rest := output[idx:]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return audit.Event{}, fmt.Errorf("marker line not terminated")
	}
	var event audit.Event
	dec := json.NewDecoder(bytes.NewReader(rest[nl+1:]))
	if err := dec.Decode(&event); err != nil {
		return audit.Event{}, fmt.Errorf("decode audit event: %w", err)
	}
	return event, nil
}
