package memory

import (
	"context"
	"sync"

	audit "auditlog/pkg/platform/audit"
)

// Transport records delivered events in arrival order. FailWith lets tests
// inject delivery failures per event.
type Transport struct {
	mu     sync.RWMutex
	events []audit.Event
	calls  int

	// FailWith, when set, is consulted before recording. A non-nil error is
	// returned to the caller and the event is not recorded.
	FailWith func(event audit.Event, call int) error
}

func New() *Transport {
	return &Transport{}
}

func (t *Transport) Kind() string { return "memory" }

func (t *Transport) Deliver(_ context.Context, event audit.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.FailWith != nil {
		if err := t.FailWith(event, t.calls); err != nil {
			return err
		}
	}
	t.events = append(t.events, event)
	return nil
}

// Events returns a copy of everything delivered so far.
func (t *Transport) Events() []audit.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]audit.Event{}, t.events...)
}

// ListByUser returns the delivered events of one user.
func (t *Transport) ListByUser(user string) []audit.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []audit.Event
	for _, e := range t.events {
		if e.User == user {
			out = append(out, e)
		}
	}
	return out
}

// Calls returns the number of Deliver invocations, including failed ones.
func (t *Transport) Calls() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calls
}

func (t *Transport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
	t.calls = 0
}
