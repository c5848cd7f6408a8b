package demo

import (
	"context"
	"slices"
	"sync"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/retry"
)

// Sequence markers.
const (
	StepRequestSucceeded = "request succeeded"
	StepAuditLogged      = "audit log logged"
)

// Sequence records the order in which request completion and audit
// delivery happened.
type Sequence struct {
	mu    sync.Mutex
	steps []string
}

// Add appends a step.
func (s *Sequence) Add(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Values returns a copy of the recorded steps.
func (s *Sequence) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps == nil {
		return []string{}
	}
	return slices.Clone(s.steps)
}

// Reset clears the sequence.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = nil
}

// Recorder wraps a transport and marks every successful delivery.
type Recorder struct {
	audit.Transport
	seq *Sequence
}

// NewRecorder decorates next.
func NewRecorder(next audit.Transport, seq *Sequence) *Recorder {
	return &Recorder{Transport: next, seq: seq}
}

// Deliver implements audit.Transport.
func (r *Recorder) Deliver(ctx context.Context, event audit.Event) error {
	if err := r.Transport.Deliver(ctx, event); err != nil {
		return err
	}
	r.seq.Add(StepAuditLogged)
	return nil
}

// RetryPolicy keeps the wrapped transport's policy visible through the decorator.
func (r *Recorder) RetryPolicy() retry.Policy {
	return audit.PolicyFor(r.Transport)
}
